package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/models"
)

func TestMessageRepositoryListBeforePagesNewestFirst(t *testing.T) {
	repo := NewMessageRepository(setupTestDB(t))
	ctx := context.Background()

	same := baseTime().Add(time.Minute)
	rows := []models.Message{
		{ID: "01", Timestamp: baseTime()},
		{ID: "02", Timestamp: same},
		{ID: "03", Timestamp: same},
		{ID: "04", Timestamp: baseTime().Add(2 * time.Minute)},
	}
	for i := range rows {
		rows[i].ChannelID = "general"
		rows[i].TenantID = "t1"
		rows[i].UserID = "alice"
		rows[i].Type = models.MessageTypeText
		rows[i].Content = "msg " + rows[i].ID
		require.NoError(t, repo.Create(ctx, &rows[i]))
	}

	first, err := repo.ListBefore(ctx, "general", nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "04", first[0].ID)
	require.Equal(t, "03", first[1].ID)

	last := first[len(first)-1]
	second, err := repo.ListBefore(ctx, "general", &MessageCursor{Timestamp: last.Timestamp, ID: last.ID}, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.Equal(t, "02", second[0].ID)
	require.Equal(t, "01", second[1].ID)

	empty, err := repo.ListBefore(ctx, "other", nil, 50)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestMessageRepositoryAddReactionIsIdempotent(t *testing.T) {
	repo := NewMessageRepository(setupTestDB(t))
	ctx := context.Background()

	message := models.Message{ID: "m1", ChannelID: "general", TenantID: "t1", UserID: "alice", Type: models.MessageTypeText, Content: "hi", Timestamp: baseTime()}
	require.NoError(t, repo.Create(ctx, &message))

	reaction := models.MessageReaction{MessageID: "m1", Emoji: "👍", UserID: "bob", CreatedAt: baseTime()}
	added, err := repo.AddReaction(ctx, reaction)
	require.NoError(t, err)
	require.True(t, added)

	added, err = repo.AddReaction(ctx, reaction)
	require.NoError(t, err)
	require.False(t, added)

	stored, err := repo.FindByID(ctx, "general", "m1")
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"👍": {"bob"}}, stored.ReactionMap())

	_, err = repo.FindByID(ctx, "elsewhere", "m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageRepositoryRevisionsKeepOriginalText(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	message := models.Message{ID: "m1", ChannelID: "general", TenantID: "t1", UserID: "alice", Type: models.MessageTypeText, Content: "draft @bob", Mentions: []string{"bob"}, Timestamp: baseTime()}
	require.NoError(t, repo.Create(ctx, &message))

	first, err := repo.AddRevision(ctx, "m1", "second @carol", []string{"carol"}, baseTime().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, first.Revision)
	second, err := repo.AddRevision(ctx, "m1", "final", nil, baseTime().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, second.Revision)

	stored, err := repo.FindByID(ctx, "general", "m1")
	require.NoError(t, err)
	require.Equal(t, "draft @bob", stored.Content)
	require.Equal(t, []string{"bob"}, []string(stored.Mentions))
	require.True(t, stored.Edited)
	require.Len(t, stored.Revisions, 2)

	content, mentions := stored.Current()
	require.Equal(t, "final", content)
	require.Empty(t, mentions)

	var originals int64
	require.NoError(t, db.Model(&models.Message{}).Where("content = ?", "draft @bob").Count(&originals).Error)
	require.EqualValues(t, 1, originals)

	_, err = repo.AddRevision(ctx, "missing", "x", nil, baseTime())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageRepositoryMarkDeletedKeepsRow(t *testing.T) {
	repo := NewMessageRepository(setupTestDB(t))
	ctx := context.Background()

	message := models.Message{ID: "m1", ChannelID: "general", TenantID: "t1", UserID: "alice", Type: models.MessageTypeText, Content: "oops", Timestamp: baseTime()}
	require.NoError(t, repo.Create(ctx, &message))
	require.NoError(t, repo.MarkDeleted(ctx, "m1", baseTime().Add(time.Minute)))

	stored, err := repo.FindByID(ctx, "general", "m1")
	require.NoError(t, err)
	require.Equal(t, "oops", stored.Content)
	require.True(t, stored.Deleted)

	require.ErrorIs(t, repo.MarkDeleted(ctx, "missing", baseTime()), ErrNotFound)
}
