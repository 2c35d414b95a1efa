package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/models"
)

func TestNotificationRepositoryListAndMarkRead(t *testing.T) {
	repo := NewNotificationRepository(setupTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, repo.Create(ctx, &models.Notification{
			ID:        id,
			UserID:    "alice",
			TenantID:  "t1",
			Type:      models.NotificationTypeMention,
			Title:     "mentioned",
			Status:    models.NotificationUnread,
			CreatedAt: baseTime().Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &models.Notification{ID: "other", UserID: "alice", TenantID: "t2", Type: "x", Status: models.NotificationUnread}))

	updated, err := repo.MarkRead(ctx, "t1", "alice", "n2", baseTime().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, models.NotificationRead, updated.Status)
	require.NotNil(t, updated.ReadAt)

	unread, err := repo.ListByUser(ctx, "t1", "alice", models.NotificationUnread, 10, 0)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	require.Equal(t, "n3", unread[0].ID)
	require.Equal(t, "n1", unread[1].ID)

	all, err := repo.ListByUser(ctx, "t1", "alice", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	_, err = repo.MarkRead(ctx, "t1", "bob", "n1", baseTime())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreferenceRepositoryUpsertOverwrites(t *testing.T) {
	repo := NewPreferenceRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.Get(ctx, "t1", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	pref := models.DefaultNotificationPreference("alice", "t1")
	pref.Email = "alice@example.com"
	require.NoError(t, repo.Upsert(ctx, &pref))

	pref.EmailEnabled = false
	pref.SMSEnabled = true
	pref.Phone = "+14155550100"
	require.NoError(t, repo.Upsert(ctx, &pref))

	stored, err := repo.Get(ctx, "t1", "alice")
	require.NoError(t, err)
	require.False(t, stored.EmailEnabled)
	require.True(t, stored.SMSEnabled)
	require.True(t, stored.InAppEnabled)
	require.Equal(t, "+14155550100", stored.Phone)
}

func TestDeliveryRepositoryRecordsInOrder(t *testing.T) {
	repo := NewDeliveryRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, &models.NotificationDelivery{NotificationID: "n1", TenantID: "t1", UserID: "alice", Channel: models.DeliveryInApp, Status: models.DeliveryDelivered, Attempts: 1}))
	require.NoError(t, repo.Record(ctx, &models.NotificationDelivery{NotificationID: "n1", TenantID: "t1", UserID: "alice", Channel: models.DeliveryEmail, Status: models.DeliveryDeadLetter, Attempts: 4, Error: "boom"}))

	deliveries, err := repo.ListByNotification(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	require.Equal(t, models.DeliveryInApp, deliveries[0].Channel)
	require.Equal(t, models.DeliveryDeadLetter, deliveries[1].Status)
}
