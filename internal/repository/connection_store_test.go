package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/models"
)

func newConnection(id, userID string) models.Connection {
	return models.Connection{
		ID:            id,
		UserID:        userID,
		TenantID:      "t1",
		NodeID:        "node-a",
		ConnectedAt:   baseTime(),
		LastHeartbeat: baseTime(),
	}
}

func TestConnectionStoreCreateRejectsDuplicate(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewConnectionStore(client, "test")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newConnection("c1", "alice"), time.Minute))
	require.ErrorIs(t, store.Create(ctx, newConnection("c1", "bob"), time.Minute), ErrDuplicate)

	conn, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "alice", conn.UserID)
	require.Equal(t, "node-a", conn.NodeID)
	require.True(t, conn.ConnectedAt.Equal(baseTime()))
}

func TestConnectionStoreIndexesAndDelete(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewConnectionStore(client, "test")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newConnection("c1", "alice"), time.Minute))
	require.NoError(t, store.Create(ctx, newConnection("c2", "alice"), time.Minute))
	require.NoError(t, store.Create(ctx, newConnection("c3", "bob"), time.Minute))
	require.NoError(t, store.AddSubscription(ctx, "c1", "general"))
	require.NoError(t, store.AddSubscription(ctx, "c3", "general"))
	require.ErrorIs(t, store.AddSubscription(ctx, "ghost", "general"), ErrNotFound)

	subscribed, err := store.ListByChannel(ctx, "general")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c3"}, connectionIDs(subscribed))

	count, err := store.CountByUser(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	removed, ok, err := store.Delete(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"general"}, removed.SubscribedChannels)

	_, ok, err = store.Delete(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	subscribed, err = store.ListByChannel(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, []string{"c3"}, connectionIDs(subscribed))

	tenant, err := store.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c2", "c3"}, connectionIDs(tenant))

	require.NoError(t, store.RemoveSubscription(ctx, "c3", "general"))
	subscribed, err = store.ListByChannel(ctx, "general")
	require.NoError(t, err)
	require.Empty(t, subscribed)
}

func TestConnectionStoreClaimExpiredHandsOutEachIDOnce(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewConnectionStore(client, "test")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newConnection("stale", "alice"), time.Minute))
	require.NoError(t, store.Create(ctx, newConnection("fresh", "bob"), time.Minute))
	require.NoError(t, store.Refresh(ctx, "fresh", baseTime().Add(5*time.Minute), time.Minute))
	require.ErrorIs(t, store.Refresh(ctx, "ghost", baseTime(), time.Minute), ErrNotFound)

	now := baseTime().Add(2 * time.Minute)
	claimed, err := store.ClaimExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, claimed)

	claimed, err = store.ClaimExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	fresh, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, fresh.LastHeartbeat.Equal(baseTime().Add(5*time.Minute)))
}

func connectionIDs(connections []models.Connection) []string {
	ids := make([]string, 0, len(connections))
	for _, conn := range connections {
		ids = append(ids, conn.ID)
	}
	return ids
}
