package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
)

func TestRegistryRejectsDuplicateConnection(t *testing.T) {
	h := newRealtimeHarness(t)
	h.connect(t, "c-1", "alice")

	_, err := h.registry.Register(context.Background(), "c-1", "alice", testTenant)
	require.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestRegistryDeregisterIsIdempotent(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()
	h.connect(t, "c-1", "alice")

	require.NoError(t, h.registry.Deregister(ctx, "c-1"))
	require.NoError(t, h.registry.Deregister(ctx, "c-1"))
	require.NoError(t, h.registry.Deregister(ctx, "never-existed"))
}

func TestRegistrySubscribeUnknownConnection(t *testing.T) {
	h := newRealtimeHarness(t)
	err := h.registry.Subscribe(context.Background(), "missing", "general")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPresenceOfflineOnlyWhenNoConnectionsRemain(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()

	record, err := h.presence.Get(ctx, testTenant, "alice")
	require.NoError(t, err)
	require.Equal(t, models.PresenceOffline, record.Status)

	h.connect(t, "laptop", "alice")
	h.connect(t, "phone", "alice")

	record, err = h.presence.Get(ctx, testTenant, "alice")
	require.NoError(t, err)
	require.Equal(t, models.PresenceOnline, record.Status)
	require.EqualValues(t, 2, record.ActiveConnections)

	record, err = h.presence.Update(ctx, testTenant, "alice", models.PresenceBusy, "phone")
	require.NoError(t, err)
	require.Equal(t, models.PresenceBusy, record.Status)

	_, err = h.presence.Update(ctx, testTenant, "alice", models.PresenceOffline, "")
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, h.registry.Deregister(ctx, "laptop"))
	record, err = h.presence.Get(ctx, testTenant, "alice")
	require.NoError(t, err)
	require.Equal(t, models.PresenceBusy, record.Status)

	require.NoError(t, h.registry.Deregister(ctx, "phone"))
	record, err = h.presence.Get(ctx, testTenant, "alice")
	require.NoError(t, err)
	require.Equal(t, models.PresenceOffline, record.Status)
	require.Zero(t, record.ActiveConnections)
}

func TestPresenceChangesArePublishedToTenant(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()

	h.connect(t, "watcher", "bob")
	h.sender.reset()

	h.connect(t, "alice-1", "alice")
	updates := h.sender.events(t, "watcher", dto.EventPresenceUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, "alice", updates[0]["userId"])
	require.Equal(t, string(models.PresenceOnline), updates[0]["status"])

	require.NoError(t, h.registry.Deregister(ctx, "alice-1"))
	updates = h.sender.events(t, "watcher", dto.EventPresenceUpdate)
	require.Len(t, updates, 2)
	require.Equal(t, string(models.PresenceOffline), updates[1]["status"])
}

func TestPresenceUpdateRejectsForeignConnection(t *testing.T) {
	h := newRealtimeHarness(t)
	h.connect(t, "bob-1", "bob")
	h.connect(t, "alice-1", "alice")

	_, err := h.presence.Update(context.Background(), testTenant, "alice", models.PresenceAway, "bob-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReaperRemovesExpiredConnections(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()
	registry := h.registry.(*connectionRegistry)

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return start }
	h.connect(t, "stale", "alice")
	h.connect(t, "fresh", "bob")

	registry.now = func() time.Time { return start.Add(60 * time.Second) }
	_, err := h.registry.Heartbeat(ctx, "fresh")
	require.NoError(t, err)

	registry.now = func() time.Time { return start.Add(100 * time.Second) }
	reaped, err := h.registry.ReapExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	_, err = h.registry.Get(ctx, "stale")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.registry.Get(ctx, "fresh")
	require.NoError(t, err)

	record, err := h.presence.Get(ctx, testTenant, "alice")
	require.NoError(t, err)
	require.Equal(t, models.PresenceOffline, record.Status)
}
