package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

func TestBroadcastToChannelSurvivesUnreachableConnection(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("conn-%03d", i)
		h.connect(t, id, fmt.Sprintf("user-%03d", i))
		require.NoError(t, h.registry.Subscribe(ctx, id, "general"))
	}
	h.sender.markGone("conn-042")
	h.sender.reset()

	report := h.engine.ToChannel(ctx, "general", dto.NewEvent(dto.EventMessage, dto.MessageEvent{
		Message: dto.MessageResponse{MessageID: "m-1", ChannelID: "general", Content: "hi"},
	}), "")

	require.Equal(t, 100, report.Targeted)
	require.Equal(t, 99, report.Delivered)
	require.Equal(t, []string{"conn-042"}, report.Failed)
	require.Equal(t, []string{"conn-042"}, report.Removed)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("conn-%03d", i)
		if id == "conn-042" {
			continue
		}
		require.Len(t, h.sender.events(t, id, dto.EventMessage), 1, id)
	}

	_, err := h.registry.Get(ctx, "conn-042")
	require.ErrorIs(t, err, ErrNotFound)

	subscribers, err := h.registry.ConnectionsSubscribedTo(ctx, "general")
	require.NoError(t, err)
	require.Len(t, subscribers, 99)
}

func TestBroadcastToUserReachesEveryConnection(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()

	h.connect(t, "laptop", "alice")
	h.connect(t, "phone", "alice")
	h.connect(t, "other", "bob")
	h.sender.reset()

	report := h.engine.ToUser(ctx, testTenant, "alice", dto.NewEvent(dto.EventNotification, dto.NotificationEvent{}))
	require.Equal(t, 2, report.Delivered)
	require.Len(t, h.sender.events(t, "laptop", dto.EventNotification), 1)
	require.Len(t, h.sender.events(t, "phone", dto.EventNotification), 1)
	require.Empty(t, h.sender.events(t, "other", dto.EventNotification))
}

func TestBroadcastToConnectionReportsGone(t *testing.T) {
	h := newRealtimeHarness(t)
	ctx := context.Background()

	h.connect(t, "c-1", "alice")
	h.sender.markGone("c-1")

	err := h.engine.ToConnection(ctx, "c-1", dto.NewEvent(dto.EventHeartbeatAck, dto.HeartbeatAckEvent{}))
	require.ErrorIs(t, err, ErrConnectionGone)

	err = h.engine.ToConnection(ctx, "c-1", dto.NewEvent(dto.EventHeartbeatAck, dto.HeartbeatAckEvent{}))
	require.ErrorIs(t, err, ErrNotFound)
}

func sequencedEvent(seq int) dto.OutboundEvent {
	return dto.NewEvent(dto.EventMessage, dto.MessageEvent{
		Message: dto.MessageResponse{MessageID: fmt.Sprintf("m-%03d", seq), ChannelID: "ordered"},
	})
}

func messageIDs(t *testing.T, frames [][]byte) []string {
	t.Helper()
	ids := make([]string, 0, len(frames))
	for _, frame := range frames {
		var decoded struct {
			Message struct {
				MessageID string `json:"messageId"`
			} `json:"message"`
		}
		require.NoError(t, json.Unmarshal(frame, &decoded))
		ids = append(ids, decoded.Message.MessageID)
	}
	return ids
}

func expectedSequence(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("m-%03d", i))
	}
	return out
}

func TestToChannelPreservesSubmissionOrderPerConnection(t *testing.T) {
	const events = 50
	h := newRealtimeHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("conn-%d", i)
		h.connect(t, id, fmt.Sprintf("user-%d", i))
		require.NoError(t, h.registry.Subscribe(ctx, id, "ordered"))
	}
	h.sender.reset()

	for seq := 0; seq < events; seq++ {
		h.engine.ToChannel(ctx, "ordered", sequencedEvent(seq), "")
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("conn-%d", i)
		h.sender.mu.Lock()
		frames := append([][]byte(nil), h.sender.frames[id]...)
		h.sender.mu.Unlock()
		require.Equal(t, expectedSequence(events), messageIDs(t, frames), id)
	}
}

func TestToChannelPreservesOrderThroughHubQueues(t *testing.T) {
	const events = 50
	h := newRealtimeHarness(t)
	ctx := context.Background()
	hub := NewConnectionHub("node-a", nil, "", nil, "", zerolog.Nop())
	engine := NewBroadcastService(h.registry, hub, zerolog.Nop())

	clients := make([]*realtimeClient, 0, 5)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("sock-%d", i)
		client := &realtimeClient{id: id, send: make(chan []byte, events), closed: make(chan struct{})}
		require.True(t, hub.attach(id, client))
		h.connect(t, id, fmt.Sprintf("user-%d", i))
		require.NoError(t, h.registry.Subscribe(ctx, id, "ordered"))
		clients = append(clients, client)
	}

	for seq := 0; seq < events; seq++ {
		report := engine.ToChannel(ctx, "ordered", sequencedEvent(seq), "")
		require.Equal(t, 5, report.Delivered)
	}

	for _, client := range clients {
		frames := make([][]byte, 0, events)
		for len(client.send) > 0 {
			frames = append(frames, <-client.send)
		}
		require.Equal(t, expectedSequence(events), messageIDs(t, frames), client.id)
	}
}
