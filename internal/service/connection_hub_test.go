package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/models"
)

type chanSink struct {
	frames chan []byte
	closed chan []byte
}

func newChanSink() *chanSink {
	return &chanSink{frames: make(chan []byte, 4), closed: make(chan []byte, 1)}
}

func (s *chanSink) enqueue(frame []byte) error {
	select {
	case s.frames <- frame:
		return nil
	default:
		return ErrConnectionGone
	}
}

func (s *chanSink) shutdown(frame []byte) {
	select {
	case s.closed <- frame:
	default:
	}
}

func newRelayHubs(t *testing.T) (ConnectionHub, ConnectionHub, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := NewConnectionHub("node-a", client, "test", nil, "", zerolog.Nop())
	b := NewConnectionHub("node-b", client, "test", nil, "", zerolog.Nop())
	a.Start(ctx)
	b.Start(ctx)
	return a, b, ctx
}

func TestConnectionHubRelaysToOwningNode(t *testing.T) {
	a, b, ctx := newRelayHubs(t)

	sink := newChanSink()
	require.True(t, b.attach("remote", sink))

	target := models.Connection{ID: "remote", NodeID: "node-b"}
	// The subscriber on node-b attaches asynchronously.
	require.Eventually(t, func() bool {
		return a.Send(ctx, target, []byte(`{"type":"heartbeatAck"}`)) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case frame := <-sink.frames:
		require.JSONEq(t, `{"type":"heartbeatAck"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("relayed frame not delivered")
	}
}

func TestConnectionHubReportsUnknownRelayTarget(t *testing.T) {
	a, b, ctx := newRelayHubs(t)

	unreachable := make(chan string, 1)
	b.OnUnreachable(func(ctx context.Context, connectionID string) {
		unreachable <- connectionID
	})

	target := models.Connection{ID: "ghost", NodeID: "node-b"}
	require.Eventually(t, func() bool {
		return a.Send(ctx, target, []byte(`{}`)) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case id := <-unreachable:
		require.Equal(t, "ghost", id)
	case <-time.After(2 * time.Second):
		t.Fatal("owning node did not report the unknown connection")
	}
}

func TestConnectionHubRelayFailures(t *testing.T) {
	a, _, ctx := newRelayHubs(t)

	err := a.Send(ctx, models.Connection{ID: "x", NodeID: "node-gone"}, []byte(`{}`))
	require.ErrorIs(t, err, ErrConnectionGone)

	isolated := NewConnectionHub("node-a", nil, "", nil, "", zerolog.Nop())
	err = isolated.Send(ctx, models.Connection{ID: "x", NodeID: "node-b"}, []byte(`{}`))
	require.ErrorIs(t, err, ErrRelayUnavailable)

	err = isolated.Send(ctx, models.Connection{ID: "x", NodeID: "node-a"}, []byte(`{}`))
	require.ErrorIs(t, err, ErrConnectionGone)
}

func TestConnectionHubClosesRemoteSocket(t *testing.T) {
	a, b, ctx := newRelayHubs(t)

	sink := newChanSink()
	require.True(t, b.attach("remote", sink))

	target := models.Connection{ID: "remote", NodeID: "node-b"}
	require.Eventually(t, func() bool {
		return a.Close(ctx, target) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case frame := <-sink.closed:
		require.Contains(t, string(frame), `"connection_expired"`)
	case <-time.After(2 * time.Second):
		t.Fatal("owning node did not close the socket")
	}
}

func TestConnectionHubCloseIgnoresUnknownLocalSocket(t *testing.T) {
	hub := NewConnectionHub("node-a", nil, "", nil, "", zerolog.Nop())
	require.NoError(t, hub.Close(context.Background(), models.Connection{ID: "ghost", NodeID: "node-a"}))
}
