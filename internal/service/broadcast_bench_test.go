package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

func BenchmarkToChannelFanout(b *testing.B) {
	h := newRealtimeHarness(b)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("bench-%d", i)
		h.connect(b, id, fmt.Sprintf("user-%d", i))
		require.NoError(b, h.registry.Subscribe(ctx, id, "lobby"))
	}
	event := dto.NewEvent(dto.EventTyping, dto.TypingEvent{ChannelID: "lobby", UserID: "user-0", IsTyping: true})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		report := h.engine.ToChannel(ctx, "lobby", event, "bench-0")
		if report.Delivered != 499 {
			b.Fatalf("expected 499 deliveries, got %d", report.Delivered)
		}
		h.sender.reset()
	}
}
