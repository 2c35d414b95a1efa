package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("GEMA_RT_JWT_SECRET", "secret")
	t.Setenv("GEMA_RT_NODE_ID", "node-7")
	t.Setenv("GEMA_RT_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "node-7", cfg.NodeID)
	require.Equal(t, 90*time.Second, cfg.Realtime.ConnectionTTL)
	require.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	require.Equal(t, 100, cfg.Messages.PageLimit)
	require.Equal(t, uint(4), cfg.Notification.MaxAttempts)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "*", cfg.CORSOrigins)
}

func TestLoadReadsCORSOrigins(t *testing.T) {
	t.Setenv("GEMA_RT_JWT_SECRET", "secret")
	t.Setenv("GEMA_RT_APP_CORS_ORIGINS", "https://app.gema.test, https://admin.gema.test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://app.gema.test,https://admin.gema.test", cfg.CORSOrigins)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("GEMA_RT_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsHeartbeatNotShorterThanTTL(t *testing.T) {
	t.Setenv("GEMA_RT_JWT_SECRET", "secret")
	t.Setenv("GEMA_RT_REALTIME_HEARTBEAT_INTERVAL", "2m")

	_, err := Load()
	require.ErrorContains(t, err, "heartbeat interval")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("GEMA_RT_JWT_SECRET", "secret")
	t.Setenv("GEMA_RT_PRESENCE_TTL", "soon")

	_, err := Load()
	require.ErrorContains(t, err, "presence.ttl")
}

func TestPageLimitIsCapped(t *testing.T) {
	t.Setenv("GEMA_RT_JWT_SECRET", "secret")
	t.Setenv("GEMA_RT_MESSAGES_PAGE_LIMIT", "500")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Messages.PageLimit)
}
