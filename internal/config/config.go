package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the realtime service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string
	NodeID   string

	// CORSOrigins is a comma separated allow list handed to the CORS middleware.
	CORSOrigins string

	DatabaseURL string
	RedisURL    string
	RedisPrefix string
	NATSURL     string
	NATSSubject string
	JWTSecret   string

	KafkaBrokers         []string
	KafkaDeadLetterTopic string

	Realtime     RealtimeConfig
	Presence     PresenceConfig
	Messages     MessageConfig
	Notification NotificationConfig
	Email        EmailConfig
	SMS          SMSConfig
	Push         PushConfig
}

// RealtimeConfig tunes connection lifetime and inbound throttling.
type RealtimeConfig struct {
	ConnectionTTL     time.Duration
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	SendBuffer        int
	InboundRate       float64
	InboundBurst      int
}

// PresenceConfig controls how long a presence record stays fresh without heartbeats.
type PresenceConfig struct {
	TTL time.Duration
}

// MessageConfig bounds message pagination.
type MessageConfig struct {
	PageLimit int
}

// NotificationConfig configures retry and circuit breaking for delivery providers.
type NotificationConfig struct {
	MaxAttempts     uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxElapsed      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// EmailConfig holds Brevo transactional email credentials.
type EmailConfig struct {
	APIKey      string
	BaseURL     string
	SenderEmail string
	SenderName  string
}

// SMSConfig holds Twilio credentials.
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
}

// PushConfig points at the push gateway.
type PushConfig struct {
	Endpoint  string
	ServerKey string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA_RT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Realtime")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("app.cors_origins", "*")
	v.SetDefault("redis.prefix", "gema:rt")
	v.SetDefault("nats.subject", "gema.rt")
	v.SetDefault("kafka.dead_letter_topic", "gema.notifications.dead_letter")
	v.SetDefault("realtime.connection_ttl", "90s")
	v.SetDefault("realtime.heartbeat_interval", "30s")
	v.SetDefault("realtime.reap_interval", "15s")
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.inbound_rate", 20)
	v.SetDefault("realtime.inbound_burst", 40)
	v.SetDefault("presence.ttl", "120s")
	v.SetDefault("messages.page_limit", 100)
	v.SetDefault("notify.max_attempts", 4)
	v.SetDefault("notify.initial_backoff", "200ms")
	v.SetDefault("notify.max_backoff", "5s")
	v.SetDefault("notify.max_elapsed", "30s")
	v.SetDefault("notify.breaker_failures", 5)
	v.SetDefault("notify.breaker_timeout", "30s")
	v.SetDefault("email.base_url", "https://api.brevo.com/v3")
	v.SetDefault("email.sender_name", "GEMA")
	v.SetDefault("sms.base_url", "https://api.twilio.com/2010-04-01")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		LogLevel:             strings.ToLower(v.GetString("log.level")),
		NodeID:               strings.TrimSpace(v.GetString("node.id")),
		CORSOrigins:          strings.Join(splitList(v.GetString("app.cors_origins")), ","),
		DatabaseURL:          v.GetString("database.url"),
		RedisURL:             v.GetString("redis.url"),
		RedisPrefix:          v.GetString("redis.prefix"),
		NATSURL:              v.GetString("nats.url"),
		NATSSubject:          v.GetString("nats.subject"),
		JWTSecret:            v.GetString("jwt.secret"),
		KafkaBrokers:         splitList(v.GetString("kafka.brokers")),
		KafkaDeadLetterTopic: v.GetString("kafka.dead_letter_topic"),
		Realtime: RealtimeConfig{
			SendBuffer:   v.GetInt("realtime.send_buffer"),
			InboundRate:  v.GetFloat64("realtime.inbound_rate"),
			InboundBurst: v.GetInt("realtime.inbound_burst"),
		},
		Messages: MessageConfig{
			PageLimit: v.GetInt("messages.page_limit"),
		},
		Notification: NotificationConfig{
			MaxAttempts:     v.GetUint("notify.max_attempts"),
			BreakerFailures: v.GetUint32("notify.breaker_failures"),
		},
		Email: EmailConfig{
			APIKey:      v.GetString("email.api_key"),
			BaseURL:     v.GetString("email.base_url"),
			SenderEmail: v.GetString("email.sender_email"),
			SenderName:  v.GetString("email.sender_name"),
		},
		SMS: SMSConfig{
			AccountSID: v.GetString("sms.account_sid"),
			AuthToken:  v.GetString("sms.auth_token"),
			From:       v.GetString("sms.from"),
			BaseURL:    v.GetString("sms.base_url"),
		},
		Push: PushConfig{
			Endpoint:  v.GetString("push.endpoint"),
			ServerKey: v.GetString("push.server_key"),
		},
	}

	durations["realtime.connection_ttl"] = &cfg.Realtime.ConnectionTTL
	durations["realtime.heartbeat_interval"] = &cfg.Realtime.HeartbeatInterval
	durations["realtime.reap_interval"] = &cfg.Realtime.ReapInterval
	durations["presence.ttl"] = &cfg.Presence.TTL
	durations["notify.initial_backoff"] = &cfg.Notification.InitialBackoff
	durations["notify.max_backoff"] = &cfg.Notification.MaxBackoff
	durations["notify.max_elapsed"] = &cfg.Notification.MaxElapsed
	durations["notify.breaker_timeout"] = &cfg.Notification.BreakerTimeout

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Realtime.HeartbeatInterval >= cfg.Realtime.ConnectionTTL {
		return Config{}, fmt.Errorf("heartbeat interval must be shorter than connection ttl")
	}

	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.NodeID = host
		} else {
			cfg.NodeID = "node-1"
		}
	}

	if cfg.Realtime.SendBuffer <= 0 {
		cfg.Realtime.SendBuffer = 64
	}

	if cfg.Messages.PageLimit <= 0 || cfg.Messages.PageLimit > 100 {
		cfg.Messages.PageLimit = 100
	}

	if cfg.Notification.MaxAttempts == 0 {
		cfg.Notification.MaxAttempts = 4
	}

	return cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
