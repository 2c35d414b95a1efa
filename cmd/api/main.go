package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/database"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/repository"
	"github.com/noah-isme/gema-realtime/internal/router"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/pkg/deadletter"
	"github.com/noah-isme/gema-realtime/pkg/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("node_id", cfg.NodeID).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName+"-"+cfg.NodeID)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, relaying over redis pub/sub")
		} else {
			defer natsConn.Drain()
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connections := repository.NewConnectionStore(redisClient, cfg.RedisPrefix)
	presence := service.NewPresenceService(repository.NewPresenceStore(redisClient, cfg.RedisPrefix), connections, cfg.Presence.TTL, logger)
	registry := service.NewConnectionRegistry(connections, presence, cfg.NodeID, cfg.Realtime.ConnectionTTL, logger)
	hub := service.NewConnectionHub(cfg.NodeID, redisClient, cfg.RedisPrefix, natsConn, cfg.NATSSubject, logger)
	engine := service.NewBroadcastService(registry, hub, logger)
	presence.UsePublisher(engine)
	registry.UseCloser(hub)
	hub.OnUnreachable(func(ctx context.Context, connectionID string) {
		if err := registry.Deregister(ctx, connectionID); err != nil {
			logger.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to deregister unreachable connection")
		}
	})

	var deadLetters deadletter.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := deadletter.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaDeadLetterTopic)
		if err != nil {
			log.Fatalf("failed to create dead-letter publisher: %v", err)
		}
		deadLetters = publisher
		defer publisher.Close()
	}

	dispatcher := service.NewNotificationDispatcher(
		repository.NewNotificationRepository(db),
		repository.NewPreferenceRepository(db),
		repository.NewDeliveryRepository(db),
		engine,
		buildProviders(cfg, logger),
		deadLetters,
		validate,
		service.DispatcherOptions{
			MaxAttempts:     cfg.Notification.MaxAttempts,
			InitialBackoff:  cfg.Notification.InitialBackoff,
			MaxBackoff:      cfg.Notification.MaxBackoff,
			MaxElapsed:      cfg.Notification.MaxElapsed,
			BreakerFailures: cfg.Notification.BreakerFailures,
			BreakerTimeout:  cfg.Notification.BreakerTimeout,
		},
		logger,
	)

	channelRepo := repository.NewChannelRepository(db)
	messages := service.NewMessageService(channelRepo, repository.NewMessageRepository(db), engine, dispatcher, presence, validate, cfg.Messages.PageLimit, logger)
	channels := service.NewChannelService(channelRepo, messages, engine, registry, validate, logger)
	actions := service.NewActionRouter(channels, messages, registry, presence, engine)
	realtime := service.NewRealtimeService(registry, hub, actions, service.RealtimeOptions{
		SendBuffer:   cfg.Realtime.SendBuffer,
		PingInterval: cfg.Realtime.HeartbeatInterval,
		InboundRate:  cfg.Realtime.InboundRate,
		InboundBurst: cfg.Realtime.InboundBurst,
	}, logger)

	hub.Start(ctx)
	go registry.RunReaper(ctx, cfg.Realtime.ReapInterval)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		ChannelHandler:      handler.NewChannelHandler(channels, logger),
		MessageHandler:      handler.NewMessageHandler(messages, logger),
		PresenceHandler:     handler.NewPresenceHandler(presence, logger),
		NotificationHandler: handler.NewNotificationHandler(dispatcher, logger),
		RealtimeHandler:     handler.NewRealtimeHandler(realtime, logger),
		Connections:         hub,
		NodeID:              cfg.NodeID,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, app)
}

// buildProviders skips channels without credentials; the dispatcher reports them as degraded.
func buildProviders(cfg config.Config, logger zerolog.Logger) []notify.Provider {
	var providers []notify.Provider

	email, err := notify.NewEmailProvider(notify.EmailConfig{
		APIKey:      cfg.Email.APIKey,
		BaseURL:     cfg.Email.BaseURL,
		SenderEmail: cfg.Email.SenderEmail,
		SenderName:  cfg.Email.SenderName,
	})
	providers = appendProvider(providers, email, err, notify.ChannelEmail, logger)

	sms, err := notify.NewSMSProvider(notify.SMSConfig{
		AccountSID: cfg.SMS.AccountSID,
		AuthToken:  cfg.SMS.AuthToken,
		From:       cfg.SMS.From,
		BaseURL:    cfg.SMS.BaseURL,
	})
	providers = appendProvider(providers, sms, err, notify.ChannelSMS, logger)

	push, err := notify.NewPushProvider(notify.PushConfig{
		Endpoint:  cfg.Push.Endpoint,
		ServerKey: cfg.Push.ServerKey,
	})
	providers = appendProvider(providers, push, err, notify.ChannelPush, logger)

	return providers
}

func appendProvider(providers []notify.Provider, provider notify.Provider, err error, channel notify.Channel, logger zerolog.Logger) []notify.Provider {
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		logger.Warn().Str("channel", string(channel)).Msg("notification provider not configured")
		return providers
	case err != nil:
		log.Fatalf("failed to create %s provider: %v", channel, err)
	}
	return append(providers, provider)
}

func waitForShutdown(ctx context.Context, app *fiber.App) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
