package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

const notificationRateLimit = 120

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChannelHandler      *handler.ChannelHandler
	MessageHandler      *handler.MessageHandler
	PresenceHandler     *handler.PresenceHandler
	NotificationHandler *handler.NotificationHandler
	RealtimeHandler     *handler.RealtimeHandler
	Connections         handler.ConnectionCounter
	NodeID              string
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.NodeID, deps.Connections))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	secured := api.Group("", jwtMiddleware, middleware.RequireIdentity())

	if deps.ChannelHandler != nil {
		channels := secured.Group("/channels")
		if deps.MessageHandler != nil {
			// Registered first so /:id does not shadow /:id/messages.
			deps.MessageHandler.Register(channels.Group("/:id/messages"))
		}
		deps.ChannelHandler.Register(channels)
	}

	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(secured.Group("/presence"))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(secured.Group("/notifications", middleware.RateLimit("notifications", notificationRateLimit, time.Minute)))
	}

	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(secured.Group("/realtime"))
	}
}
