package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// RealtimeHandler upgrades authenticated requests to websocket sessions.
type RealtimeHandler struct {
	service service.RealtimeService
	logger  zerolog.Logger
}

// NewRealtimeHandler creates a realtime handler instance.
func NewRealtimeHandler(service service.RealtimeService, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		service: service,
		logger:  logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket upgrade route.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		tenantID, userID := identity(c)
		if tenantID == "" || userID == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}

		connectionID := strings.TrimSpace(c.Query("connectionId"))
		if connectionID == "" {
			connectionID = uuid.NewString()
		}
		if len(connectionID) > 64 {
			return utils.SendError(c, fiber.StatusBadRequest, "connectionId too long")
		}

		// Values are copied out now; the fiber.Ctx is recycled once the upgrade completes.
		c.Locals("request_ctx", context.WithoutCancel(requestContext(c)))
		c.Locals("connection_id", connectionID)
		c.Locals("correlation_id", middleware.GetCorrelationID(c))
		return c.Next()
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	opts := service.ConnectionOptions{
		ConnectionID:  localString(conn, "connection_id"),
		UserID:        localString(conn, middleware.LocalUserID),
		TenantID:      localString(conn, middleware.LocalTenantID),
		CorrelationID: localString(conn, "correlation_id"),
	}
	opts.Context, _ = conn.Locals("request_ctx").(context.Context)

	logger := h.logger.With().
		Str("connection_id", opts.ConnectionID).
		Str("user_id", opts.UserID).
		Str("tenant_id", opts.TenantID).
		Logger()

	logger.Info().Msg("websocket connected")
	h.service.ServeConnection(conn, opts)
	logger.Info().Msg("websocket disconnected")
}

func localString(conn *websocket.Conn, key string) string {
	if value, ok := conn.Locals(key).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
