package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// NotificationHandler manages notification sending, listing and preferences.
type NotificationHandler struct {
	service service.NotificationDispatcher
	logger  zerolog.Logger
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(service service.NotificationDispatcher, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Post("/", h.send)
	router.Get("/", h.list)
	router.Get("/preferences", h.preferences)
	router.Put("/preferences", h.updatePreferences)
	router.Patch("/:id/read", h.markRead)
}

func (h *NotificationHandler) send(c *fiber.Ctx) error {
	var req dto.NotificationSendRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, _ := identity(c)
	result, err := h.service.Send(requestContext(c), tenantID, req)
	if err != nil {
		// A notification that was persisted but reached no channel is still reported.
		if errors.Is(err, service.ErrDeliveryFailed) {
			requestLogger(h.logger, c).Warn().
				Err(err).
				Str("notification_id", result.Notification.NotificationID).
				Bool("degraded", result.Degraded()).
				Msg("notification not delivered on any channel")
		}
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "notification sent", result)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	tenantID, userID := identity(c)
	notifications, err := h.service.List(requestContext(c), tenantID, userID, dto.NotificationListQuery{
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notifications", notifications)
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	notification, err := h.service.MarkRead(requestContext(c), tenantID, userID, c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notification marked as read", notification)
}

func (h *NotificationHandler) preferences(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	pref, err := h.service.Preferences(requestContext(c), tenantID, userID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notification preferences", pref)
}

func (h *NotificationHandler) updatePreferences(c *fiber.Ctx) error {
	var req dto.PreferenceUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	pref, err := h.service.UpdatePreferences(requestContext(c), tenantID, userID, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "notification preferences updated", pref)
}
