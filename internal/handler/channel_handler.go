package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// ChannelHandler exposes channel lifecycle and membership endpoints.
type ChannelHandler struct {
	service service.ChannelService
	logger  zerolog.Logger
}

// NewChannelHandler constructs a channel handler.
func NewChannelHandler(service service.ChannelService, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{
		service: service,
		logger:  logger.With().Str("component", "channel_handler").Logger(),
	}
}

// Register binds channel routes. Message routes nest under /:id/messages and are registered separately.
func (h *ChannelHandler) Register(router fiber.Router) {
	router.Post("/", h.create)
	router.Get("/", h.list)
	router.Get("/:id", h.get)
	router.Post("/:id/members", h.addMember)
	router.Post("/:id/deactivate", h.deactivate)
	router.Post("/:id/read", h.markRead)
}

func (h *ChannelHandler) create(c *fiber.Ctx) error {
	var req dto.ChannelCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	channel, err := h.service.Create(requestContext(c), tenantID, userID, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "channel created", channel)
}

func (h *ChannelHandler) list(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	channels, err := h.service.ListForUser(requestContext(c), tenantID, userID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "channels retrieved", channels)
}

func (h *ChannelHandler) get(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	channel, err := h.service.Get(requestContext(c), tenantID, userID, c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "channel retrieved", channel)
}

func (h *ChannelHandler) addMember(c *fiber.Ctx) error {
	var req dto.ChannelAddMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	channel, err := h.service.AddMember(requestContext(c), tenantID, c.Params("id"), req.UserID, userID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "member added", channel)
}

func (h *ChannelHandler) deactivate(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	channel, err := h.service.Deactivate(requestContext(c), tenantID, c.Params("id"), userID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "channel deactivated", channel)
}

func (h *ChannelHandler) markRead(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	receipt, err := h.service.MarkRead(requestContext(c), tenantID, userID, c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "channel marked as read", receipt)
}
