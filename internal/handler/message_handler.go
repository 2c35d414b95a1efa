package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// MessageHandler exposes channel history and message mutation endpoints.
type MessageHandler struct {
	service service.MessageService
	logger  zerolog.Logger
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(service service.MessageService, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		service: service,
		logger:  logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register binds message routes under a channel group (/channels/:id/messages).
func (h *MessageHandler) Register(router fiber.Router) {
	router.Get("/", h.page)
	router.Post("/", h.post)
	router.Patch("/:messageId", h.edit)
	router.Delete("/:messageId", h.delete)
	router.Post("/:messageId/reactions", h.react)
}

func (h *MessageHandler) page(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	tenantID, userID := identity(c)
	page, err := h.service.Page(requestContext(c), tenantID, userID, c.Params("id"), dto.MessagePageQuery{
		Limit:  limit,
		Cursor: c.Query("cursor"),
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "messages retrieved", page)
}

func (h *MessageHandler) post(c *fiber.Ctx) error {
	var req dto.MessageCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	message, err := h.service.Post(requestContext(c), tenantID, userID, c.Params("id"), req, "")
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message posted", message)
}

func (h *MessageHandler) edit(c *fiber.Ctx) error {
	var req dto.MessageUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	message, err := h.service.Edit(requestContext(c), tenantID, userID, c.Params("id"), c.Params("messageId"), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *MessageHandler) delete(c *fiber.Ctx) error {
	tenantID, userID := identity(c)
	message, err := h.service.Delete(requestContext(c), tenantID, userID, c.Params("id"), c.Params("messageId"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", message)
}

func (h *MessageHandler) react(c *fiber.Ctx) error {
	var req dto.ReactionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	message, err := h.service.AddReaction(requestContext(c), tenantID, userID, c.Params("id"), c.Params("messageId"), req.Emoji)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reaction added", message)
}
