package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// PresenceHandler exposes tenant presence.
type PresenceHandler struct {
	presence service.PresenceTracker
	logger   zerolog.Logger
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(presence service.PresenceTracker, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence: presence,
		logger:   logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Register binds presence routes.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Get("/", h.snapshot)
	router.Put("/", h.update)
	router.Get("/:userId", h.get)
}

func (h *PresenceHandler) snapshot(c *fiber.Ctx) error {
	tenantID, _ := identity(c)
	records, err := h.presence.SnapshotForTenant(requestContext(c), tenantID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "presence snapshot", dto.NewPresenceSnapshot(records))
}

func (h *PresenceHandler) get(c *fiber.Ctx) error {
	tenantID, _ := identity(c)
	record, err := h.presence.Get(requestContext(c), tenantID, c.Params("userId"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "presence retrieved", dto.NewPresenceResponse(record))
}

func (h *PresenceHandler) update(c *fiber.Ctx) error {
	var req dto.PresenceUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	tenantID, userID := identity(c)
	record, err := h.presence.Update(requestContext(c), tenantID, userID, models.PresenceStatus(req.Status), req.ConnectionID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "presence updated", dto.NewPresenceResponse(record))
}
