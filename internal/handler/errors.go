package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/service"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

const degradedRemediation = "delivery providers are unavailable; the notification was stored and can be read in-app, retry external delivery later"

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return utils.Fail(c, fiber.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, service.ErrPermissionDenied):
		return utils.Fail(c, fiber.StatusForbidden, err.Error(), nil)
	case errors.Is(err, service.ErrNotFound):
		return utils.Fail(c, fiber.StatusNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrAlreadyExists), errors.Is(err, service.ErrDuplicateConnection):
		return utils.Fail(c, fiber.StatusConflict, err.Error(), nil)
	case errors.Is(err, service.ErrProviderUnavailable):
		return utils.Degraded(c, err.Error(), degradedRemediation)
	case errors.Is(err, service.ErrDeliveryFailed), errors.Is(err, service.ErrTransient):
		requestLogger(logger, c).Warn().Err(err).Msg("request failed on a dependency")
		return utils.Fail(c, fiber.StatusServiceUnavailable, err.Error(), nil)
	default:
		requestLogger(logger, c).Error().Err(err).Msg("unhandled request error")
		return utils.Fail(c, fiber.StatusInternalServerError, "internal server error", nil)
	}
}
