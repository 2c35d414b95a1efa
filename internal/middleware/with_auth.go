package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/utils"
)

// RequireIdentity rejects requests whose token did not resolve both a user and a tenant.
func RequireIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if UserID(c) == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if TenantID(c) == "" {
			return utils.Fail(c, fiber.StatusForbidden, "tenant claim required", nil)
		}
		return c.Next()
	}
}
