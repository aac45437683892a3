package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/recycle-exchange-api/internal/utils"
)

// RequireUser rejects requests that reached the handler without an
// authenticated user id.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if UserID(c) == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		return c.Next()
	}
}
