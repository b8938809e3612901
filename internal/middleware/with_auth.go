package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-support-chat/internal/utils"
)

// WithAuth wraps a handler so it only runs for an authenticated user. Role
// decisions are left to the handler.
func WithAuth(handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if UserIDFromLocals(c) == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		return handler(c)
	}
}
