package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

// RoleFromLocals returns the role stored by JWTProtected. Missing or unknown
// values resolve to the student role.
func RoleFromLocals(c *fiber.Ctx) models.Role {
	switch v := c.Locals(LocalUserRole).(type) {
	case models.Role:
		return models.ParseRole(string(v))
	case string:
		return models.ParseRole(v)
	case fmt.Stringer:
		return models.ParseRole(v.String())
	default:
		return models.RoleStudent
	}
}

// UserIDFromLocals returns the subject stored by JWTProtected.
func UserIDFromLocals(c *fiber.Ctx) string {
	if value, ok := c.Locals(LocalUserID).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// UserNameFromLocals returns the display name stored by JWTProtected, if any.
func UserNameFromLocals(c *fiber.Ctx) string {
	if value, ok := c.Locals(LocalUserName).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
