package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-support-chat/internal/middleware"
	"github.com/noah-isme/gema-support-chat/internal/models"
)

func actorFromContext(c *fiber.Ctx) models.User {
	return models.User{
		ID:   middleware.UserIDFromLocals(c),
		Name: middleware.UserNameFromLocals(c),
		Role: middleware.RoleFromLocals(c),
	}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

// sessionContext carries only the correlation id. Websocket sessions outlive
// the upgrade request, so nothing request scoped may parent their context.
func sessionContext(c *fiber.Ctx) context.Context {
	return middleware.ContextWithCorrelation(context.Background(), middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}
