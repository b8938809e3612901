package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-support-chat/internal/config"
	"github.com/noah-isme/gema-support-chat/internal/handler"
	"github.com/noah-isme/gema-support-chat/internal/middleware"
	"github.com/noah-isme/gema-support-chat/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SupportHandler *handler.SupportHandler
	HealthProbes   []handler.HealthProbe
	JWTMiddleware  fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.SupportHandler != nil {
		support := app.Group(middleware.SupportPrefix, jwtMiddleware)
		deps.SupportHandler.Register(support,
			middleware.RateLimit("support-moderation", cfg.Chat.RateLimitMax, cfg.Chat.RateLimitWindow),
		)
	}
}
