package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/recycle-exchange-api/internal/config"
	"github.com/noah-isme/recycle-exchange-api/internal/handler"
	"github.com/noah-isme/recycle-exchange-api/internal/middleware"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	ScheduleHandler     *handler.ScheduleHandler
	NotificationHandler *handler.NotificationHandler
	HealthChecks        map[string]handler.Pinger
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	authenticated := []fiber.Handler{jwtMiddleware, middleware.RequireUser()}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(api.Group("/chats", authenticated...))
	}

	if deps.ScheduleHandler != nil {
		deps.ScheduleHandler.Register(api.Group("/schedules", authenticated...))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications", authenticated...))
	}
}
