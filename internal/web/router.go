package web

import (
	"time"

	"whereabouts/internal/config"
	"whereabouts/internal/middleware"
	"whereabouts/internal/telemetry"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewApp builds the fiber app serving the JSON API and the event streams.
func NewApp(cfg *config.Config, h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      cfg.Telemetry.ServiceName,
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorHandler: h.ErrorHandler,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		// No WriteTimeout: event streams stay open until the client leaves.
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.Server.Environment != config.EnvironmentProduction}))
	app.Use(telemetry.FiberMiddleware(cfg.Telemetry.ServiceName, "/api/health"))
	app.Use(middleware.Logger(h.Logger))
	app.Use(middleware.SecurityHeaders())

	Register(app, h, cfg.Security.RequestsPerMinute)
	return app
}

// Register mounts the API routes. Group creation and joins are limited to
// perMinute requests per client IP.
func Register(app *fiber.App, h *Handler, perMinute int) {
	api := app.Group("/api")
	api.Get("/health", h.Health)

	limited := middleware.RateLimit(perMinute, time.Minute)

	groups := api.Group("/groups")
	groups.Post("/", limited, h.CreateGroup)
	groups.Post("/join", limited, h.JoinGroup)
	groups.Post("/leave", h.RequireIdentity, h.LeaveGroup)
	groups.Get("/:code", h.RequireIdentity, h.Snapshot)
	groups.Get("/:code/map", h.RequireIdentity, h.Map)
	groups.Get("/:code/events", h.RequireIdentity, h.Events)

	sharing := api.Group("/sharing", h.RequireIdentity)
	sharing.Get("/", h.SharingStatus)
	sharing.Post("/start", h.StartSharing)
	sharing.Post("/stop", h.StopSharing)

	api.Post("/location", h.RequireIdentity, h.PushLocation)
	api.Post("/location/error", h.RequireIdentity, h.PushLocationError)
}
