package web

import (
	"context"
	"log/slog"
	"time"

	"whereabouts/internal/changefeed"
	"whereabouts/internal/database"
	"whereabouts/internal/feed"
	"whereabouts/internal/location"
	"whereabouts/internal/membership"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/session"
	"whereabouts/internal/validator"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Store is the read side the handlers need beyond what the managers own.
type Store interface {
	feed.Store
	GetMemberByID(ctx context.Context, id uuid.UUID) (database.Member, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	Logger    *slog.Logger
	Store     Store
	Members   *membership.Manager
	Sessions  *session.Store
	Sharing   *location.Registry
	Hub       *feed.Hub
	Broker    changefeed.Broker
	Telemetry monitoring.Telemetry
	Validator *validator.Validator

	// Heartbeat is the interval of keep-alive comments on event streams.
	Heartbeat time.Duration

	// ctx bounds every event stream; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandler wires the handlers. Close must be called on shutdown to end open
// event streams.
func NewHandler(logger *slog.Logger, store Store, members *membership.Manager, sessions *session.Store, sharing *location.Registry, hub *feed.Hub, broker changefeed.Broker, telemetry monitoring.Telemetry) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		Logger:    logger,
		Store:     store,
		Members:   members,
		Sessions:  sessions,
		Sharing:   sharing,
		Hub:       hub,
		Broker:    broker,
		Telemetry: telemetry,
		Validator: validator.New(),
		Heartbeat: 15 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close ends every open event stream.
func (h *Handler) Close() {
	h.cancel()
}

func (h *Handler) Health(c *fiber.Ctx) error {
	if err := h.Store.Ping(c.UserContext()); err != nil {
		h.Logger.ErrorContext(c.UserContext(), "Database connection failed", "error", err)
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "UNAVAILABLE", "Database unavailable")
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
