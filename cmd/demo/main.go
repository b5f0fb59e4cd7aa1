package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whereabouts/internal/changefeed"
	"whereabouts/internal/config"
	"whereabouts/internal/database"
	"whereabouts/internal/database/migrations"
	"whereabouts/internal/feed"
	"whereabouts/internal/location"
	"whereabouts/internal/logger"
	"whereabouts/internal/membership"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/view"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// demo seeds a group of simulated members that share their location while a
// feed watches the group, until the duration ends or the process is stopped.
func main() {
	var (
		members  = flag.Int("members", 3, "Number of simulated members")
		duration = flag.Duration("duration", time.Minute, "How long the members keep sharing")
		interval = flag.Duration("interval", 2*time.Second, "Time between simulated readings")
		lat      = flag.Float64("lat", view.DefaultLatitude, "Starting latitude")
		lon      = flag.Float64("lon", view.DefaultLongitude, "Starting longitude")
	)
	flag.Parse()

	if err := run(*members, *duration, *interval, *lat, *lon); err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
}

func run(count int, duration, interval time.Duration, lat, lon float64) error {
	if count < 1 {
		return fmt.Errorf("members must be at least 1, got %d", count)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	cfg := config.NewConfig()

	tel, err := monitoring.NewOpenTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	log := logger.New(cfg).With("operation", "demo")

	tracer := otel.Tracer("whereabouts.demo")
	ctx, span := tracer.Start(ctx, "demo.run")
	defer span.End()
	span.SetAttributes(attribute.Int("demo.members", count))

	if err := migrations.Up(cfg.Database.DSN()); err != nil {
		return err
	}
	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.Database.DSN()); err != nil {
		return err
	}
	defer db.Close()

	broker := changefeed.NewMemoryBroker(cfg.Feed.Buffer)
	relay := changefeed.NewRelay(log, &db, database.ChangeChannel, broker, nil)
	go func() {
		if err := relay.Run(ctx); err != nil {
			log.ErrorContext(ctx, "Relay stopped", "error", err)
		}
	}()

	manager := membership.NewManager(log, &db, tel, nil)
	ids, code, err := seed(ctx, &manager, count)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "Demo group ready", "group_code", code, "members", len(ids))

	publishers := make([]*location.Publisher, 0, len(ids))
	for i, id := range ids {
		geo := location.NewSimulatedGeolocator(lat, lon, interval, uint64(i+1))
		p := location.NewPublisher(log, &db, geo, tel, location.PublisherConfig{
			MemberID: id,
			Options:  location.OptionsFromConfig(cfg.Geo),
		})
		if err := p.Start(ctx); err != nil {
			return err
		}
		publishers = append(publishers, p)
	}

	f := feed.New(log, &db, broker, tel, code)
	err = f.Run(ctx, func(u feed.Update) {
		if u.Err != nil {
			log.WarnContext(ctx, "Feed refresh failed", "error", u.Err)
			return
		}
		page := view.Render(u.Snapshot, ids[0])
		log.InfoContext(ctx, "Group updated", "summary", page.Summary.Text, "located", page.Summary.Located)
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	for _, p := range publishers {
		p.Stop(stopCtx)
	}
	for _, id := range ids {
		if err := manager.LeaveGroup(stopCtx, id); err != nil {
			log.Warn("Failed to remove demo member", "member_id", id, "error", err)
		}
	}

	log.Info("Demo completed", "group_code", code)
	return err
}

// seed creates a group and joins count-1 more members to it.
func seed(ctx context.Context, manager *membership.Manager, count int) ([]uuid.UUID, string, error) {
	first, err := manager.CreateGroup(ctx, "Demo 1")
	if err != nil {
		return nil, "", err
	}
	ids := []uuid.UUID{first.MemberID}
	for i := 2; i <= count; i++ {
		identity, err := manager.JoinGroup(ctx, membership.JoinGroupParams{
			Name:      fmt.Sprintf("Demo %d", i),
			GroupCode: first.GroupCode,
			ClientKey: "demo",
		})
		if err != nil {
			return nil, "", err
		}
		ids = append(ids, identity.MemberID)
	}
	return ids, first.GroupCode, nil
}
