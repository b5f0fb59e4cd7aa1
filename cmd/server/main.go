package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whereabouts/internal/changefeed"
	"whereabouts/internal/config"
	"whereabouts/internal/daemon"
	"whereabouts/internal/database"
	"whereabouts/internal/database/migrations"
	"whereabouts/internal/feed"
	"whereabouts/internal/location"
	"whereabouts/internal/logger"
	"whereabouts/internal/membership"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/ratelimit"
	"whereabouts/internal/session"
	"whereabouts/internal/web"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.NewConfig()

	telemetry, err := monitoring.NewOpenTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	log := logger.New(cfg)

	if cfg.Database.MigrateOnStart {
		log.Info("Applying database migrations")
		if err := migrations.Up(cfg.Database.DSN()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Set up Postgres connection
	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.Database.DSN()); err != nil {
		log.Error("Failed to initialize database", "error", err)
		return err
	}
	defer db.Close()

	var (
		broker  changefeed.Broker
		lock    changefeed.Locker
		limiter membership.JoinLimiter
		client  *redis.Client
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client = redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}

		lock = changefeed.NewRedisLock(client, "whereabouts:relay", cfg.Feed.RelayLockTTL)
		limiter = ratelimit.NewRateLimiter(client, cfg.Security.JoinAttemptsPerWindow, cfg.Security.JoinAttemptWindow)
	}

	switch cfg.Feed.Broker {
	case config.BrokerRedis:
		if client == nil {
			return errors.New("FEED_BROKER=redis requires REDIS_URL")
		}
		broker = changefeed.NewRedisBroker(log, client, cfg.Feed.Buffer)
	case config.BrokerNATS:
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn("NATS disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info("NATS reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer conn.Close()
		broker = changefeed.NewNATSBroker(log, conn, cfg.Feed.Buffer)
	case config.BrokerMemory:
		broker = changefeed.NewMemoryBroker(cfg.Feed.Buffer)
	default:
		return fmt.Errorf("unknown FEED_BROKER %q", cfg.Feed.Broker)
	}

	sessions := session.New(session.Config{
		CookieSecure: cfg.Server.Environment == config.EnvironmentProduction,
		Storage:      session.NewPostgresStorage(db.Pool),
	})

	members := membership.NewManager(log, &db, telemetry, limiter)
	hub := feed.NewHub()
	sharing := location.NewRegistry(log, &db, telemetry, location.OptionsFromConfig(cfg.Geo), cfg.Presence.Heartbeat(), hub.ApplyLocal)

	handler := web.NewHandler(log, &db, &members, sessions, sharing, hub, broker, telemetry)
	app := web.NewApp(cfg, handler)

	manager := daemon.NewDaemonManager(log)
	manager.Add("changefeed-relay", daemon.RunnerTask(changefeed.NewRelay(log, &db, database.ChangeChannel, broker, lock), log))
	manager.Add("presence-sweep", daemon.PresenceSweepTask(&db, telemetry, log, cfg.Presence.TTL, cfg.Presence.SweepInterval))

	log.Info("Starting supervised daemons...")
	manager.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server...", "addr", cfg.Server.Addr())
		serveErr <- app.Listen(cfg.Server.Addr())
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams end first so their connections can drain.
	handler.Close()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	log.Info("Stopping location sharing", "members", sharing.Len())
	sharing.Close(shutdownCtx)

	manager.Wait()
	log.Info("All daemons stopped")
	return nil
}
