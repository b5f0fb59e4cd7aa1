package daemon

import (
	"context"
	"log/slog"
	"time"

	"whereabouts/internal/database"
	"whereabouts/internal/monitoring"
)

type PresenceStore interface {
	MarkStaleMembersOffline(ctx context.Context, cutoff time.Time) ([]database.Member, error)
}

// PresenceSweepTask marks members offline once their last heartbeat is older
// than ttl. Location samples are left alone.
func PresenceSweepTask(store PresenceStore, telemetry monitoring.Telemetry, logger *slog.Logger, ttl, interval time.Duration) DaemonFunc {
	return func(ctx context.Context, name string) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("Presence sweep task started", "task", name, "ttl", ttl, "interval", interval)

		for {
			select {
			case <-ctx.Done():
				logger.Info("Presence sweep task shutting down", "task", name)
				return nil
			case t := <-ticker.C:
				SweepPresence(ctx, store, telemetry, logger, t.Add(-ttl))
			}
		}
	}
}

// SweepPresence runs one sweep with the given cutoff and returns how many
// members went offline. Failures are logged; the next tick retries.
func SweepPresence(ctx context.Context, store PresenceStore, telemetry monitoring.Telemetry, logger *slog.Logger, cutoff time.Time) int {
	swept, err := store.MarkStaleMembersOffline(ctx, cutoff)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to sweep stale members", "error", err)
		return 0
	}
	if len(swept) == 0 {
		return 0
	}

	telemetry.RecordMembersSwept(ctx, len(swept))
	for _, m := range swept {
		logger.InfoContext(ctx, "Member marked offline after missed heartbeats", "member_id", m.ID, "group_code", m.GroupCode)
	}
	return len(swept)
}
