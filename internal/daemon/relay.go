package daemon

import (
	"context"
	"log/slog"
)

// Runner is a long-running component such as the change relay.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerTask adapts r to a DaemonFunc; an error from Run gets it restarted.
func RunnerTask(r Runner, logger *slog.Logger) DaemonFunc {
	return func(ctx context.Context, name string) error {
		logger.Info("Task started", "task", name)
		if err := r.Run(ctx); err != nil {
			return err
		}
		logger.Info("Task shutting down", "task", name)
		return nil
	}
}
