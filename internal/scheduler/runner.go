package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/andyguoau/scamvax-api/internal/logging"
)

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (Report, error)
}

// Run sweeps immediately and then every interval until ctx is canceled. Sweeps never
// overlap: a tick that arrives while one is running is dropped.
func Run(ctx context.Context, sweeper Sweeper, interval time.Duration) {
	logger := logging.FromContext(ctx)
	logger.Info("reconciliation scheduler started", slog.Duration("interval", interval))

	sweep := func() {
		if _, err := sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconciliation sweep failed", slog.Any("error", err))
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
