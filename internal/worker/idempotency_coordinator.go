package worker

import (
	"context"
	"log/slog"
	"time"
)

// IdempotencyCleaner removes expired Idempotency-Key records.
// Implemented by store.SQLiteStore.
type IdempotencyCleaner interface {
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
}

// IdempotencyCleanupCoordinator periodically deletes expired idempotency
// records. Expired records are already ignored on lookup, so a missed cycle
// only costs disk space.
type IdempotencyCleanupCoordinator struct {
	cleaner  IdempotencyCleaner
	interval time.Duration
}

// NewIdempotencyCleanupCoordinator creates a cleanup coordinator.
func NewIdempotencyCleanupCoordinator(cleaner IdempotencyCleaner, interval time.Duration) *IdempotencyCleanupCoordinator {
	return &IdempotencyCleanupCoordinator{
		cleaner:  cleaner,
		interval: interval,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *IdempotencyCleanupCoordinator) Run(ctx context.Context) {
	slog.Info("idempotency cleanup coordinator started",
		"component", "worker",
		"worker", "idempotency-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("idempotency cleanup coordinator stopped",
				"component", "worker",
				"worker", "idempotency-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *IdempotencyCleanupCoordinator) cleanup(ctx context.Context) {
	removed, err := c.cleaner.CleanExpiredIdempotency(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("idempotency cleanup failed",
			"component", "worker",
			"worker", "idempotency-coordinator",
			"error", err,
		)
		return
	}
	if removed > 0 {
		slog.Info("idempotency cleanup completed",
			"component", "worker",
			"worker", "idempotency-coordinator",
			"records_removed", removed,
		)
	}
}
