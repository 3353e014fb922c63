package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/driftline/internal/archive"
	driftsync "github.com/hyperengineering/driftline/internal/sync"
)

// RetentionStore defines the change log operations needed for retention.
// Implemented by store.SQLiteStore.
type RetentionStore interface {
	// ExpiredChanges returns up to limit entries recorded before the cutoff,
	// never including the latest entry of an owner.
	ExpiredChanges(ctx context.Context, before time.Time, limit int) ([]driftsync.ChangeEntry, error)

	// PruneChanges deletes exactly the given entries.
	PruneChanges(ctx context.Context, entries []driftsync.ChangeEntry) (int64, error)
}

// RetentionCoordinator archives and prunes change log entries older than the
// retention window. Entries are archived before they are deleted; an archive
// failure leaves the batch in place for the next cycle.
type RetentionCoordinator struct {
	store     RetentionStore
	archiver  archive.Archiver
	interval  time.Duration
	retention time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionCoordinator creates a retention coordinator.
func NewRetentionCoordinator(
	store RetentionStore,
	archiver archive.Archiver,
	interval time.Duration,
	retention time.Duration,
	batchSize int,
) *RetentionCoordinator {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if archiver == nil {
		archiver = archive.NoopArchiver{}
	}
	return &RetentionCoordinator{
		store:     store,
		archiver:  archiver,
		interval:  interval,
		retention: retention,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first cycle runs after one interval so startup stays cheap.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("retention coordinator started",
		"component", "worker",
		"worker", "retention-coordinator",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention coordinator stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("retention cycle failed",
					"component", "worker",
					"worker", "retention-coordinator",
					"error", err,
				)
			}
		}
	}
}

// RunOnce archives and prunes expired entries in batches until none remain.
// Returns the number of entries pruned.
func (c *RetentionCoordinator) RunOnce(ctx context.Context) (int64, error) {
	start := c.now()
	cutoff := start.Add(-c.retention)

	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		entries, err := c.store.ExpiredChanges(ctx, cutoff, c.batchSize)
		if err != nil {
			return total, fmt.Errorf("list expired changes: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		if err := c.archiver.Archive(ctx, entries); err != nil {
			return total, fmt.Errorf("archive changes: %w", err)
		}

		pruned, err := c.store.PruneChanges(ctx, entries)
		if err != nil {
			return total, fmt.Errorf("prune changes: %w", err)
		}
		total += pruned

		if len(entries) < c.batchSize || pruned == 0 {
			break
		}
	}

	if total == 0 {
		slog.Debug("no changes to prune",
			"component", "worker",
			"worker", "retention-coordinator",
		)
		return 0, nil
	}

	slog.Info("retention cycle completed",
		"component", "worker",
		"worker", "retention-coordinator",
		"entries_pruned", total,
		"cutoff", cutoff.Format(time.RFC3339),
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)
	return total, nil
}
