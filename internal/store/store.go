package store

import (
	"context"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// Store defines the interface contract for the server-side entity store.
// Every method is scoped to a single owner except the maintenance methods
// used by background workers.
type Store interface {
	AcceptWrite(ctx context.Context, ownerID string, w types.WriteRequest) (*types.WriteResult, error)
	UpdateEntity(ctx context.Context, ownerID string, w types.WriteRequest) (*types.WriteResult, error)
	DeleteEntity(ctx context.Context, ownerID, id string) error
	GetEntity(ctx context.Context, ownerID, id string) (*types.Entity, error)
	Snapshot(ctx context.Context, ownerID string) (*types.SnapshotResponse, error)

	PullChanges(ctx context.Context, ownerID string, since int64, limit int) (*driftsync.ChangeFeed, error)
	LatestCursor(ctx context.Context, ownerID string) (int64, error)
	GetSyncStats(ctx context.Context, ownerID string) (*SyncStats, error)

	GetIdempotency(ctx context.Context, key IdempotencyKey) (*IdempotencyRecord, error)
	RecordIdempotency(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)

	ExpiredChanges(ctx context.Context, before time.Time, limit int) ([]driftsync.ChangeEntry, error)
	PruneChanges(ctx context.Context, entries []driftsync.ChangeEntry) (int64, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// SyncStats summarizes an owner's data for GET /sync.
type SyncStats struct {
	Kinds         map[string]driftsync.KindStats
	LatestCursor  int64
	PrunedThrough int64
	LastChangeAt  *time.Time
}

// Stats holds aggregate store statistics for health reporting.
type Stats struct {
	EntityCount  int64
	LatestCursor int64
	LastPruneAt  *time.Time
}

// IdempotencyKey identifies a replayable mutating request.
type IdempotencyKey struct {
	Key     string
	Route   string
	OwnerID string
}

// IdempotencyRecord is a cached 2xx response.
type IdempotencyRecord struct {
	IdempotencyKey
	StatusCode int
	Body       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
