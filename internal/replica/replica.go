// Package replica is the client's local copy of the owner's dataset and the
// durable queue of mutations that have not yet been acknowledged by the
// server. Both live in one bbolt file so a local write and its queue entry
// commit atomically.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// Common replica errors
var (
	// ErrNotFound indicates that no record or queue entry exists for the id
	ErrNotFound = errors.New("not found")

	// ErrInvalidMutation indicates a mutation that cannot be queued
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrClosed indicates that the replica is closed
	ErrClosed = errors.New("replica is closed")
)

// Op is the kind of local write.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// State is the lifecycle state of a queue entry.
type State string

const (
	StatePending State = "pending"
	StateFailed  State = "failed"
	// StateDiscarded is reported by Enqueue when a delete cancelled a create
	// the server never saw; nothing remains queued.
	StateDiscarded State = "discarded"
)

// DefaultMaxAttempts is the attempt ceiling before a transiently failing
// entry moves to failed.
const DefaultMaxAttempts = 8

// Backoff bounds for transient failures.
const (
	BackoffBase = 2 * time.Second
	BackoffCap  = 5 * time.Minute
)

// Mutation is a local write submitted by the application.
type Mutation struct {
	Op       Op
	EntityID string
	Kind     string
	Payload  json.RawMessage
}

// QueueEntry is a mutation waiting for server acknowledgment.
type QueueEntry struct {
	ID            string          `json:"id"`
	Op            Op              `json:"op"`
	EntityID      string          `json:"entity_id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	State         State           `json:"state"`
	FailureClass  string          `json:"failure_class,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Revision      int64           `json:"revision"`
	// Dispatched is set right before the entry is first sent, after which
	// the server may have seen it.
	Dispatched bool `json:"dispatched,omitempty"`
	// Rejected is set when the server refused the entry outright.
	Rejected bool `json:"rejected,omitempty"`
}

// IdempotencyKey is sent with the request delivering this revision.
func (e QueueEntry) IdempotencyKey() string {
	return e.EntityID + "." + strconv.FormatInt(e.Revision, 10)
}

// Failure describes why delivering a queue entry failed.
type Failure struct {
	Class    string
	Message  string
	Terminal bool
	// Throttled failures (rate limiting) are rescheduled after RetryAfter
	// without counting an attempt.
	Throttled  bool
	RetryAfter time.Duration
}

// Record is the local copy of one entity.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	// Cursor is the change log cursor that last wrote this record, zero for
	// local writes not yet seen in the feed.
	Cursor int64 `json:"cursor"`
}

// IsDeleted reports whether the record is a tombstone.
func (r Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Reader is the read side used by the application.
type Reader interface {
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, kind string) ([]Record, error)
	PendingCount(ctx context.Context) (int, error)
	Cursor(ctx context.Context) (cursor int64, ok bool, err error)
}

// Store is the full replica contract used by the sync orchestrator.
type Store interface {
	Reader

	Enqueue(ctx context.Context, m Mutation) (QueueEntry, error)
	Drain(ctx context.Context, now time.Time) ([]QueueEntry, error)
	MarkDispatched(ctx context.Context, entryID string) error
	Acknowledge(ctx context.Context, entryID string, revision int64) error
	RecordFailure(ctx context.Context, entryID string, revision int64, f Failure) (QueueEntry, error)
	Failed(ctx context.Context) ([]QueueEntry, error)
	Retry(ctx context.Context, entryID string) error
	Dismiss(ctx context.Context, entryID string) error

	ApplyChanges(ctx context.Context, changes []driftsync.ChangeEntry, nextCursor int64) (int, error)
	ApplyEntity(ctx context.Context, e types.Entity) error
	Bootstrap(ctx context.Context, entities []types.Entity, cursor int64) error
	ClearCursor(ctx context.Context) error
	MarkSynced(ctx context.Context, at time.Time) error
	LastSynced(ctx context.Context) (time.Time, error)

	Close() error
}
