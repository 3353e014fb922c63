package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"go.etcd.io/bbolt"
)

// Enqueue writes m to the local replica and queues it for delivery in one
// transaction, coalescing with any entry already queued for the entity.
// It never touches the network.
func (s *Storage) Enqueue(ctx context.Context, m Mutation) (QueueEntry, error) {
	if err := validateMutation(m); err != nil {
		return QueueEntry{}, err
	}

	var result QueueEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now().UTC()

		rec, err := getRecord(tx, m.EntityID)
		if err != nil {
			return err
		}
		kind := m.Kind
		if rec != nil {
			if kind != "" && kind != rec.Kind {
				return fmt.Errorf("%w: entity %s is a %s, not a %s", ErrInvalidMutation, m.EntityID, rec.Kind, kind)
			}
			kind = rec.Kind
		}
		if kind == "" {
			if m.Op == OpCreate {
				return fmt.Errorf("%w: kind is required", ErrInvalidMutation)
			}
			return fmt.Errorf("%w: entity %s", ErrNotFound, m.EntityID)
		}
		m.Kind = kind

		existing, err := queuedFor(tx, m.EntityID)
		if err != nil {
			return err
		}

		if existing == nil {
			result = QueueEntry{
				ID:            ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
				Op:            m.Op,
				EntityID:      m.EntityID,
				Kind:          kind,
				EnqueuedAt:    now,
				State:         StatePending,
				NextAttemptAt: now,
				Revision:      1,
			}
			if m.Op != OpDelete {
				result.Payload = m.Payload
			}
			if err := putEntry(tx, &result); err != nil {
				return err
			}
			if err := putShadow(tx, m.EntityID, rec); err != nil {
				return err
			}
			return writeLocal(tx, rec, m, now)
		}

		entry, outcome := coalesce(*existing, m, now)
		result = entry
		switch outcome {
		case coalesceDrop:
			return nil
		case coalesceDiscard:
			if err := deleteEntry(tx, &entry); err != nil {
				return err
			}
			result.State = StateDiscarded
			return tx.Bucket(bucketEntities).Delete([]byte(m.EntityID))
		default:
			if err := putEntry(tx, &result); err != nil {
				return err
			}
			return writeLocal(tx, rec, m, now)
		}
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return result, nil
}

type coalesceOutcome int

const (
	coalesceStore   coalesceOutcome = iota // entry rewritten
	coalesceDrop                           // incoming mutation ignored
	coalesceDiscard                        // entry removed, nothing to send
)

// coalesce folds an incoming mutation into the entry already queued for the
// same entity.
func coalesce(e QueueEntry, m Mutation, now time.Time) (QueueEntry, coalesceOutcome) {
	if e.Op == OpDelete {
		return e, coalesceDrop
	}

	if m.Op == OpDelete {
		if e.Op == OpCreate && (!e.Dispatched || e.Rejected) {
			return e, coalesceDiscard
		}
		e.Op = OpDelete
		e.Payload = nil
	} else {
		e.Payload = m.Payload
	}

	if e.State == StateFailed {
		e.State = StatePending
		e.Attempts = 0
		e.LastError = ""
		e.FailureClass = ""
		e.Rejected = false
	}
	e.NextAttemptAt = now
	e.Revision++
	return e, coalesceStore
}

// writeLocal applies the optimistic local effect of m to the replica.
func writeLocal(tx *bbolt.Tx, rec *Record, m Mutation, now time.Time) error {
	if rec == nil {
		rec = &Record{ID: m.EntityID, Kind: m.Kind, CreatedAt: now}
	}
	rec.UpdatedAt = now
	if m.Op == OpDelete {
		rec.Payload = nil
		rec.DeletedAt = &now
	} else {
		rec.Payload = m.Payload
		rec.DeletedAt = nil
	}
	return putRecord(tx, rec)
}

func validateMutation(m Mutation) error {
	if m.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidMutation)
	}
	switch m.Op {
	case OpCreate, OpUpdate:
		if len(m.Payload) == 0 || !json.Valid(m.Payload) {
			return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidMutation)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	return nil
}

// Drain returns pending entries due at now in arrival order.
func (s *Storage) Drain(ctx context.Context, now time.Time) ([]QueueEntry, error) {
	due := []QueueEntry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachEntry(tx, func(e *QueueEntry) error {
			if e.State == StatePending && !e.NextAttemptAt.After(now) {
				due = append(due, *e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// MarkDispatched flags the entry as handed to the network. It must be called
// right before the send; ErrNotFound means the entry was discarded or
// dismissed since it was drained and must not be sent.
func (s *Storage) MarkDispatched(ctx context.Context, entryID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		if e.Dispatched {
			return nil
		}
		e.Dispatched = true
		return putEntry(tx, e)
	})
}

// Acknowledge removes the entry once the server has accepted revision. When a
// newer revision was queued in the meantime the entry stays; a create becomes
// an update because the server now knows the entity.
func (s *Storage) Acknowledge(ctx context.Context, entryID string, revision int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		if e.Revision == revision {
			return deleteEntry(tx, e)
		}

		if e.Op == OpCreate {
			e.Op = OpUpdate
		}
		e.NextAttemptAt = s.now().UTC()
		return putEntry(tx, e)
	})
}

// RecordFailure records a failed delivery of revision and schedules the next
// attempt, or moves the entry to failed when the failure is terminal or the
// attempt ceiling is reached.
func (s *Storage) RecordFailure(ctx context.Context, entryID string, revision int64, f Failure) (QueueEntry, error) {
	var result QueueEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		e.LastError = f.Message
		e.FailureClass = f.Class

		switch {
		case f.Throttled:
			e.NextAttemptAt = now.Add(f.RetryAfter)
		case f.Terminal && e.Revision == revision:
			e.Attempts++
			e.State = StateFailed
			e.Rejected = true
		default:
			e.Attempts++
			if e.Attempts >= s.maxAttempts {
				e.State = StateFailed
			} else if f.Terminal {
				// a newer revision is queued and may fix the rejection
				e.NextAttemptAt = now
			} else {
				e.NextAttemptAt = now.Add(s.backoff(e.Attempts))
			}
		}

		result = *e
		return putEntry(tx, e)
	})
	if err != nil {
		return QueueEntry{}, err
	}

	if result.State == StateFailed {
		slog.Warn("queue entry failed",
			"component", "replica",
			"entry_id", result.ID,
			"entity_id", result.EntityID,
			"op", result.Op,
			"attempts", result.Attempts,
			"failure_class", result.FailureClass,
			"error", result.LastError,
		)
	}
	return result, nil
}

// backoff returns the delay before attempt n+1 after n failed attempts:
// exponential from backoffBase, 10% jitter, capped at backoffCap.
func (s *Storage) backoff(attempts int) time.Duration {
	b := retry.WithCappedDuration(s.backoffCap,
		retry.WithJitterPercent(10, retry.NewExponential(s.backoffBase)))

	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// Failed returns entries in the failed state in arrival order.
func (s *Storage) Failed(ctx context.Context) ([]QueueEntry, error) {
	failed := []QueueEntry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachEntry(tx, func(e *QueueEntry) error {
			if e.State == StateFailed {
				failed = append(failed, *e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// Retry moves a failed entry back to pending with its attempts reset.
func (s *Storage) Retry(ctx context.Context, entryID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		if e.State != StateFailed {
			return nil
		}
		e.State = StatePending
		e.Attempts = 0
		e.LastError = ""
		e.FailureClass = ""
		e.Rejected = false
		e.NextAttemptAt = s.now().UTC()
		return putEntry(tx, e)
	})
}

// Dismiss removes an entry the caller has given up on and reverts the local
// record to the last server state the replica saw for it. A record the server
// never had is removed.
func (s *Storage) Dismiss(ctx context.Context, entryID string) error {
	var dismissed *QueueEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		dismissed = e

		shadow, found, err := getShadow(tx, e.EntityID)
		if err != nil {
			return err
		}
		if err := deleteEntry(tx, e); err != nil {
			return err
		}
		switch {
		case shadow != nil:
			return putRecord(tx, shadow)
		case found || e.Op == OpCreate:
			return tx.Bucket(bucketEntities).Delete([]byte(e.EntityID))
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("queue entry dismissed",
		"component", "replica",
		"entry_id", dismissed.ID,
		"entity_id", dismissed.EntityID,
		"op", dismissed.Op,
		"state", dismissed.State,
	)
	return nil
}

// PendingCount returns the number of entries waiting for delivery.
func (s *Storage) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachEntry(tx, func(e *QueueEntry) error {
			if e.State == StatePending {
				n++
			}
			return nil
		})
	})
	return n, err
}

// Pending returns pending entries in arrival order regardless of schedule.
func (s *Storage) Pending(ctx context.Context) ([]QueueEntry, error) {
	pending := []QueueEntry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachEntry(tx, func(e *QueueEntry) error {
			if e.State == StatePending {
				pending = append(pending, *e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func forEachEntry(tx *bbolt.Tx, fn func(*QueueEntry) error) error {
	return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
		var e QueueEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal queue entry %s: %w", k, err)
		}
		return fn(&e)
	})
}

func getEntry(tx *bbolt.Tx, id string) (*QueueEntry, error) {
	v := tx.Bucket(bucketQueue).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("%w: queue entry %s", ErrNotFound, id)
	}
	var e QueueEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry %s: %w", id, err)
	}
	return &e, nil
}

func queuedFor(tx *bbolt.Tx, entityID string) (*QueueEntry, error) {
	id := tx.Bucket(bucketQueueIdx).Get([]byte(entityID))
	if id == nil {
		return nil, nil
	}
	return getEntry(tx, string(id))
}

func isQueued(tx *bbolt.Tx, entityID string) bool {
	return tx.Bucket(bucketQueueIdx).Get([]byte(entityID)) != nil
}

func putEntry(tx *bbolt.Tx, e *QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry %s: %w", e.ID, err)
	}
	if err := tx.Bucket(bucketQueue).Put([]byte(e.ID), data); err != nil {
		return fmt.Errorf("save queue entry %s: %w", e.ID, err)
	}
	return tx.Bucket(bucketQueueIdx).Put([]byte(e.EntityID), []byte(e.ID))
}

func deleteEntry(tx *bbolt.Tx, e *QueueEntry) error {
	if err := tx.Bucket(bucketQueue).Delete([]byte(e.ID)); err != nil {
		return fmt.Errorf("delete queue entry %s: %w", e.ID, err)
	}
	if err := tx.Bucket(bucketShadows).Delete([]byte(e.EntityID)); err != nil {
		return fmt.Errorf("delete shadow %s: %w", e.EntityID, err)
	}
	return tx.Bucket(bucketQueueIdx).Delete([]byte(e.EntityID))
}
