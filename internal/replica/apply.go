package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// ApplyChanges applies one page of the change feed in cursor order and then
// advances the persisted cursor to nextCursor, all in one transaction.
//
// A change whose cursor is not newer than the record's stored cursor is
// ignored, so replaying a page is harmless. Upserts for entities with a
// queued local mutation only update the entity's shadow; deletes always
// apply.
// Returns the number of changes that modified the replica.
func (s *Storage) ApplyChanges(ctx context.Context, changes []driftsync.ChangeEntry, nextCursor int64) (int, error) {
	ordered := slices.Clone(changes)
	slices.SortFunc(ordered, func(a, b driftsync.ChangeEntry) int {
		switch {
		case a.Cursor < b.Cursor:
			return -1
		case a.Cursor > b.Cursor:
			return 1
		}
		return 0
	})

	var applied int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, c := range ordered {
			ok, err := applyChange(tx, c)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}

		current, _, err := readCursor(tx)
		if err != nil {
			return err
		}
		if nextCursor > current {
			return writeCursor(tx, nextCursor)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func applyChange(tx *bbolt.Tx, c driftsync.ChangeEntry) (bool, error) {
	rec, err := getRecord(tx, c.EntityID)
	if err != nil {
		return false, err
	}
	if rec != nil && c.Cursor <= rec.Cursor {
		return false, nil
	}

	if isQueued(tx, c.EntityID) {
		if err := shadowChange(tx, c); err != nil {
			return false, err
		}
		if c.Operation != driftsync.OperationDelete {
			return false, nil
		}
	}

	rec, err = mergeChange(rec, c)
	if err != nil {
		return false, err
	}
	return true, putRecord(tx, rec)
}

// mergeChange returns rec with change c applied. rec is not modified.
func mergeChange(rec *Record, c driftsync.ChangeEntry) (*Record, error) {
	var next Record
	if rec != nil {
		next = *rec
	}

	switch c.Operation {
	case driftsync.OperationCreate, driftsync.OperationUpdate:
		if rec == nil {
			next = Record{ID: c.EntityID, CreatedAt: c.RecordedAt}
		}
		next.Kind = c.Kind
		next.Payload = c.Payload
		next.UpdatedAt = c.RecordedAt
		next.DeletedAt = nil
	case driftsync.OperationDelete:
		if rec == nil {
			next = Record{ID: c.EntityID, Kind: c.Kind, CreatedAt: c.RecordedAt}
		}
		deletedAt := c.RecordedAt
		if c.DeletedAt != nil {
			deletedAt = *c.DeletedAt
		}
		next.Payload = nil
		next.UpdatedAt = c.RecordedAt
		next.DeletedAt = &deletedAt
	default:
		return nil, fmt.Errorf("change %d: unknown operation %q", c.Cursor, c.Operation)
	}

	next.Cursor = c.Cursor
	return &next, nil
}

// ApplyEntity stores the server's view of an entity returned by a write.
// While a local mutation for the entity is still queued only the shadow is
// updated.
func (s *Storage) ApplyEntity(ctx context.Context, e types.Entity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if isQueued(tx, e.ID) {
			shadow, _, err := getShadow(tx, e.ID)
			if err != nil {
				return err
			}
			var cursor int64
			if shadow != nil {
				cursor = shadow.Cursor
			}
			return putShadow(tx, e.ID, recordFromEntity(e, cursor))
		}
		rec, err := getRecord(tx, e.ID)
		if err != nil {
			return err
		}
		var cursor int64
		if rec != nil {
			cursor = rec.Cursor
		}
		return putRecord(tx, recordFromEntity(e, cursor))
	})
}

// Bootstrap replaces the replica with a server snapshot taken at cursor and
// adopts that cursor. Records with queued local mutations are kept as they
// are; the snapshot becomes their shadow.
func (s *Storage) Bootstrap(ctx context.Context, entities []types.Entity, cursor int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := resetShadows(tx); err != nil {
			return err
		}

		b := tx.Bucket(bucketEntities)

		var stale [][]byte
		err := b.ForEach(func(k, _ []byte) error {
			if !isQueued(tx, string(k)) {
				stale = append(stale, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete record %s: %w", k, err)
			}
		}

		for _, e := range entities {
			if isQueued(tx, e.ID) {
				if err := putShadow(tx, e.ID, recordFromEntity(e, cursor)); err != nil {
					return err
				}
				continue
			}
			if err := putRecord(tx, recordFromEntity(e, cursor)); err != nil {
				return err
			}
		}
		return writeCursor(tx, cursor)
	})
}

func recordFromEntity(e types.Entity, cursor int64) *Record {
	rec := &Record{
		ID:        e.ID,
		Kind:      e.Kind,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		DeletedAt: e.DeletedAt,
		Cursor:    cursor,
	}
	if rec.IsDeleted() {
		rec.Payload = nil
	}
	return rec
}

// A shadow holds the server state of an entity while a local mutation for it
// is queued, so Dismiss can restore it. A null shadow means the server has
// no such entity.

func getShadow(tx *bbolt.Tx, entityID string) (rec *Record, found bool, err error) {
	v := tx.Bucket(bucketShadows).Get([]byte(entityID))
	if v == nil {
		return nil, false, nil
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal shadow %s: %w", entityID, err)
	}
	return rec, true, nil
}

func putShadow(tx *bbolt.Tx, entityID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal shadow %s: %w", entityID, err)
	}
	return tx.Bucket(bucketShadows).Put([]byte(entityID), data)
}

// shadowChange applies a pulled change to the shadow of a queued entity.
func shadowChange(tx *bbolt.Tx, c driftsync.ChangeEntry) error {
	shadow, _, err := getShadow(tx, c.EntityID)
	if err != nil {
		return err
	}
	if shadow != nil && c.Cursor <= shadow.Cursor {
		return nil
	}
	next, err := mergeChange(shadow, c)
	if err != nil {
		return err
	}
	return putShadow(tx, c.EntityID, next)
}

// resetShadows marks every queued entity as absent on the server ahead of a
// snapshot, and drops shadows of entities that are no longer queued.
func resetShadows(tx *bbolt.Tx) error {
	b := tx.Bucket(bucketShadows)
	var stale [][]byte
	err := b.ForEach(func(k, _ []byte) error {
		stale = append(stale, slices.Clone(k))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("delete shadow %s: %w", k, err)
		}
	}

	var queued [][]byte
	err = tx.Bucket(bucketQueueIdx).ForEach(func(k, _ []byte) error {
		queued = append(queued, slices.Clone(k))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range queued {
		if err := b.Put(k, []byte("null")); err != nil {
			return fmt.Errorf("save shadow %s: %w", k, err)
		}
	}
	return nil
}
