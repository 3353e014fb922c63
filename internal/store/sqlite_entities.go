package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// AcceptWrite creates an entity, or folds a resubmission of an existing id
// into it, in a single transaction.
//
// A new id is inserted and logged as a create. An id that already exists is
// handled by the update path: a different owner yields ErrOwnershipConflict,
// a different kind yields ErrKindMismatch, a tombstoned entity is returned as
// is, an identical payload is returned without a log entry, and a changed
// payload overwrites the stored one (last write wins) and is logged as an
// update. Every path other than the insert reports OutcomeDeduplicated.
func (s *SQLiteStore) AcceptWrite(ctx context.Context, ownerID string, w types.WriteRequest) (*types.WriteResult, error) {
	payload, err := canonicalPayload(w.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, owner_id, kind, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, w.ID, ownerID, w.Kind, payload, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}

	if inserted == 1 {
		if _, err := appendChangeTx(ctx, tx, &driftsync.ChangeEntry{
			Kind:       w.Kind,
			Operation:  driftsync.OperationCreate,
			EntityID:   w.ID,
			OwnerID:    ownerID,
			Payload:    []byte(payload),
			RecordedAt: now,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return &types.WriteResult{
			Outcome: types.OutcomeCreated,
			Entity: types.Entity{
				ID:        w.ID,
				OwnerID:   ownerID,
				Kind:      w.Kind,
				Payload:   []byte(payload),
				CreatedAt: now,
				UpdatedAt: now,
			},
		}, nil
	}

	existing, err := getEntityTx(ctx, tx, w.ID)
	if err != nil {
		return nil, err
	}
	if existing.OwnerID != ownerID {
		slog.Warn("store: ownership conflict", "component", "store", "entity_id", w.ID, "owner_id", ownerID)
		return nil, fmt.Errorf("entity %s: %w", w.ID, ErrOwnershipConflict)
	}
	if existing.Kind != w.Kind {
		return nil, fmt.Errorf("entity %s is %s: %w", w.ID, existing.Kind, ErrKindMismatch)
	}
	if existing.IsDeleted() || string(existing.Payload) == payload {
		return &types.WriteResult{Outcome: types.OutcomeDeduplicated, Entity: *existing}, nil
	}

	updated, err := overwriteTx(ctx, tx, existing, payload, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &types.WriteResult{Outcome: types.OutcomeDeduplicated, Entity: *updated}, nil
}

// UpdateEntity overwrites the payload of an existing entity (last write wins).
// Unknown, tombstoned, and foreign ids are reported as ErrNotFound. An
// unchanged payload reports OutcomeDeduplicated and writes no change entry.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, ownerID string, w types.WriteRequest) (*types.WriteResult, error) {
	payload, err := canonicalPayload(w.Payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntityTx(ctx, tx, w.ID)
	if err != nil {
		return nil, err
	}
	if existing.OwnerID != ownerID || existing.IsDeleted() {
		return nil, ErrNotFound
	}
	if existing.Kind != w.Kind {
		return nil, fmt.Errorf("entity %s is %s: %w", w.ID, existing.Kind, ErrKindMismatch)
	}
	if string(existing.Payload) == payload {
		return &types.WriteResult{Outcome: types.OutcomeDeduplicated, Entity: *existing}, nil
	}

	updated, err := overwriteTx(ctx, tx, existing, payload, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &types.WriteResult{Outcome: types.OutcomeUpdated, Entity: *updated}, nil
}

// DeleteEntity tombstones an entity and logs a delete. Deleting an unknown or
// already deleted id is a no-op. Foreign ids are reported as ErrNotFound.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntityTx(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.OwnerID != ownerID {
		return ErrNotFound
	}
	if existing.IsDeleted() {
		return nil
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET deleted_at = ?, updated_at = ? WHERE id = ?
	`, formatTime(now), formatTime(now), id); err != nil {
		return fmt.Errorf("tombstone entity: %w", err)
	}
	if _, err := appendChangeTx(ctx, tx, &driftsync.ChangeEntry{
		Kind:       existing.Kind,
		Operation:  driftsync.OperationDelete,
		EntityID:   id,
		OwnerID:    ownerID,
		DeletedAt:  &now,
		RecordedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func getEntityTx(ctx context.Context, tx *sql.Tx, id string) (*types.Entity, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, payload, created_at, updated_at, deleted_at
		FROM entities WHERE id = ?
	`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// overwriteTx replaces the payload of existing and logs an update.
func overwriteTx(ctx context.Context, tx *sql.Tx, existing *types.Entity, payload string, now time.Time) (*types.Entity, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET payload = ?, updated_at = ? WHERE id = ?
	`, payload, formatTime(now), existing.ID); err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	if _, err := appendChangeTx(ctx, tx, &driftsync.ChangeEntry{
		Kind:       existing.Kind,
		Operation:  driftsync.OperationUpdate,
		EntityID:   existing.ID,
		OwnerID:    existing.OwnerID,
		Payload:    []byte(payload),
		RecordedAt: now,
	}); err != nil {
		return nil, err
	}

	updated := *existing
	updated.Payload = []byte(payload)
	updated.UpdatedAt = now
	return &updated, nil
}
