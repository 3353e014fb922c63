package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
)

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// appendChangeTx appends an entry to the change log inside tx and returns the
// assigned cursor. A failure here must abort the surrounding write.
func appendChangeTx(ctx context.Context, tx *sql.Tx, e *driftsync.ChangeEntry) (int64, error) {
	var deletedAt any
	if e.DeletedAt != nil {
		deletedAt = formatTime(*e.DeletedAt)
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (owner_id, kind, operation, entity_id, payload, deleted_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.OwnerID, e.Kind, e.Operation, e.EntityID, nullablePayload(e.Payload), deletedAt, formatTime(e.RecordedAt))
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	cursor, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	e.Cursor = cursor
	return cursor, nil
}

// PullChanges returns the owner's change log entries after since, ascending.
// The limit is clamped to [1, MaxPullLimit] with DefaultPullLimit for zero.
// A since cursor below the pruned boundary, zero included, yields
// ErrCursorExpired once anything has been pruned for the owner.
func (s *SQLiteStore) PullChanges(ctx context.Context, ownerID string, since int64, limit int) (*driftsync.ChangeFeed, error) {
	limit = clampLimit(limit)

	pruned, err := s.prunedThrough(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	if pruned > 0 && since < pruned {
		return nil, fmt.Errorf("cursor %d, pruned through %d: %w", since, pruned, ErrCursorExpired)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cursor, owner_id, kind, operation, entity_id, payload, deleted_at, recorded_at
		FROM change_log
		WHERE owner_id = ? AND cursor > ?
		ORDER BY cursor ASC
		LIMIT ?
	`, ownerID, since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	changes, err := scanChanges(rows)
	if err != nil {
		return nil, err
	}

	feed := &driftsync.ChangeFeed{NextCursor: since}
	if len(changes) > limit {
		feed.HasMore = true
		changes = changes[:limit]
	}
	if len(changes) > 0 {
		feed.NextCursor = changes[len(changes)-1].Cursor
	}
	feed.Changes = changes
	return feed, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return driftsync.DefaultPullLimit
	case limit > driftsync.MaxPullLimit:
		return driftsync.MaxPullLimit
	default:
		return limit
	}
}

// LatestCursor returns the highest cursor in the owner's change log, or 0.
func (s *SQLiteStore) LatestCursor(ctx context.Context, ownerID string) (int64, error) {
	return latestCursorTx(ctx, s.db, ownerID)
}

func latestCursorTx(ctx context.Context, q queryRower, ownerID string) (int64, error) {
	var cursor sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(cursor) FROM change_log WHERE owner_id = ?`, ownerID).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("get latest cursor: %w", err)
	}
	return cursor.Int64, nil
}

// ExpiredChanges returns up to limit entries recorded before the cutoff,
// oldest first. The newest entry of each owner is never returned.
func (s *SQLiteStore) ExpiredChanges(ctx context.Context, before time.Time, limit int) ([]driftsync.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cursor, owner_id, kind, operation, entity_id, payload, deleted_at, recorded_at
		FROM change_log
		WHERE recorded_at < ?
		  AND cursor NOT IN (SELECT MAX(cursor) FROM change_log GROUP BY owner_id)
		ORDER BY cursor ASC
		LIMIT ?
	`, formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired changes: %w", err)
	}
	defer rows.Close()
	return scanChanges(rows)
}

// PruneChanges deletes exactly the given entries and advances each owner's
// pruned-through marker. Returns the number of rows removed.
func (s *SQLiteStore) PruneChanges(ctx context.Context, entries []driftsync.ChangeEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	highest := make(map[string]int64)
	var removed int64
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `DELETE FROM change_log WHERE cursor = ?`, e.Cursor)
		if err != nil {
			return 0, fmt.Errorf("delete change %d: %w", e.Cursor, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		removed += n
		if e.Cursor > highest[e.OwnerID] {
			highest[e.OwnerID] = e.Cursor
		}
	}

	var global int64
	for owner, cursor := range highest {
		current, err := s.prunedThrough(ctx, tx, owner)
		if err != nil {
			return 0, err
		}
		if cursor > current {
			if err := setSyncMetaTx(ctx, tx, prunedThroughKey(owner), strconv.FormatInt(cursor, 10)); err != nil {
				return 0, err
			}
		}
		if cursor > global {
			global = cursor
		}
	}

	current, err := s.prunedThrough(ctx, tx, "")
	if err != nil {
		return 0, err
	}
	if global > current {
		if err := setSyncMetaTx(ctx, tx, driftsync.SyncMetaPrunedThrough, strconv.FormatInt(global, 10)); err != nil {
			return 0, err
		}
	}
	if err := setSyncMetaTx(ctx, tx, driftsync.SyncMetaLastPruneAt, formatTime(s.now())); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return removed, nil
}

// prunedThroughKey names the per-owner marker. An empty owner names the
// global marker.
func prunedThroughKey(ownerID string) string {
	if ownerID == "" {
		return driftsync.SyncMetaPrunedThrough
	}
	return driftsync.SyncMetaPrunedThrough + ":" + ownerID
}

func (s *SQLiteStore) prunedThrough(ctx context.Context, q queryRower, ownerID string) (int64, error) {
	var value string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, prunedThroughKey(ownerID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get pruned through: %w", err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pruned through %q: %w", value, err)
	}
	return n, nil
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

func setSyncMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

func scanChanges(rows *sql.Rows) ([]driftsync.ChangeEntry, error) {
	entries := make([]driftsync.ChangeEntry, 0)
	for rows.Next() {
		var e driftsync.ChangeEntry
		var payload, deletedAt sql.NullString
		var recordedAt string

		if err := rows.Scan(&e.Cursor, &e.OwnerID, &e.Kind, &e.Operation, &e.EntityID,
			&payload, &deletedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if deletedAt.Valid {
			t := parseTime("deleted_at", deletedAt.String)
			e.DeletedAt = &t
		}
		e.RecordedAt = parseTime("recorded_at", recordedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return entries, nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
