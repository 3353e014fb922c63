package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the SQLite-backed entity store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// sqliteDSN builds the connection string for dbPath. Transactions begin
// IMMEDIATE so a read-then-write transaction never fails to upgrade its lock.
func sqliteDSN(dbPath string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + dbPath + "?" + q.Encode()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetEntity returns an entity owned by ownerID, including tombstoned ones.
// Entities of other owners are reported as ErrNotFound.
func (s *SQLiteStore) GetEntity(ctx context.Context, ownerID, id string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, payload, created_at, updated_at, deleted_at
		FROM entities WHERE id = ?
	`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && e.OwnerID != ownerID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// Snapshot returns every live entity of the owner together with the owner's
// latest change cursor, both read inside one transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context, ownerID string) (*types.SnapshotResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cursor, err := latestCursorTx(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, owner_id, kind, payload, created_at, updated_at, deleted_at
		FROM entities
		WHERE owner_id = ? AND deleted_at IS NULL
		ORDER BY id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]types.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}

	return &types.SnapshotResponse{Entities: entities, Cursor: cursor}, nil
}

// GetStats returns aggregate store statistics
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE deleted_at IS NULL").Scan(&stats.EntityCount)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(cursor) FROM change_log").Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest cursor: %w", err)
	}
	stats.LatestCursor = latest.Int64

	if v, err := s.GetSyncMeta(ctx, driftsync.SyncMetaLastPruneAt); err == nil && v != "" {
		if t, perr := time.Parse(timeLayout, v); perr == nil {
			stats.LastPruneAt = &t
		}
	}
	return stats, nil
}

// GetSyncStats returns per-kind counts and cursor positions for an owner.
func (s *SQLiteStore) GetSyncStats(ctx context.Context, ownerID string) (*SyncStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind,
		       SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END),
		       SUM(CASE WHEN deleted_at IS NULL THEN 0 ELSE 1 END),
		       MAX(updated_at)
		FROM entities
		WHERE owner_id = ?
		GROUP BY kind
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query kind stats: %w", err)
	}
	defer rows.Close()

	stats := &SyncStats{Kinds: make(map[string]driftsync.KindStats)}
	for rows.Next() {
		var kind, lastModified string
		var ks driftsync.KindStats
		if err := rows.Scan(&kind, &ks.Count, &ks.Deleted, &lastModified); err != nil {
			return nil, fmt.Errorf("scan kind stats: %w", err)
		}
		if t, err := time.Parse(timeLayout, lastModified); err == nil {
			ks.LastModified = &t
		}
		stats.Kinds[kind] = ks
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind stats: %w", err)
	}

	var lastChange sql.NullString
	var latest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MAX(cursor), MAX(recorded_at) FROM change_log WHERE owner_id = ?
	`, ownerID).Scan(&latest, &lastChange)
	if err != nil {
		return nil, fmt.Errorf("query change stats: %w", err)
	}
	stats.LatestCursor = latest.Int64
	if lastChange.Valid {
		if t, err := time.Parse(timeLayout, lastChange.String); err == nil {
			stats.LastChangeAt = &t
		}
	}

	stats.PrunedThrough, err = s.prunedThrough(ctx, s.db, ownerID)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (*types.Entity, error) {
	var e types.Entity
	var payload, createdAt, updatedAt string
	var deletedAt sql.NullString

	if err := r.Scan(&e.ID, &e.OwnerID, &e.Kind, &payload, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = parseTime("created_at", createdAt)
	e.UpdatedAt = parseTime("updated_at", updatedAt)
	if deletedAt.Valid {
		t := parseTime("deleted_at", deletedAt.String)
		e.DeletedAt = &t
	}
	return &e, nil
}

func parseTime(column, value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		slog.Warn("store: failed to parse timestamp", "column", column, "value", value, "error", err)
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// canonicalPayload re-encodes a JSON object with sorted keys so that two
// payloads with the same content compare equal byte for byte.
func canonicalPayload(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(out), nil
}
