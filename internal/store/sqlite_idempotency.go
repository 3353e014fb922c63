package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIdempotency returns the cached response for key, or nil when no
// unexpired record exists.
func (s *SQLiteStore) GetIdempotency(ctx context.Context, key IdempotencyKey) (*IdempotencyRecord, error) {
	rec := IdempotencyRecord{IdempotencyKey: key}
	var createdAt, expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT status_code, response, created_at, expires_at
		FROM idempotency_keys
		WHERE idem_key = ? AND route = ? AND owner_id = ?
	`, key.Key, key.Route, key.OwnerID).Scan(&rec.StatusCode, &rec.Body, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}

	rec.CreatedAt = parseTime("created_at", createdAt)
	rec.ExpiresAt = parseTime("expires_at", expiresAt)
	if !s.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// RecordIdempotency stores a response for replay. The first record for a key
// wins; later records for the same key are ignored.
func (s *SQLiteStore) RecordIdempotency(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idem_key, route, owner_id, status_code, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idem_key, route, owner_id) DO UPDATE SET
			status_code = excluded.status_code,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= excluded.created_at
	`, rec.Key, rec.Route, rec.OwnerID, rec.StatusCode, rec.Body, formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("record idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= ?
	`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}
