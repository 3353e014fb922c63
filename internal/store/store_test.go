package store

import (
	"context"
	"time"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// mockStore is a compile-time check that the Store interface can be implemented.
type mockStore struct{}

var _ Store = (*mockStore)(nil)

func (m *mockStore) AcceptWrite(ctx context.Context, ownerID string, w types.WriteRequest) (*types.WriteResult, error) {
	return nil, nil
}
func (m *mockStore) UpdateEntity(ctx context.Context, ownerID string, w types.WriteRequest) (*types.WriteResult, error) {
	return nil, nil
}
func (m *mockStore) DeleteEntity(ctx context.Context, ownerID, id string) error {
	return nil
}
func (m *mockStore) GetEntity(ctx context.Context, ownerID, id string) (*types.Entity, error) {
	return nil, nil
}
func (m *mockStore) Snapshot(ctx context.Context, ownerID string) (*types.SnapshotResponse, error) {
	return nil, nil
}
func (m *mockStore) PullChanges(ctx context.Context, ownerID string, since int64, limit int) (*driftsync.ChangeFeed, error) {
	return nil, nil
}
func (m *mockStore) LatestCursor(ctx context.Context, ownerID string) (int64, error) {
	return 0, nil
}
func (m *mockStore) GetSyncStats(ctx context.Context, ownerID string) (*SyncStats, error) {
	return nil, nil
}
func (m *mockStore) GetIdempotency(ctx context.Context, key IdempotencyKey) (*IdempotencyRecord, error) {
	return nil, nil
}
func (m *mockStore) RecordIdempotency(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) error {
	return nil
}
func (m *mockStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	return 0, nil
}
func (m *mockStore) ExpiredChanges(ctx context.Context, before time.Time, limit int) ([]driftsync.ChangeEntry, error) {
	return nil, nil
}
func (m *mockStore) PruneChanges(ctx context.Context, entries []driftsync.ChangeEntry) (int64, error) {
	return 0, nil
}
func (m *mockStore) GetStats(ctx context.Context) (*Stats, error) {
	return nil, nil
}
func (m *mockStore) Close() error {
	return nil
}
