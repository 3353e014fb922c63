package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

var recordedAt = time.Date(2025, 4, 30, 12, 0, 0, 0, time.UTC)

func change(cursor int64, op, id, name string) driftsync.ChangeEntry {
	c := driftsync.ChangeEntry{
		Cursor:     cursor,
		Kind:       "event_type",
		Operation:  op,
		EntityID:   id,
		RecordedAt: recordedAt.Add(time.Duration(cursor) * time.Minute),
	}
	if op == driftsync.OperationDelete {
		at := c.RecordedAt
		c.DeletedAt = &at
	} else {
		c.Payload = payload(`{"name":"` + name + `"}`)
	}
	return c
}

// view is the order-independent part of a record.
type view struct {
	Kind    string
	Payload string
	Deleted bool
	Cursor  int64
}

func snapshotOf(t *testing.T, s *Storage) map[string]view {
	t.Helper()
	out := map[string]view{}
	for _, id := range []string{entityA, entityB, entityC} {
		rec, err := s.Get(context.Background(), id)
		if err == nil {
			out[id] = view{Kind: rec.Kind, Payload: string(rec.Payload), Deleted: rec.IsDeleted(), Cursor: rec.Cursor}
		}
	}
	return out
}

func TestApplyChanges_AppliesAndAdvancesCursor(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	applied, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{
		change(1, "create", entityA, "Run"),
		change(2, "create", entityB, "Walk"),
		change(3, "update", entityA, "Jog"),
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Jog"}`, string(rec.Payload))
	assert.Equal(t, int64(3), rec.Cursor)

	cursor, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), cursor)
}

func TestApplyChanges_ReplayIsIdempotent(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	page := []driftsync.ChangeEntry{
		change(1, "create", entityA, "Run"),
		change(2, "update", entityA, "Jog"),
		change(3, "delete", entityB, ""),
	}

	_, err := s.ApplyChanges(ctx, page, 3)
	require.NoError(t, err)
	before := snapshotOf(t, s)

	applied, err := s.ApplyChanges(ctx, page, 3)
	require.NoError(t, err)

	assert.Zero(t, applied)
	assert.Equal(t, before, snapshotOf(t, s))
}

func TestApplyChanges_PageArrivalOrderIndependent(t *testing.T) {
	ctx := context.Background()
	page1 := []driftsync.ChangeEntry{
		change(1, "create", entityA, "Run"),
		change(2, "create", entityB, "Walk"),
	}
	page2 := []driftsync.ChangeEntry{
		change(3, "update", entityA, "Jog"),
		change(4, "delete", entityB, ""),
		change(5, "create", entityC, "Swim"),
	}

	inOrder, _ := newTestStorage(t)
	_, err := inOrder.ApplyChanges(ctx, page1, 2)
	require.NoError(t, err)
	_, err = inOrder.ApplyChanges(ctx, page2, 5)
	require.NoError(t, err)

	reversed, _ := newTestStorage(t)
	_, err = reversed.ApplyChanges(ctx, page2, 5)
	require.NoError(t, err)
	_, err = reversed.ApplyChanges(ctx, page1, 2)
	require.NoError(t, err)

	assert.Equal(t, snapshotOf(t, inOrder), snapshotOf(t, reversed))

	cursor, _, err := reversed.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor, "cursor never moves backwards")
}

func TestApplyChanges_SortsWithinPage(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{
		change(2, "update", entityA, "second"),
		change(1, "create", entityA, "first"),
	}, 2)
	require.NoError(t, err)

	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"second"}`, string(rec.Payload))
}

func TestApplyChanges_PendingLocalWriteWins(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	seedSynced(t, s)
	mustEnqueue(t, s, update(entityA, "local"))

	applied, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(5, "update", entityA, "remote")}, 5)
	require.NoError(t, err)

	assert.Zero(t, applied)
	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local"}`, string(rec.Payload))

	cursor, _, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor)
}

func TestApplyChanges_DeleteAppliesDespitePendingWrite(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	seedSynced(t, s)
	mustEnqueue(t, s, update(entityA, "local"))

	applied, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(6, "delete", entityA, "")}, 6)
	require.NoError(t, err)

	assert.Equal(t, 1, applied)
	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted())
}

func TestApplyChanges_UnknownOperation(t *testing.T) {
	s, _ := newTestStorage(t)

	_, err := s.ApplyChanges(context.Background(), []driftsync.ChangeEntry{change(1, "merge", entityA, "x")}, 1)
	assert.Error(t, err)

	_, ok, err := s.Cursor(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "a failed page does not move the cursor")
}

func TestApplyEntity_SkippedWhileQueued(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "local"))

	server := types.Entity{ID: entityA, Kind: "event_type", Payload: payload(`{"name":"server"}`), UpdatedAt: recordedAt}
	require.NoError(t, s.ApplyEntity(ctx, server))
	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local"}`, string(rec.Payload))

	require.NoError(t, s.Acknowledge(ctx, e.ID, e.Revision))
	require.NoError(t, s.ApplyEntity(ctx, server))
	rec, err = s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"server"}`, string(rec.Payload))
}

func TestBootstrap_ReplacesReplicaKeepsQueued(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	// Given: A pulled record, a locally queued record, and a cursor
	_, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(1, "create", entityB, "stale")}, 1)
	require.NoError(t, err)
	mustEnqueue(t, s, create(entityA, "local"))

	// When: A snapshot without B but with a server copy of A and new C arrives
	err = s.Bootstrap(ctx, []types.Entity{
		{ID: entityA, Kind: "event_type", Payload: payload(`{"name":"server"}`)},
		{ID: entityC, Kind: "event_type", Payload: payload(`{"name":"Swim"}`)},
	}, 40)
	require.NoError(t, err)

	// Then
	_, err = s.Get(ctx, entityB)
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local"}`, string(a.Payload))

	c, err := s.Get(ctx, entityC)
	require.NoError(t, err)
	assert.Equal(t, int64(40), c.Cursor)

	cursor, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(40), cursor)

	// Changes already contained in the snapshot are ignored
	applied, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(39, "update", entityC, "old")}, 40)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestClearCursor(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Bootstrap(ctx, nil, 9))

	require.NoError(t, s.ClearCursor(ctx))

	_, ok, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
