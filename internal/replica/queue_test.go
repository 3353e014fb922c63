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

func create(id, name string) Mutation {
	return Mutation{Op: OpCreate, EntityID: id, Kind: "event_type", Payload: payload(`{"name":"` + name + `"}`)}
}

func update(id, name string) Mutation {
	return Mutation{Op: OpUpdate, EntityID: id, Payload: payload(`{"name":"` + name + `"}`)}
}

func del(id string) Mutation {
	return Mutation{Op: OpDelete, EntityID: id}
}

func pending(t *testing.T, s *Storage) []QueueEntry {
	t.Helper()
	entries, err := s.Pending(context.Background())
	require.NoError(t, err)
	return entries
}

func TestEnqueue_CreateWritesReplicaAndQueue(t *testing.T) {
	s, clock := newTestStorage(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, create(entityA, "Run"))
	require.NoError(t, err)

	assert.Equal(t, OpCreate, entry.Op)
	assert.Equal(t, StatePending, entry.State)
	assert.Equal(t, int64(1), entry.Revision)
	assert.Equal(t, entityA+".1", entry.IdempotencyKey())
	assert.Len(t, entry.ID, 26)
	assert.True(t, entry.NextAttemptAt.Equal(clock.Now()))

	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.Equal(t, "event_type", rec.Kind)
	assert.JSONEq(t, `{"name":"Run"}`, string(rec.Payload))
	assert.Zero(t, rec.Cursor)
}

func TestEnqueue_Invalid(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name string
		m    Mutation
		want error
	}{
		{"missing id", Mutation{Op: OpCreate, Kind: "event", Payload: payload(`{}`)}, ErrInvalidMutation},
		{"unknown op", Mutation{Op: "upsert", EntityID: entityA, Payload: payload(`{}`)}, ErrInvalidMutation},
		{"bad payload", Mutation{Op: OpCreate, EntityID: entityA, Kind: "event", Payload: payload(`{`)}, ErrInvalidMutation},
		{"create without kind", Mutation{Op: OpCreate, EntityID: entityA, Payload: payload(`{}`)}, ErrInvalidMutation},
		{"update of unknown entity", update(entityB, "x"), ErrNotFound},
		{"delete of unknown entity", del(entityB), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(ctx, tt.m)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEnqueue_KindMismatch(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, create(entityA, "Run"))
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, Mutation{Op: OpUpdate, EntityID: entityA, Kind: "geofence", Payload: payload(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestEnqueue_Coalescing(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, s *Storage)
		incoming    Mutation
		wantState   State
		wantOp      Op
		wantPayload string
		wantQueued  int
		wantRecord  bool
	}{
		{
			name:        "create then update keeps a single create",
			setup:       func(t *testing.T, s *Storage) { mustEnqueue(t, s, create(entityA, "v1")) },
			incoming:    update(entityA, "v2"),
			wantState:   StatePending,
			wantOp:      OpCreate,
			wantPayload: `{"name":"v2"}`,
			wantQueued:  1,
			wantRecord:  true,
		},
		{
			name:       "never attempted create then delete removes both",
			setup:      func(t *testing.T, s *Storage) { mustEnqueue(t, s, create(entityA, "v1")) },
			incoming:   del(entityA),
			wantState:  StateDiscarded,
			wantOp:     OpCreate,
			wantQueued: 0,
			wantRecord: false,
		},
		{
			name: "attempted create then delete becomes a delete",
			setup: func(t *testing.T, s *Storage) {
				mustEnqueue(t, s, create(entityA, "v1"))
				dispatchAll(t, s)
			},
			incoming:   del(entityA),
			wantState:  StatePending,
			wantOp:     OpDelete,
			wantQueued: 1,
			wantRecord: true,
		},
		{
			name:        "update then update keeps the latest payload",
			setup:       func(t *testing.T, s *Storage) { seedSynced(t, s); mustEnqueue(t, s, update(entityA, "v2")) },
			incoming:    update(entityA, "v3"),
			wantState:   StatePending,
			wantOp:      OpUpdate,
			wantPayload: `{"name":"v3"}`,
			wantQueued:  1,
			wantRecord:  true,
		},
		{
			name:       "update then delete becomes a delete",
			setup:      func(t *testing.T, s *Storage) { seedSynced(t, s); mustEnqueue(t, s, update(entityA, "v2")) },
			incoming:   del(entityA),
			wantState:  StatePending,
			wantOp:     OpDelete,
			wantQueued: 1,
			wantRecord: true,
		},
		{
			name:       "delete then update keeps the delete",
			setup:      func(t *testing.T, s *Storage) { seedSynced(t, s); mustEnqueue(t, s, del(entityA)) },
			incoming:   update(entityA, "v2"),
			wantState:  StatePending,
			wantOp:     OpDelete,
			wantQueued: 1,
			wantRecord: true,
		},
		{
			name: "failed update then update resets to pending",
			setup: func(t *testing.T, s *Storage) {
				seedSynced(t, s)
				e := mustEnqueue(t, s, update(entityA, "bad"))
				_, err := s.RecordFailure(context.Background(), e.ID, e.Revision, Failure{Class: "validation", Message: "name too long", Terminal: true})
				require.NoError(t, err)
			},
			incoming:    update(entityA, "good"),
			wantState:   StatePending,
			wantOp:      OpUpdate,
			wantPayload: `{"name":"good"}`,
			wantQueued:  1,
			wantRecord:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStorage(t)
			ctx := context.Background()
			tt.setup(t, s)

			entry, err := s.Enqueue(ctx, tt.incoming)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, entry.State)
			assert.Equal(t, tt.wantOp, entry.Op)
			if tt.wantPayload != "" {
				assert.JSONEq(t, tt.wantPayload, string(entry.Payload))
			}

			queued := pending(t, s)
			assert.Len(t, queued, tt.wantQueued)
			if tt.wantQueued == 1 {
				assert.Equal(t, entry.ID, queued[0].ID)
				assert.Equal(t, entry.Revision, queued[0].Revision)
			}

			_, err = s.Get(ctx, entityA)
			if tt.wantRecord {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		})
	}
}

func TestEnqueue_CoalesceBumpsRevision(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, create(entityA, "v1"))
	second := mustEnqueue(t, s, update(entityA, "v2"))
	third := mustEnqueue(t, s, update(entityA, "v3"))

	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, int64(1), first.Revision)
	assert.Equal(t, int64(2), second.Revision)
	assert.Equal(t, int64(3), third.Revision)

	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"v3"}`, string(rec.Payload))
}

func TestEnqueue_DeleteTombstonesLocally(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	seedSynced(t, s)

	mustEnqueue(t, s, del(entityA))

	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted())
	assert.Nil(t, rec.Payload)
}

func TestDrain_ArrivalOrderAndSchedule(t *testing.T) {
	s, clock := newTestStorage(t)
	ctx := context.Background()

	a := mustEnqueue(t, s, create(entityA, "a"))
	b := mustEnqueue(t, s, create(entityB, "b"))
	c := mustEnqueue(t, s, create(entityC, "c"))

	// B is backed off into the future
	_, err := s.RecordFailure(ctx, b.ID, b.Revision, Failure{Class: "transient", Message: "timeout"})
	require.NoError(t, err)

	due, err := s.Drain(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, a.ID, due[0].ID)
	assert.Equal(t, c.ID, due[1].ID)
	assert.False(t, due[0].Dispatched, "draining alone does not count as a send")

	clock.Advance(10 * time.Minute)
	due, err = s.Drain(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{due[0].ID, due[1].ID, due[2].ID})
}

func TestAcknowledge_RemovesEntry(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	e := mustEnqueue(t, s, create(entityA, "v1"))
	require.NoError(t, s.Acknowledge(ctx, e.ID, e.Revision))

	assert.Empty(t, pending(t, s))
	assert.ErrorIs(t, s.Acknowledge(ctx, e.ID, e.Revision), ErrNotFound)
}

func TestAcknowledge_StaleRevisionTurnsCreateIntoUpdate(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	// Given: A create in flight at revision 1, then a local edit
	e := mustEnqueue(t, s, create(entityA, "v1"))
	dispatchAll(t, s)
	mustEnqueue(t, s, update(entityA, "v2"))

	// When: The server acknowledges revision 1
	require.NoError(t, s.Acknowledge(ctx, e.ID, 1))

	// Then: The newer payload is still queued, now as an update
	queued := pending(t, s)
	require.Len(t, queued, 1)
	assert.Equal(t, OpUpdate, queued[0].Op)
	assert.Equal(t, int64(2), queued[0].Revision)
	assert.JSONEq(t, `{"name":"v2"}`, string(queued[0].Payload))
}

func TestRecordFailure_TransientBacksOff(t *testing.T) {
	s, clock := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "v1"))

	wantBase := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, base := range wantBase {
		got, err := s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "transient", Message: "503"})
		require.NoError(t, err)
		assert.Equal(t, i+1, got.Attempts)
		assert.Equal(t, StatePending, got.State)

		delay := got.NextAttemptAt.Sub(clock.Now())
		assert.GreaterOrEqual(t, delay, base*9/10, "attempt %d", i+1)
		assert.LessOrEqual(t, delay, base*11/10, "attempt %d", i+1)
	}
}

func TestRecordFailure_BackoffCapped(t *testing.T) {
	s, _ := newTestStorage(t, WithMaxAttempts(50))

	for attempts := 1; attempts <= 20; attempts++ {
		assert.LessOrEqual(t, s.backoff(attempts), BackoffCap)
	}
	assert.Greater(t, s.backoff(12), 4*time.Minute)
}

func TestRecordFailure_MaxAttemptsMovesToFailed(t *testing.T) {
	s, _ := newTestStorage(t, WithMaxAttempts(3))
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "v1"))

	var got QueueEntry
	var err error
	for i := 0; i < 3; i++ {
		got, err = s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "transient", Message: "timeout"})
		require.NoError(t, err)
	}

	assert.Equal(t, StateFailed, got.State)
	assert.False(t, got.Rejected)
	failed, err := s.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "timeout", failed[0].LastError)
}

func TestRecordFailure_TerminalMovesToFailed(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "v1"))

	got, err := s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "conflict", Message: "owned by another user", Terminal: true})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, got.State)
	assert.True(t, got.Rejected)
	assert.Equal(t, "conflict", got.FailureClass)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordFailure_TerminalOnStaleRevisionStaysPending(t *testing.T) {
	s, clock := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "bad"))
	mustEnqueue(t, s, update(entityA, "fixed"))

	got, err := s.RecordFailure(ctx, e.ID, 1, Failure{Class: "validation", Message: "bad name", Terminal: true})
	require.NoError(t, err)

	assert.Equal(t, StatePending, got.State)
	assert.True(t, got.NextAttemptAt.Equal(clock.Now()))
}

func TestRecordFailure_ThrottledDoesNotCountAttempt(t *testing.T) {
	s, clock := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "v1"))

	got, err := s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "rate_limited", Throttled: true, RetryAfter: 30 * time.Second})
	require.NoError(t, err)

	assert.Zero(t, got.Attempts)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 30*time.Second, got.NextAttemptAt.Sub(clock.Now()))
}

func TestRetry_ResetsFailedEntry(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "v1"))
	failedEntry, err := s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "validation", Message: "name is required", Terminal: true})
	require.NoError(t, err)
	require.Equal(t, "validation", failedEntry.FailureClass)

	require.NoError(t, s.Retry(ctx, e.ID))

	queued := pending(t, s)
	require.Len(t, queued, 1)
	assert.Zero(t, queued[0].Attempts)
	assert.False(t, queued[0].Rejected)
	assert.Empty(t, queued[0].LastError, "a retried entry carries no stale reason")
	assert.Empty(t, queued[0].FailureClass)

	assert.ErrorIs(t, s.Retry(ctx, "missing"), ErrNotFound)
}

func TestDismiss_RejectedCreateRemovesRecord(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	e := mustEnqueue(t, s, create(entityA, "v1"))
	_, err := s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "validation", Terminal: true})
	require.NoError(t, err)

	require.NoError(t, s.Dismiss(ctx, e.ID))

	failed, err := s.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	// The server never had the entity
	_, err = s.Get(ctx, entityA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDismiss_RestoresServerChangeSkippedWhileQueued(t *testing.T) {
	s, _ := newTestStorage(t, WithMaxAttempts(1))
	ctx := context.Background()

	// Given: A synced record with a local edit queued
	_, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(5, "create", entityA, "v1")}, 5)
	require.NoError(t, err)
	e := mustEnqueue(t, s, update(entityA, "local"))

	// And: Another device's update pulled while the edit is queued
	applied, err := s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(6, "update", entityA, "server")}, 6)
	require.NoError(t, err)
	require.Zero(t, applied)

	// And: The edit fails for good
	got, err := s.RecordFailure(ctx, e.ID, e.Revision, Failure{Class: "transient", Message: "timeout"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, got.State)

	// When
	require.NoError(t, s.Dismiss(ctx, e.ID))

	// Then: The replica holds the server's value without another pull
	_, err = s.ApplyChanges(ctx, nil, 6)
	require.NoError(t, err)
	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"server"}`, string(rec.Payload))
	assert.Equal(t, int64(6), rec.Cursor)
}

func TestDismiss_RestoresPreEditValue(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	seedSynced(t, s)
	e := mustEnqueue(t, s, update(entityA, "local"))

	require.NoError(t, s.Dismiss(ctx, e.ID))

	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"v1"}`, string(rec.Payload))
	assert.Equal(t, int64(1), rec.Cursor)

	// The entity is no longer shielded from server state
	_, err = s.ApplyChanges(ctx, []driftsync.ChangeEntry{change(2, "update", entityA, "v2")}, 2)
	require.NoError(t, err)
	rec, err = s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"v2"}`, string(rec.Payload))
}

func TestDismiss_RestoresSnapshotTakenWhileQueued(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	seedSynced(t, s)
	e := mustEnqueue(t, s, update(entityA, "local"))
	mustEnqueue(t, s, create(entityB, "local"))
	queued := pending(t, s)
	require.Len(t, queued, 2)

	// Given: A snapshot with a newer A and no B
	require.NoError(t, s.Bootstrap(ctx, []types.Entity{
		{ID: entityA, Kind: "event_type", Payload: payload(`{"name":"snapshot"}`)},
	}, 9))

	// When
	require.NoError(t, s.Dismiss(ctx, e.ID))
	require.NoError(t, s.Dismiss(ctx, queued[1].ID))

	// Then
	rec, err := s.Get(ctx, entityA)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"snapshot"}`, string(rec.Payload))
	assert.Equal(t, int64(9), rec.Cursor)
	_, err = s.Get(ctx, entityB)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDispatched(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	// Given: Two creates drained by a flush that only sent the first
	a := mustEnqueue(t, s, create(entityA, "a"))
	b := mustEnqueue(t, s, create(entityB, "b"))
	due, err := s.Drain(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.NoError(t, s.MarkDispatched(ctx, a.ID))

	// When: Both are deleted locally
	gotA := mustEnqueue(t, s, del(entityA))
	gotB := mustEnqueue(t, s, del(entityB))

	// Then: Only the sent create needs a delete on the server
	assert.Equal(t, OpDelete, gotA.Op)
	assert.Equal(t, StateDiscarded, gotB.State)
	queued := pending(t, s)
	require.Len(t, queued, 1)
	assert.Equal(t, entityA, queued[0].EntityID)

	// A discarded entry cannot be sent any more
	assert.ErrorIs(t, s.MarkDispatched(ctx, b.ID), ErrNotFound)
}

// dispatchAll drains every pending entry and marks it sent, as a flush does.
func dispatchAll(t *testing.T, s *Storage) []QueueEntry {
	t.Helper()
	ctx := context.Background()
	entries, err := s.Drain(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, s.MarkDispatched(ctx, e.ID))
	}
	return entries
}

func mustEnqueue(t *testing.T, s *Storage, m Mutation) QueueEntry {
	t.Helper()
	e, err := s.Enqueue(context.Background(), m)
	require.NoError(t, err)
	return e
}

// seedSynced places entityA in the replica as if pulled from the server.
func seedSynced(t *testing.T, s *Storage) {
	t.Helper()
	_, err := s.ApplyChanges(context.Background(), []driftsync.ChangeEntry{
		{Cursor: 1, Kind: "event_type", Operation: "create", EntityID: entityA, Payload: payload(`{"name":"v1"}`)},
	}, 1)
	require.NoError(t, err)
}
