package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/driftline/internal/remote"
	driftsync "github.com/hyperengineering/driftline/internal/sync"
	"github.com/hyperengineering/driftline/internal/types"
)

// fakeRemote is an in-memory server with a change log and error injection.
type fakeRemote struct {
	mu sync.Mutex

	entities      map[string]types.Entity
	changes       []driftsync.ChangeEntry
	cursor        int64
	prunedThrough int64

	writeErrs map[string]error
	pullErr   error

	keys        []string
	pulls       int
	snapshots   int
	inflight    int
	maxInflight int

	// started receives one value per write as it begins, when set.
	started chan string
	// release blocks writes until closed, when set.
	release chan struct{}
	// onWrite runs after release and before the write is applied.
	onWrite func(op, id string)
	delay   time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities:  make(map[string]types.Entity),
		writeErrs: make(map[string]error),
	}
}

func (f *fakeRemote) CreateEntity(ctx context.Context, req types.WriteRequest, key string) (*types.WriteResult, error) {
	return f.write(driftsync.OperationCreate, req, key)
}

func (f *fakeRemote) UpdateEntity(ctx context.Context, req types.WriteRequest, key string) (*types.WriteResult, error) {
	return f.write(driftsync.OperationUpdate, req, key)
}

func (f *fakeRemote) DeleteEntity(ctx context.Context, id, key string) error {
	_, err := f.write(driftsync.OperationDelete, types.WriteRequest{ID: id}, key)
	return err
}

func (f *fakeRemote) write(op string, req types.WriteRequest, key string) (*types.WriteResult, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	started, release, hook, delay := f.started, f.release, f.onWrite, f.delay
	f.mu.Unlock()

	if started != nil {
		started <- req.ID
	}
	if release != nil {
		<-release
	}
	if hook != nil {
		hook(op, req.ID)
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--

	if err := f.writeErrs[req.ID]; err != nil {
		return nil, err
	}

	if op == driftsync.OperationDelete {
		e, ok := f.entities[req.ID]
		if !ok || e.IsDeleted() {
			return nil, apiError(http.StatusNotFound, 0)
		}
		f.record(op, e.ID, e.Kind, nil)
		return nil, nil
	}

	e := f.record(op, req.ID, req.Kind, req.Payload)
	return &types.WriteResult{Outcome: types.OutcomeCreated, Entity: e}, nil
}

// put simulates a write by another device. Callers hold no lock.
func (f *fakeRemote) put(id, kind, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(driftsync.OperationUpdate, id, kind, json.RawMessage(payload))
}

// forget drops an entity without a change entry, as if it never existed.
func (f *fakeRemote) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, id)
}

func (f *fakeRemote) record(op, id, kind string, payload json.RawMessage) types.Entity {
	now := time.Now().UTC()
	f.cursor++

	e, ok := f.entities[id]
	if !ok {
		e = types.Entity{ID: id, Kind: kind, CreatedAt: now}
	}
	e.UpdatedAt = now
	entry := driftsync.ChangeEntry{
		Cursor:     f.cursor,
		Kind:       e.Kind,
		Operation:  op,
		EntityID:   id,
		RecordedAt: now,
	}
	if op == driftsync.OperationDelete {
		e.Payload = nil
		e.DeletedAt = &now
		entry.DeletedAt = &now
	} else {
		e.Payload = payload
		e.DeletedAt = nil
		entry.Payload = payload
	}
	f.entities[id] = e
	f.changes = append(f.changes, entry)
	return e
}

func (f *fakeRemote) Changes(ctx context.Context, since int64, limit int) (*driftsync.ChangeFeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if f.prunedThrough > 0 && since < f.prunedThrough {
		return nil, apiError(http.StatusGone, 0)
	}

	feed := &driftsync.ChangeFeed{Changes: []driftsync.ChangeEntry{}, NextCursor: since}
	for _, c := range f.changes {
		if c.Cursor <= since {
			continue
		}
		if len(feed.Changes) == limit {
			feed.HasMore = true
			break
		}
		feed.Changes = append(feed.Changes, c)
		feed.NextCursor = c.Cursor
	}
	return feed, nil
}

func (f *fakeRemote) Snapshot(ctx context.Context) (*types.SnapshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++

	if f.pullErr != nil {
		return nil, f.pullErr
	}

	snap := &types.SnapshotResponse{Entities: []types.Entity{}, Cursor: f.cursor}
	for _, e := range f.entities {
		if !e.IsDeleted() {
			snap.Entities = append(snap.Entities, e)
		}
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	return snap, nil
}

func (f *fakeRemote) setWriteErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.writeErrs, id)
		return
	}
	f.writeErrs[id] = err
}

func (f *fakeRemote) setPullErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullErr = err
}

func (f *fakeRemote) entity(id string) (types.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	return e, ok
}

func (f *fakeRemote) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *fakeRemote) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls + f.snapshots
}

func apiError(status int, retryAfter time.Duration) *remote.APIError {
	classes := map[int]remote.Class{
		http.StatusUnprocessableEntity: remote.ClassValidation,
		http.StatusUnauthorized:        remote.ClassUnauthorized,
		http.StatusNotFound:            remote.ClassNotFound,
		http.StatusConflict:            remote.ClassConflict,
		http.StatusGone:                remote.ClassCursorExpired,
		http.StatusTooManyRequests:     remote.ClassRateLimited,
	}
	class, ok := classes[status]
	if !ok {
		class = remote.ClassTransient
	}
	return &remote.APIError{
		StatusCode: status,
		Class:      class,
		Title:      http.StatusText(status),
		RetryAfter: retryAfter,
	}
}
