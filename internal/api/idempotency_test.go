package api

import (
	"net/http"
	"testing"
)

func TestIdempotency_ReplaysResponse(t *testing.T) {
	ts := newTestServer(t)
	id := newID(t)

	// When: The same request is sent twice with one key
	first := ts.do(http.MethodPost, "/api/v1/entities", "user-1", eventReq(id, "a"), IdempotencyKeyHeader, id+".1")
	second := ts.do(http.MethodPost, "/api/v1/entities", "user-1", eventReq(id, "a"), IdempotencyKeyHeader, id+".1")

	// Then: The second is a byte-identical replay of the 201
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("statuses = %d, %d; want 201, 201", first.Code, second.Code)
	}
	if second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Error("expected replay header")
	}
	if first.Header().Get(IdempotentReplayHeader) != "" {
		t.Error("first response must not be marked as replay")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestIdempotency_ScopedByOwnerAndRoute(t *testing.T) {
	ts := newTestServer(t)
	id := newID(t)
	key := "shared-key"

	ts.do(http.MethodPost, "/api/v1/entities", "user-1", eventReq(id, "a"), IdempotencyKeyHeader, key)

	// Same key, different route: not replayed
	w := ts.do(http.MethodPut, "/api/v1/entities/"+id, "user-1", eventReq("", "b"), IdempotencyKeyHeader, key)
	if w.Header().Get(IdempotentReplayHeader) != "" || w.Code != http.StatusOK {
		t.Errorf("PUT replayed or failed: %d", w.Code)
	}

	// Same key, different owner: not replayed, reaches the handler
	w = ts.do(http.MethodPost, "/api/v1/entities", "user-2", eventReq(id, "a"), IdempotencyKeyHeader, key)
	if w.Header().Get(IdempotentReplayHeader) != "" {
		t.Error("replayed across owners")
	}
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestIdempotency_ErrorsNotCached(t *testing.T) {
	ts := newTestServer(t)

	bad := eventReq("not-a-uuid", "a")
	first := ts.do(http.MethodPost, "/api/v1/entities", "user-1", bad, IdempotencyKeyHeader, "k")
	good := eventReq(newID(t), "a")
	second := ts.do(http.MethodPost, "/api/v1/entities", "user-1", good, IdempotencyKeyHeader, "k")

	if first.Code != http.StatusBadRequest {
		t.Fatalf("first status = %d, want 400", first.Code)
	}
	if second.Code != http.StatusCreated || second.Header().Get(IdempotentReplayHeader) != "" {
		t.Errorf("second status = %d replay=%q; want fresh 201", second.Code, second.Header().Get(IdempotentReplayHeader))
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	ts := newTestServer(t)
	long := make([]byte, maxIdempotencyKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}

	w := ts.do(http.MethodPost, "/api/v1/entities", "user-1", eventReq(newID(t), "a"), IdempotencyKeyHeader, string(long))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
