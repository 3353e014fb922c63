package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/driftline/internal/store"
)

const (
	// IdempotencyKeyHeader carries the client-chosen key of a mutating request.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader marks a response served from the idempotency cache.
	IdempotentReplayHeader = "X-Idempotent-Replay"

	maxIdempotencyKeyLength = 255
)

// captureWriter records the status and body written by a handler.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response of a mutating request
// that repeats an Idempotency-Key for the same route and owner. Only 2xx
// responses are stored. It must be attached per route (chi With) so the
// route pattern is resolved, and after AuthMiddleware.
func IdempotencyMiddleware(s store.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				WriteProblem(w, r, http.StatusBadRequest, "Idempotency-Key is too long")
				return
			}

			ctx := r.Context()
			ik := store.IdempotencyKey{
				Key:     key,
				Route:   r.Method + " " + chi.RouteContext(ctx).RoutePattern(),
				OwnerID: MustOwnerFromContext(ctx),
			}

			existing, err := s.GetIdempotency(ctx, ik)
			if err != nil {
				// Proceed without replay rather than block a valid request
				slog.Error("failed to check idempotency key", "component", "api", "route", ik.Route, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if existing != nil {
				slog.Info("replaying idempotent response",
					"component", "api",
					"route", ik.Route,
					"owner_id", ik.OwnerID,
					"status_code", existing.StatusCode,
				)
				w.Header().Set(IdempotentReplayHeader, "true")
				if len(existing.Body) > 0 {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(existing.StatusCode)
				w.Write(existing.Body)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)

			if cw.status < 200 || cw.status >= 300 {
				return
			}
			rec := store.IdempotencyRecord{
				IdempotencyKey: ik,
				StatusCode:     cw.status,
				Body:           cw.body.Bytes(),
			}
			if err := s.RecordIdempotency(ctx, rec, ttl); err != nil {
				// The request already succeeded
				slog.Warn("failed to store idempotency key", "component", "api", "route", ik.Route, "error", err)
			}
		})
	}
}
