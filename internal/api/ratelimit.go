package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OwnerRateLimiter applies a token bucket per owner to the write path.
type OwnerRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ownerLimiter
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type ownerLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewOwnerRateLimiter allows perSecond sustained writes per owner with the
// given burst. Buckets idle for ten minutes are discarded.
func NewOwnerRateLimiter(perSecond float64, burst int) *OwnerRateLimiter {
	return &OwnerRateLimiter{
		limiters: make(map[string]*ownerLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Reserve takes one token for owner. When none is available it returns
// false and how long the caller should wait; the reservation is cancelled
// so a rejected request does not consume future capacity.
func (l *OwnerRateLimiter) Reserve(owner string) (bool, time.Duration) {
	now := l.now()
	lim := l.limiterFor(owner, now)

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *OwnerRateLimiter) limiterFor(owner string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idleTTL {
		for key, ol := range l.limiters {
			if now.Sub(ol.lastSeen) > l.idleTTL {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}

	ol, ok := l.limiters[owner]
	if !ok {
		ol = &ownerLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[owner] = ol
	}
	ol.lastSeen = now
	return ol.lim
}

// Middleware rejects requests over the owner's limit with 429.
// Must run after AuthMiddleware.
func (l *OwnerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := MustOwnerFromContext(r.Context())
		ok, retryAfter := l.Reserve(owner)
		if !ok {
			slog.Warn("rate limit exceeded",
				"component", "api",
				"owner_id", owner,
				"method", r.Method,
				"path", r.URL.Path,
				"retry_after_ms", retryAfter.Milliseconds(),
			)
			WriteProblemRetryAfter(w, r, http.StatusTooManyRequests, "Too many writes, retry later", retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}
