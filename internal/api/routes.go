package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds the dependencies of the HTTP surface.
type RouterConfig struct {
	Verifier       TokenVerifier
	RateLimiter    *OwnerRateLimiter
	IdempotencyTTL time.Duration
}

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(RequestIDHeader)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	idempotency := IdempotencyMiddleware(h.store, cfg.IdempotencyTTL)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.Verifier))

			r.Get("/entities", h.Snapshot)
			r.Get("/entities/{id}", h.GetEntity)
			r.Get("/changes", h.Changes)
			r.Get("/changes/latest-cursor", h.LatestCursor)
			r.Get("/sync", h.SyncStatus)

			// Write path: per-owner rate limit, then idempotent replay
			r.Group(func(r chi.Router) {
				if cfg.RateLimiter != nil {
					r.Use(cfg.RateLimiter.Middleware)
				}
				r.With(idempotency).Post("/entities", h.CreateEntity)
				r.With(idempotency).Post("/entities/batch", h.BatchCreate)
				r.With(idempotency).Put("/entities/{id}", h.UpdateEntity)
				r.With(idempotency).Delete("/entities/{id}", h.DeleteEntity)
			})
		})
	})

	return r
}
