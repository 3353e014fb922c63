package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/driftline/internal/api"
	"github.com/hyperengineering/driftline/internal/archive"
	"github.com/hyperengineering/driftline/internal/auth"
	"github.com/hyperengineering/driftline/internal/config"
	"github.com/hyperengineering/driftline/internal/store"
	"github.com/hyperengineering/driftline/internal/worker"
)

// devSecret signs tokens when DRIFTLINE_DEV_MODE=true and no secret is set.
const devSecret = "driftline-dev-secret-do-not-use-in-production"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	// 3. Initialize logger
	logger, closeLog := newLogger(cfg.Log, os.Stdout)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("configuration loaded")
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		slog.Warn("DRIFTLINE_JWT_SECRET not set, signing with the development secret")
		secret = devSecret
	}

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize change log archiver
	archiver, err := archive.NewArchiver(cfg.Archive)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("archiver initialized", "enabled", cfg.Archive.Enabled(), "bucket", cfg.Archive.Bucket)

	// 6. Initialize HTTP router
	handler := api.NewHandler(db, Version)
	router := api.NewRouter(handler, api.RouterConfig{
		Verifier:       auth.NewSigner(secret),
		RateLimiter:    api.NewOwnerRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		IdempotencyTTL: time.Duration(cfg.Idempotency.TTL),
	})
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Background workers
	var wg sync.WaitGroup
	startWorkers(ctx, &wg, cfg, db, archiver)

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startWorkers launches the retention and idempotency cleanup coordinators.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, db *store.SQLiteStore, archiver archive.Archiver) {
	retention := worker.NewRetentionCoordinator(
		db,
		archiver,
		time.Duration(cfg.Worker.RetentionInterval),
		time.Duration(cfg.ChangeLog.Retention),
		cfg.Worker.RetentionBatchSize,
	)
	startWorker(ctx, wg, "retention", retention.Run)

	cleanup := worker.NewIdempotencyCleanupCoordinator(db,
		time.Duration(cfg.Worker.IdempotencyCleanupInterval))
	startWorker(ctx, wg, "idempotency-cleanup", cleanup.Run)
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
