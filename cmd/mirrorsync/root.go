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

	"github.com/coreplane/mirrorsync/internal/api"
	"github.com/coreplane/mirrorsync/internal/archive"
	"github.com/coreplane/mirrorsync/internal/conflict"
	"github.com/coreplane/mirrorsync/internal/config"
	"github.com/coreplane/mirrorsync/internal/draft"
	"github.com/coreplane/mirrorsync/internal/external"
	"github.com/coreplane/mirrorsync/internal/notify"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mirrorsync",
	Short: "MirrorSync - equipment record mirror and delta synchronization service",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Event hub for sync state change streams
	hub := notify.NewHub(cfg.Events.BufferSize)

	// 6. Dead-letter archive (noop when no bucket configured)
	archiver, err := archive.NewArchiver(cfg.Archive)
	if err != nil {
		return err
	}

	// 7. External system client and sync worker
	client := external.NewClient(cfg.External.BaseURL, cfg.External.APIKey,
		time.Duration(cfg.External.Timeout))
	detector := conflict.NewDetector(db)
	syncWorker := worker.New(db, client, detector, hub, archiver, worker.Config{
		Interval:          time.Duration(cfg.Worker.SyncInterval),
		BatchSize:         cfg.Worker.BatchSize,
		MaxRetries:        cfg.Worker.MaxRetries,
		BackoffBase:       time.Duration(cfg.Worker.BackoffBase),
		BackoffCap:        time.Duration(cfg.Worker.BackoffCap),
		RequestsPerSecond: cfg.Worker.RequestsPerSecond,
		KeepHistory:       cfg.History.KeepSnapshots,
	})

	// 8. Draft manager nudges the worker on every commit
	drafts := draft.NewManager(db, detector, syncWorker.Trigger)

	// 9. HTTP router
	handler := api.NewHandler(db, drafts, hub, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 10. Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync", syncWorker.Run)

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully; anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for the worker to finish its pass
	wg.Wait()

	// 13c. Close event streams, then the store
	hub.Close()
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
