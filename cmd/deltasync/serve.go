package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/deltasync/internal/api"
	"github.com/hyperengineering/deltasync/internal/archive"
	"github.com/hyperengineering/deltasync/internal/orchestrator"
	"github.com/hyperengineering/deltasync/internal/worker"
)

var serveNoSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops API with scheduled sync and retry",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "Serve the API without scheduled passes")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.Info("configuration loaded", "component", "cli", "log_level", a.cfg.Log.Level)

	pipeline, err := a.pipeline()
	if err != nil {
		return err
	}
	reports, err := archive.New(a.cfg.Archive)
	if err != nil {
		return err
	}

	handler := api.NewHandler(a.store, pipeline, reports, a.cfg.Auth.APIKey, Version)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  time.Duration(a.cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(a.cfg.Server.WriteTimeout),
	}
	if a.cfg.Auth.APIKey == "" {
		slog.Warn("DELTASYNC_API_KEY is not set, protected routes will reject every request", "component", "cli")
	}

	var wg sync.WaitGroup
	if !serveNoSchedule {
		syncer := worker.NewSyncCoordinator(pipeline, time.Duration(a.cfg.Sync.Interval), orchestrator.Options{
			Workers: a.cfg.Sync.Workers,
			Limit:   a.cfg.Sync.Limit,
		})
		retrier := worker.NewRetryCoordinator(a.store, time.Duration(a.cfg.Sync.RetryInterval), a.cfg.Sync.MaxRetries)
		startWorker(ctx, &wg, "sync-coordinator", syncer.Run)
		startWorker(ctx, &wg, "retry-coordinator", retrier.Run)
	}

	go func() {
		slog.Info("server starting", "component", "cli", "address", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "component", "cli", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "cli")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "component", "cli", "error", err)
	}

	// A pass in flight finishes its current phase before the store closes.
	wg.Wait()

	slog.Info("shutdown complete", "component", "cli")
	return nil
}

// startWorker runs fn in a goroutine tracked by wg.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "component", "cli", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "component", "cli", "worker", name)
	}()
}
