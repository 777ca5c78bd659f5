package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/deltasync/internal/orchestrator"
)

// PassRunner executes one detection + synchronization pass.
type PassRunner interface {
	RunOnce(ctx context.Context, opts orchestrator.Options) (*PassResult, error)
}

// SyncCoordinator runs a pass on a fixed interval.
type SyncCoordinator struct {
	runner   PassRunner
	interval time.Duration
	opts     orchestrator.Options
}

// NewSyncCoordinator creates a coordinator for scheduled passes.
func NewSyncCoordinator(r PassRunner, interval time.Duration, opts orchestrator.Options) *SyncCoordinator {
	return &SyncCoordinator{runner: r, interval: interval, opts: opts}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first pass runs after one interval so that starting the server does not
// immediately hit the board service.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runPass(ctx)
		}
	}
}

func (c *SyncCoordinator) runPass(ctx context.Context) {
	start := time.Now()
	res, err := c.runner.RunOnce(ctx, c.opts)
	switch {
	case errors.Is(err, ErrRunInProgress):
		slog.Info("sync pass skipped, previous pass still running",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return
	case err != nil:
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("sync pass failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"error", err,
		)
		return
	}

	slog.Info("sync pass completed",
		"component", "worker",
		"worker", "sync-coordinator",
		"run_id", res.Run.RunID,
		"records_synced", res.Run.RecordsSynced,
		"records_errored", res.Run.RecordsErrored,
		"success", res.Run.Success,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
