package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetryStore defines the ledger operations needed by the retry coordinator.
type RetryStore interface {
	PromoteRetryable(ctx context.Context, maxRetries int) (int64, error)
	TerminalErrors(ctx context.Context, maxRetries int) ([]string, error)
}

// RetryCoordinator moves ERROR records back to PENDING while their retry
// count is below the ceiling. Records at the ceiling are left for an operator.
type RetryCoordinator struct {
	store      RetryStore
	interval   time.Duration
	maxRetries int
}

// NewRetryCoordinator creates a retry coordinator.
func NewRetryCoordinator(s RetryStore, interval time.Duration, maxRetries int) *RetryCoordinator {
	return &RetryCoordinator{store: s, interval: interval, maxRetries: maxRetries}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
// Promotion runs immediately on start, then on each tick.
func (c *RetryCoordinator) Run(ctx context.Context) {
	slog.Info("retry coordinator started",
		"component", "worker",
		"worker", "retry-coordinator",
		"interval", c.interval.String(),
		"max_retries", c.maxRetries,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Promote(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("retry coordinator stopped",
				"component", "worker",
				"worker", "retry-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Promote(ctx)
		}
	}
}

// Promote runs one promotion cycle and returns the number of records moved.
func (c *RetryCoordinator) Promote(ctx context.Context) int64 {
	n, err := c.store.PromoteRetryable(ctx, c.maxRetries)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to promote retryable records",
				"component", "worker",
				"worker", "retry-coordinator",
				"error", err,
			)
		}
		return 0
	}

	terminal, err := c.store.TerminalErrors(ctx, c.maxRetries)
	if err != nil {
		slog.Warn("failed to list terminal errors",
			"component", "worker",
			"worker", "retry-coordinator",
			"error", err,
		)
	}

	if n > 0 || len(terminal) > 0 {
		slog.Info("retry cycle completed",
			"component", "worker",
			"worker", "retry-coordinator",
			"promoted", n,
			"terminal", len(terminal),
		)
	}
	return n
}
