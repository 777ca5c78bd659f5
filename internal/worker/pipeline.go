package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hyperengineering/deltasync/internal/orchestrator"
	"github.com/hyperengineering/deltasync/internal/types"
)

// ErrRunInProgress is returned when a pass is requested while another is running.
var ErrRunInProgress = errors.New("sync run already in progress")

// Detector applies change detection to the store.
type Detector interface {
	Run(ctx context.Context) (*types.DetectSummary, error)
}

// Runner drives pending records to the board.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.Options) (*types.RunSummary, error)
}

// PassResult is the outcome of one detection + synchronization pass.
type PassResult struct {
	Detect *types.DetectSummary `json:"detect,omitempty"`
	Run    *types.RunSummary    `json:"run"`
}

// Pipeline runs detection followed by synchronization. At most one pass runs
// at a time, whether started by the scheduler, the API or the CLI.
type Pipeline struct {
	detector Detector
	runner   Runner
	mu       sync.Mutex
}

// NewPipeline creates a pipeline. A nil detector skips detection.
func NewPipeline(d Detector, r Runner) *Pipeline {
	return &Pipeline{detector: d, runner: r}
}

// RunOnce executes one pass. Dry runs skip detection, which writes to the
// store. Returns ErrRunInProgress without waiting if a pass is running.
func (p *Pipeline) RunOnce(ctx context.Context, opts orchestrator.Options) (*PassResult, error) {
	if !p.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer p.mu.Unlock()

	res := &PassResult{}
	if p.detector != nil && !opts.DryRun {
		d, err := p.detector.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("detect changes: %w", err)
		}
		res.Detect = d
	}

	run, err := p.runner.Run(ctx, opts)
	res.Run = run
	if err != nil {
		return res, err
	}
	return res, nil
}
