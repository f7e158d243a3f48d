package conflict

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAnalyzeTimeout bounds one in-process analysis.
const DefaultAnalyzeTimeout = 30 * time.Second

// InlineDispatcher runs analyses on goroutines inside the current process.
// The caller's cancellation does not abort an analysis already dispatched.
type InlineDispatcher struct {
	detector *Detector
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewInlineDispatcher constructs a dispatcher. A zero timeout selects
// DefaultAnalyzeTimeout.
func NewInlineDispatcher(detector *Detector, timeout time.Duration, logger *slog.Logger) *InlineDispatcher {
	if timeout <= 0 {
		timeout = DefaultAnalyzeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineDispatcher{detector: detector, logger: logger, timeout: timeout}
}

// Dispatch starts the analysis and returns immediately.
func (d *InlineDispatcher) Dispatch(ctx context.Context, policyID uuid.UUID) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if _, err := d.detector.Analyze(runCtx, policyID); err != nil {
			d.logger.Warn("conflict analysis", slog.String("policy_id", policyID.String()), slog.Any("error", err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched analysis has finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
