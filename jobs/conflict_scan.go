package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-hr/internal/conflict"
	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

// ConflictScanJob runs conflict analysis on the worker.
type ConflictScanJob struct {
	Detector *conflict.Detector
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewConflictScanJob initialises the conflict scan handlers.
func NewConflictScanJob(detector *conflict.Detector, logger *slog.Logger, metrics *jobmetrics.Metrics) *ConflictScanJob {
	return &ConflictScanJob{Detector: detector, Logger: logger, Metrics: metrics}
}

// HandleAnalyze processes TaskConflictAnalyze tasks.
func (j *ConflictScanJob) HandleAnalyze(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Detector == nil {
		return errors.New("conflict scan: handler not configured")
	}
	var payload ConflictAnalyzePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PolicyID == uuid.Nil {
		return fmt.Errorf("conflict scan: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskConflictAnalyze)
	defer func() { err = tracker.End(err) }()

	created, err := j.Detector.Analyze(ctx, payload.PolicyID)
	if errors.Is(err, rules.ErrNotFound) {
		j.logger().Info("policy gone before analysis", slog.String("policy_id", payload.PolicyID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	j.logger().Info("conflict analysis done",
		slog.String("policy_id", payload.PolicyID.String()),
		slog.Int("created", len(created)))
	return nil
}

// HandleRescan processes TaskConflictRescan tasks.
func (j *ConflictScanJob) HandleRescan(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Detector == nil {
		return errors.New("conflict scan: handler not configured")
	}
	tracker := j.Metrics.Track(TaskConflictRescan)
	defer func() { err = tracker.End(err) }()

	created, err := j.Detector.RescanAll(ctx)
	if err != nil {
		return err
	}
	j.logger().Info("conflict rescan done", slog.Int("created", len(created)))
	return nil
}

func (j *ConflictScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", "conflict_scan"))
	}
	return slog.Default().With(slog.String("job", "conflict_scan"))
}
