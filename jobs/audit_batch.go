package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/treemap/internal/audit"
	jobmetrics "github.com/odyssey-erp/treemap/internal/jobs"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BatchApplier disposes pending audits in dependency order.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, user rbac.User, auditIDs []int64, approved bool) (audit.BatchResult, error)
}

// AuditLoader fetches a single audit.
type AuditLoader interface {
	Audit(ctx context.Context, id int64) (audit.Audit, error)
}

// AuditBatchJob runs batch dispositions off the request path.
type AuditBatchJob struct {
	Engine  BatchApplier
	Loader  AuditLoader
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditBatchJob constructs the job handler.
func NewAuditBatchJob(engine BatchApplier, loader AuditLoader, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditBatchJob {
	return &AuditBatchJob{Engine: engine, Loader: loader, Logger: logger, Metrics: metrics}
}

// Handle executes the batch. Audits already disposed by an earlier attempt are
// skipped so a retried task resumes where the previous run stopped.
func (j *AuditBatchJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil || j.Loader == nil {
		return errors.New("audit batch: dependencies not configured")
	}
	var payload AuditBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.UserID <= 0 || len(payload.AuditIDs) == 0 {
		return asynq.SkipRetry
	}
	logger := j.log().With(slog.String("request_id", payload.RequestID), slog.Int64("user_id", payload.UserID))

	tracker := j.metrics().Track(TaskAuditBatch)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	remaining := make([]int64, 0, len(payload.AuditIDs))
	for _, id := range payload.AuditIDs {
		a, err := j.Loader.Audit(ctx, id)
		if err != nil {
			resultErr = classify(fmt.Errorf("audit batch: load %d: %w", id, err))
			logger.Error("load audit", slog.Int64("audit_id", id), slog.Any("error", err))
			return resultErr
		}
		if a.RequiresAuth && a.RefID != nil {
			continue
		}
		remaining = append(remaining, id)
	}
	skipped := len(payload.AuditIDs) - len(remaining)
	j.metrics().AddBatchAudits("skipped", skipped)
	if len(remaining) == 0 {
		logger.Info("audit batch already applied", slog.Int("skipped", skipped))
		return resultErr
	}

	result, err := j.Engine.ApplyBatch(ctx, rbac.User{ID: payload.UserID}, remaining, payload.Approved)
	j.metrics().AddBatchAudits("disposed", len(result.Dispositions))
	if err != nil {
		j.metrics().AddBatchAudits("failed", 1)
		resultErr = classify(err)
		logger.Error("apply audit batch",
			slog.Int("disposed", len(result.Dispositions)), slog.Any("failed_audit", result.Failed), slog.Any("error", err))
		return resultErr
	}
	logger.Info("applied audit batch",
		slog.Bool("approved", payload.Approved), slog.Int("disposed", len(result.Dispositions)), slog.Int("skipped", skipped))
	return resultErr
}

// classify marks errors a retry cannot fix.
func classify(err error) error {
	switch {
	case errors.Is(err, shared.ErrAuthorize),
		errors.Is(err, shared.ErrAudit),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrIntegrity),
		errors.Is(err, shared.ErrValidation):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *AuditBatchJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AuditBatchJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditBatch))
	}
	return slog.Default().With(slog.String("job", TaskAuditBatch))
}
