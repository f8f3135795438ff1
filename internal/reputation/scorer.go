package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/treemap/internal/shared"
)

// Delta returns the reputation change an event earns under metric.
func Delta(m Metric, ev Event) (int, error) {
	if !ev.RequiresAuth {
		return score(m.DirectWriteScore), nil
	}
	switch ev.Disposition {
	case Undisposed:
		return 0, nil
	case Approved:
		return score(m.ApprovalScore), nil
	case Rejected:
		return -score(m.DenialScore), nil
	default:
		return 0, shared.Integrityf("audit %d requires auth but is referenced by a non-pending disposition", ev.AuditID)
	}
}

// Scorer observes audit writes and applies the configured deltas.
type Scorer struct {
	logger *slog.Logger
}

// NewScorer constructs a Scorer.
func NewScorer(logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{logger: logger}
}

// Observe scores one audit write. A missing metric, a missing tenant or an
// anonymous user is a no-op.
func (s *Scorer) Observe(ctx context.Context, store Store, ev Event) error {
	if ev.TenantID == nil || ev.UserID == 0 {
		return nil
	}
	metric, err := store.ReputationMetric(ctx, *ev.TenantID, ev.Model, ev.Action)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reputation: metric: %w", err)
	}
	delta, err := Delta(metric, ev)
	if err != nil {
		s.logger.Error("reputation integrity", slog.Any("error", err), slog.Int64("audit_id", ev.AuditID))
		return err
	}
	if delta == 0 {
		return nil
	}
	rep, err := store.AdjustReputation(ctx, ev.UserID, *ev.TenantID, delta)
	if err != nil {
		return fmt.Errorf("reputation: adjust: %w", err)
	}
	s.logger.Debug("reputation adjusted",
		slog.Int64("user_id", ev.UserID), slog.Int64("instance_id", *ev.TenantID),
		slog.Int("delta", delta), slog.Int("reputation", rep))
	return nil
}
