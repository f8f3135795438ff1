package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/treemap/internal/rbac"
)

// ApplyBatch approves or rejects many pending audits, one transaction each.
// Field audits go before identity audits, and within each group parents go
// before the models that reference them. The batch stops at the first failure;
// dispositions already committed stay committed.
func (e *Engine) ApplyBatch(ctx context.Context, user rbac.User, auditIDs []int64, approved bool) (BatchResult, error) {
	audits := make([]Audit, 0, len(auditIDs))
	for _, id := range auditIDs {
		a, err := e.ledger.repo.Audit(ctx, id)
		if err != nil {
			return BatchResult{Failed: int64Ptr(id)}, fmt.Errorf("audit: batch load %d: %w", id, err)
		}
		audits = append(audits, a)
	}
	ordered, err := e.OrderBatch(audits)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, a := range ordered {
		var (
			disposition Audit
			err         error
		)
		if approved {
			disposition, err = e.Approve(ctx, user, a.ID)
		} else {
			disposition, err = e.Reject(ctx, user, a.ID)
		}
		if err != nil {
			result.Failed = int64Ptr(a.ID)
			e.ledger.logger.Warn("audit batch stopped",
				slog.Int64("audit_id", a.ID), slog.Int("done", len(result.Dispositions)),
				slog.Int("total", len(ordered)), slog.Any("error", err))
			return result, fmt.Errorf("audit: batch stopped at audit %d: %w", a.ID, err)
		}
		result.Dispositions = append(result.Dispositions, disposition)
	}
	return result, nil
}

// OrderBatch sorts audits into the order ApplyBatch disposes them.
func (e *Engine) OrderBatch(audits []Audit) ([]Audit, error) {
	rank, err := e.ledger.registry.Graph().Rank()
	if err != nil {
		return nil, err
	}
	out := make([]Audit, len(audits))
	copy(out, audits)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsIdentity() != b.IsIdentity() {
			return !a.IsIdentity()
		}
		if ra, rb := rank[a.Model], rank[b.Model]; ra != rb {
			return ra < rb
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return out, nil
}
