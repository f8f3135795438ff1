// Package reputation adjusts a user's tenant-scoped standing as audits are
// recorded and disposed.
package reputation

import "context"

// Metric holds the point values for one (tenant, model, action). A nil score
// counts as zero.
type Metric struct {
	ID               int64
	TenantID         int64  `validate:"required,gt=0"`
	ModelName        string `validate:"required,max=255"`
	Action           string `validate:"required"`
	DirectWriteScore *int   `validate:"omitempty,min=0"`
	ApprovalScore    *int   `validate:"omitempty,min=0"`
	DenialScore      *int   `validate:"omitempty,min=0"`
}

// Disposition is the outcome recorded by an audit's ref, as seen by the scorer.
type Disposition int

const (
	// Undisposed means the audit has no ref yet.
	Undisposed Disposition = iota
	Approved
	Rejected
	// Reviewed is any other ref action. On an audit that required
	// authorization it indicates corrupted data.
	Reviewed
)

// Event is the scorer's view of one audit write.
type Event struct {
	AuditID      int64
	TenantID     *int64
	UserID       int64
	Model        string
	Action       string
	RequiresAuth bool
	Disposition  Disposition
}

// Store reads metrics and applies reputation deltas. Implementations run inside
// the caller's transaction.
type Store interface {
	// ReputationMetric returns shared.ErrNotFound when no metric is configured.
	ReputationMetric(ctx context.Context, tenantID int64, model, action string) (Metric, error)
	// AdjustReputation adds delta to the user's reputation, never going below zero,
	// and returns the new value.
	AdjustReputation(ctx context.Context, userID, tenantID int64, delta int) (int, error)
}

func score(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
