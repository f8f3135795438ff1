package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/treemap/internal/shared"
)

// AdminRepository persists metric configuration and reads standings.
type AdminRepository interface {
	UpsertMetric(ctx context.Context, m Metric) (Metric, error)
	Reputation(ctx context.Context, userID, tenantID int64) (int, error)
}

// Service manages reputation metrics.
type Service struct {
	repo      AdminRepository
	actions   func(string) bool
	validator *validator.Validate
}

// NewService constructs a Service. knownAction reports whether an action name is valid.
func NewService(repo AdminRepository, knownAction func(string) bool) *Service {
	return &Service{repo: repo, actions: knownAction, validator: validator.New()}
}

// SetMetric validates and stores a metric.
func (s *Service) SetMetric(ctx context.Context, m Metric) (Metric, error) {
	if err := s.validator.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return Metric{}, &shared.ValidationError{Field: fieldErrs[0].Field(), Reason: fieldErrs[0].Tag()}
		}
		return Metric{}, &shared.ValidationError{Reason: err.Error()}
	}
	if s.actions != nil && !s.actions(m.Action) {
		return Metric{}, &shared.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", m.Action)}
	}
	saved, err := s.repo.UpsertMetric(ctx, m)
	if err != nil {
		return Metric{}, fmt.Errorf("reputation: upsert metric: %w", err)
	}
	return saved, nil
}

// Reputation returns the user's standing in tenant.
func (s *Service) Reputation(ctx context.Context, userID, tenantID int64) (int, error) {
	rep, err := s.repo.Reputation(ctx, userID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("reputation: read: %w", err)
	}
	return rep, nil
}
