package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/shared"
)

// AdminRepository persists role configuration.
type AdminRepository interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	FindRole(ctx context.Context, tenantID int64, name string) (Role, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
	SetDefaultRole(ctx context.Context, tenantID, roleID int64) error
	UpsertFieldPermission(ctx context.Context, p FieldPermission) (FieldPermission, error)
}

// Invalidator drops cached permission sets after configuration changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service orchestrates tenant permission configuration.
type Service struct {
	repo      AdminRepository
	registry  *registry.Registry
	cache     Invalidator
	validator *validator.Validate
	logger    *slog.Logger
}

// NewService constructs a Service. cache may be nil.
func NewService(repo AdminRepository, reg *registry.Registry, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, registry: reg, cache: cache, validator: validator.New(), logger: logger}
}

// ValidateFieldPermission checks structure first, then that the target model
// exists, has the field and participates in field authorization.
func (s *Service) ValidateFieldPermission(p FieldPermission) error {
	if err := s.validator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &shared.ValidationError{Field: fieldErrs[0].Field(), Reason: fieldErrs[0].Tag()}
		}
		return &shared.ValidationError{Reason: err.Error()}
	}
	return s.registry.ValidatePermissionTarget(p.ModelName, p.FieldName)
}

// CreateRole inserts a new role within tenant. A nil tenant creates the
// tenant-less default role.
func (s *Service) CreateRole(ctx context.Context, name string, tenantID *int64, repThreshold int) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, &shared.ValidationError{Field: "name", Reason: "role name required"}
	}
	if repThreshold < 0 {
		return Role{}, &shared.ValidationError{Field: "rep_thresh", Reason: "must not be negative"}
	}
	role, err := s.repo.CreateRole(ctx, Role{Name: name, TenantID: tenantID, RepThreshold: repThreshold})
	if err != nil {
		return Role{}, fmt.Errorf("rbac: create role: %w", err)
	}
	return role, nil
}

// EnsureRole returns the named role of tenant, creating it when missing.
func (s *Service) EnsureRole(ctx context.Context, tenantID int64, name string, repThreshold int) (Role, error) {
	role, err := s.repo.FindRole(ctx, tenantID, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, fmt.Errorf("rbac: find role: %w", err)
	}
	return s.CreateRole(ctx, name, &tenantID, repThreshold)
}

// AssignRole gives user the role.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if userID <= 0 || roleID <= 0 {
		return &shared.ValidationError{Reason: "user and role required"}
	}
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	return s.invalidate(ctx)
}

// SetDefaultRole makes role the fallback for users without a role in tenant.
func (s *Service) SetDefaultRole(ctx context.Context, tenantID, roleID int64) error {
	if err := s.repo.SetDefaultRole(ctx, tenantID, roleID); err != nil {
		return fmt.Errorf("rbac: set default role: %w", err)
	}
	return s.invalidate(ctx)
}

// SetFieldPermission validates and stores one permission row.
func (s *Service) SetFieldPermission(ctx context.Context, p FieldPermission) (FieldPermission, error) {
	if err := s.ValidateFieldPermission(p); err != nil {
		return FieldPermission{}, err
	}
	saved, err := s.repo.UpsertFieldPermission(ctx, p)
	if err != nil {
		return FieldPermission{}, fmt.Errorf("rbac: upsert field permission: %w", err)
	}
	if err := s.invalidate(ctx); err != nil {
		return FieldPermission{}, err
	}
	return saved, nil
}

// AddAllPermissionsOnModelToRole grants level on every tracked field of model.
func (s *Service) AddAllPermissionsOnModelToRole(ctx context.Context, model string, role Role, tenantID int64, level Level) ([]FieldPermission, error) {
	mt, err := s.registry.Lookup(model)
	if err != nil {
		return nil, err
	}
	out := make([]FieldPermission, 0, len(mt.Fields))
	for _, field := range mt.TrackedFieldNames() {
		p, err := s.SetFieldPermission(ctx, FieldPermission{
			RoleID:    role.ID,
			TenantID:  tenantID,
			ModelName: model,
			FieldName: field,
			Level:     level,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	s.logger.Info("granted model permissions",
		slog.String("model", model), slog.Int64("role_id", role.ID), slog.String("level", level.String()))
	return out, nil
}

func (s *Service) invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("permission cache invalidate", slog.Any("error", err))
	}
	return nil
}
