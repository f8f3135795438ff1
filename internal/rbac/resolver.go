package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/treemap/internal/shared"
)

// ReadRepository provides the role and permission lookups the resolver needs.
type ReadRepository interface {
	UserRoles(ctx context.Context, userID, tenantID int64) ([]Role, error)
	DefaultRole(ctx context.Context, tenantID int64) (Role, error)
	FieldPermissions(ctx context.Context, roleID int64, model string) ([]FieldPermission, error)
}

// PermissionCache memoizes per-role permission rows.
type PermissionCache interface {
	Get(ctx context.Context, roleID int64, model string) ([]FieldPermission, bool, error)
	Set(ctx context.Context, roleID int64, model string, perms []FieldPermission) error
}

// Resolver answers which field permissions a user holds on a model type.
type Resolver struct {
	repo   ReadRepository
	cache  PermissionCache
	logger *slog.Logger
}

// NewResolver constructs a Resolver. cache may be nil.
func NewResolver(repo ReadRepository, cache PermissionCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repo: repo, cache: cache, logger: logger}
}

// RoleFor returns the single role of user within tenant, falling back to the
// tenant's default role. More than one role is an integrity failure.
func (r *Resolver) RoleFor(ctx context.Context, user User, tenantID int64) (Role, error) {
	if !user.IsAnonymous() {
		roles, err := r.repo.UserRoles(ctx, user.ID, tenantID)
		if err != nil {
			return Role{}, fmt.Errorf("rbac: user roles: %w", err)
		}
		if len(roles) > 1 {
			r.logger.Error("user has more than one role per instance",
				slog.Int64("user_id", user.ID), slog.Int64("instance_id", tenantID), slog.Int("roles", len(roles)))
			return Role{}, shared.Integrityf("user %d cannot have more than one role per instance %d", user.ID, tenantID)
		}
		if len(roles) == 1 {
			return roles[0], nil
		}
	}
	role, err := r.repo.DefaultRole(ctx, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Role{}, shared.Integrityf("instance %d has no default role", tenantID)
		}
		return Role{}, fmt.Errorf("rbac: default role: %w", err)
	}
	return role, nil
}

// PermissionsFor resolves the permission set of user on model within tenant.
func (r *Resolver) PermissionsFor(ctx context.Context, user User, tenantID int64, model string) (PermissionSet, error) {
	role, err := r.RoleFor(ctx, user, tenantID)
	if err != nil {
		return PermissionSet{}, err
	}
	perms, err := r.rolePermissions(ctx, role.ID, model)
	if err != nil {
		return PermissionSet{}, err
	}
	return NewPermissionSet(model, role.ID, perms), nil
}

// ReadableFields is the outward query used to limit externally visible columns.
func (r *Resolver) ReadableFields(ctx context.Context, user User, tenantID int64, model string) ([]string, error) {
	set, err := r.PermissionsFor(ctx, user, tenantID, model)
	if err != nil {
		return nil, err
	}
	return set.ReadableFields(), nil
}

func (r *Resolver) rolePermissions(ctx context.Context, roleID int64, model string) ([]FieldPermission, error) {
	if r.cache != nil {
		perms, ok, err := r.cache.Get(ctx, roleID, model)
		if err != nil {
			r.logger.Warn("permission cache get", slog.Any("error", err), slog.Int64("role_id", roleID))
		} else if ok {
			return perms, nil
		}
	}
	perms, err := r.repo.FieldPermissions(ctx, roleID, model)
	if err != nil {
		return nil, fmt.Errorf("rbac: field permissions: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, roleID, model, perms); err != nil {
			r.logger.Warn("permission cache set", slog.Any("error", err), slog.Int64("role_id", roleID))
		}
	}
	return perms, nil
}
