// Package authz mediates every user-driven read and write of a tracked record
// through the field permissions of the user's role.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/treemap/internal/audit"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Permissions resolves a user's field permissions on a model.
type Permissions interface {
	PermissionsFor(ctx context.Context, user rbac.User, tenantID int64, model string) (rbac.PermissionSet, error)
}

// Ledger persists records and their audits.
type Ledger interface {
	Save(ctx context.Context, user rbac.User, rec tracking.Tracked, perms *rbac.PermissionSet) error
	Delete(ctx context.Context, user rbac.User, rec tracking.Tracked) error
}

// DenialRecorder counts refused operations.
type DenialRecorder interface {
	AuthorizationDenied(model, op string)
}

type noopRecorder struct{}

func (noopRecorder) AuthorizationDenied(string, string) {}

// Gate is the only user-facing entry point for persisting tracked records.
type Gate struct {
	perms    Permissions
	ledger   Ledger
	registry *registry.Registry
	metrics  DenialRecorder
	logger   *slog.Logger
}

// NewGate constructs a Gate. metrics and logger may be nil.
func NewGate(perms Permissions, ledger Ledger, reg *registry.Registry, metrics DenialRecorder, logger *slog.Logger) *Gate {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{perms: perms, ledger: ledger, registry: reg, metrics: metrics, logger: logger}
}

// permissions resolves the set for rec's model. The set is nil when the
// model is not mediated by field permissions.
func (g *Gate) permissions(ctx context.Context, user rbac.User, rec tracking.Tracked) (*registry.ModelType, *rbac.PermissionSet, error) {
	mt, err := g.registry.Lookup(rec.ModelName())
	if err != nil {
		return nil, nil, err
	}
	if !mt.Authorizable {
		return mt, nil, nil
	}
	set, err := g.perms.PermissionsFor(ctx, user, rec.TenantID(), mt.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("authz: permissions for %s: %w", mt.Name, err)
	}
	return mt, &set, nil
}

// CanCreate reports whether user may write every field required to create rec.
// directOnly demands write-directly on each of them.
func (g *Gate) CanCreate(ctx context.Context, user rbac.User, rec tracking.Tracked, directOnly bool) (bool, error) {
	mt, set, err := g.permissions(ctx, user, rec)
	if err != nil {
		return false, err
	}
	return canCreate(mt, set, rec, directOnly), nil
}

func canCreate(mt *registry.ModelType, set *rbac.PermissionSet, rec tracking.Tracked, directOnly bool) bool {
	if set == nil {
		return true
	}
	return set.CanWrite(mt.CreateFields(rec), directOnly)
}

// CanDelete reports whether user may write every tracked field of rec.
func (g *Gate) CanDelete(ctx context.Context, user rbac.User, rec tracking.Tracked) (bool, error) {
	_, set, err := g.permissions(ctx, user, rec)
	if err != nil {
		return false, err
	}
	return set == nil || set.CanWrite(rec.TrackedFields(), false), nil
}

// Redact nulls every tracked field user cannot read and marks rec so it can
// never be saved or deleted again.
func (g *Gate) Redact(ctx context.Context, user rbac.User, rec tracking.Tracked) error {
	_, set, err := g.permissions(ctx, user, rec)
	if err != nil {
		return err
	}
	var hidden []string
	if set != nil {
		for _, f := range rec.TrackedFields() {
			if !set.Level(f).AllowsRead() {
				hidden = append(hidden, f)
			}
		}
	}
	if err := rec.Clobber(hidden); err != nil {
		return fmt.Errorf("authz: redact %s: %w", rec.ModelName(), err)
	}
	return nil
}

// RedactAll redacts every record of a result set.
func (g *Gate) RedactAll(ctx context.Context, user rbac.User, recs []tracking.Tracked) error {
	for _, rec := range recs {
		if err := g.Redact(ctx, user, rec); err != nil {
			return err
		}
	}
	return nil
}

// Save checks user may write rec's changes and hands it to the ledger.
// An existing record needs write permission on every changed field; a new
// record needs CanCreate.
func (g *Gate) Save(ctx context.Context, user rbac.User, rec tracking.Tracked) error {
	if rec.Clobbered() {
		return g.deny(user, rec.ModelName(), "save", nil, "operation cannot be performed on a redacted record")
	}
	mt, set, err := g.permissions(ctx, user, rec)
	if err != nil {
		return err
	}
	if set != nil {
		if rec.IsNew() {
			if !canCreate(mt, set, rec, false) {
				return g.deny(user, mt.Name, "create", nil, fmt.Sprintf("user %d can't create %s records", user.ID, mt.Name))
			}
		} else {
			changed := make([]string, 0)
			for field := range rec.ChangedFields() {
				changed = append(changed, field)
			}
			if denied := set.DeniedWrites(changed); len(denied) > 0 {
				return g.deny(user, mt.Name, "save", denied, fmt.Sprintf("can't edit fields on %s", mt.Name))
			}
		}
	}
	return g.ledger.Save(ctx, user, rec, set)
}

// Delete removes rec when user may write every tracked field.
func (g *Gate) Delete(ctx context.Context, user rbac.User, rec tracking.Tracked) error {
	if rec.Clobbered() {
		return g.deny(user, rec.ModelName(), "delete", nil, "operation cannot be performed on a redacted record")
	}
	ok, err := g.CanDelete(ctx, user, rec)
	if err != nil {
		return err
	}
	if !ok {
		return g.deny(user, rec.ModelName(), "delete", nil, fmt.Sprintf("user %d can't delete %s records", user.ID, rec.ModelName()))
	}
	return g.ledger.Delete(ctx, user, rec)
}

// PendingFields lists rec's changed fields that would be recorded as pending
// edits when user saves it.
func (g *Gate) PendingFields(ctx context.Context, user rbac.User, rec tracking.Tracked) ([]string, error) {
	_, set, err := g.permissions(ctx, user, rec)
	if err != nil {
		return nil, err
	}
	return audit.PendingFields(rec, set), nil
}

// VisibleFields lists the fields of rec's model user can read.
func (g *Gate) VisibleFields(ctx context.Context, user rbac.User, rec tracking.Tracked) ([]string, error) {
	return g.ReadableFields(ctx, user, rec.TenantID(), rec.ModelName())
}

// FieldIsVisible reports whether user can read field on rec.
func (g *Gate) FieldIsVisible(ctx context.Context, user rbac.User, rec tracking.Tracked, field string) (bool, error) {
	fields, err := g.VisibleFields(ctx, user, rec)
	if err != nil {
		return false, err
	}
	return slices.Contains(fields, field), nil
}

// EditableFields lists the fields of rec's model user can write, directly or
// through an audit.
func (g *Gate) EditableFields(ctx context.Context, user rbac.User, rec tracking.Tracked) ([]string, error) {
	mt, set, err := g.permissions(ctx, user, rec)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return mt.TrackedFieldNames(), nil
	}
	return set.WritableFields(false), nil
}

// FieldIsEditable reports whether user can write field on rec.
func (g *Gate) FieldIsEditable(ctx context.Context, user rbac.User, rec tracking.Tracked, field string) (bool, error) {
	fields, err := g.EditableFields(ctx, user, rec)
	if err != nil {
		return false, err
	}
	return slices.Contains(fields, field), nil
}

// ReadableFields lists the fields of model user can read in tenant. Export
// and search collaborators use it to filter what they expose.
func (g *Gate) ReadableFields(ctx context.Context, user rbac.User, tenantID int64, model string) ([]string, error) {
	mt, err := g.registry.Lookup(model)
	if err != nil {
		return nil, err
	}
	if !mt.Authorizable {
		return mt.TrackedFieldNames(), nil
	}
	set, err := g.perms.PermissionsFor(ctx, user, tenantID, mt.Name)
	if err != nil {
		return nil, fmt.Errorf("authz: permissions for %s: %w", mt.Name, err)
	}
	return set.ReadableFields(), nil
}

// VisibleModels resolves the readable fields of every registered model for
// user in tenant. Models with no readable field are left out.
func (g *Gate) VisibleModels(ctx context.Context, user rbac.User, tenantID int64) (map[string][]string, error) {
	var (
		mu  sync.Mutex
		out = make(map[string][]string)
	)
	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range g.registry.Names() {
		eg.Go(func() error {
			fields, err := g.ReadableFields(ctx, user, tenantID, name)
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return nil
			}
			mu.Lock()
			out[name] = fields
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gate) deny(user rbac.User, model, op string, fields []string, reason string) error {
	g.metrics.AuthorizationDenied(model, op)
	g.logger.Warn("authorization denied",
		slog.String("model", model), slog.String("op", op),
		slog.Int64("user_id", user.ID), slog.Any("fields", fields))
	return &shared.AuthorizeError{UserID: user.ID, Model: model, Fields: fields, Reason: reason}
}
