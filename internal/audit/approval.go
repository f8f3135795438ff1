package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Permissions resolves a user's field permissions on a model.
type Permissions interface {
	PermissionsFor(ctx context.Context, user rbac.User, tenantID int64, model string) (rbac.PermissionSet, error)
}

// Engine approves and rejects audits. Every disposition runs in its own
// transaction together with the data change it implies.
type Engine struct {
	ledger *Ledger
	perms  Permissions
}

// NewEngine constructs an Engine over ledger.
func NewEngine(ledger *Ledger, perms Permissions) *Engine {
	return &Engine{ledger: ledger, perms: perms}
}

// Approve applies a pending audit to its record. Approving an identity audit
// materializes the record from its approved sibling audits.
func (e *Engine) Approve(ctx context.Context, user rbac.User, auditID int64) (Audit, error) {
	return e.run(ctx, user, auditID, ActionPendingApprove)
}

// Reject discards a pending audit. Rejecting an identity audit rejects every
// pending sibling audit of the same reserved record.
func (e *Engine) Reject(ctx context.Context, user rbac.User, auditID int64) (Audit, error) {
	return e.run(ctx, user, auditID, ActionPendingReject)
}

// ReviewApprove annotates an already applied audit as accepted.
func (e *Engine) ReviewApprove(ctx context.Context, user rbac.User, auditID int64) (Audit, error) {
	return e.run(ctx, user, auditID, ActionReviewApprove)
}

// ReviewReject reverts an already applied audit when it is still the newest
// change of its field. Rejecting an identity audit deletes the record.
func (e *Engine) ReviewReject(ctx context.Context, user rbac.User, auditID int64) (Audit, error) {
	return e.run(ctx, user, auditID, ActionReviewReject)
}

func (e *Engine) run(ctx context.Context, user rbac.User, auditID int64, action Action) (Audit, error) {
	var disposition Audit
	err := e.ledger.repo.WithLockTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		switch action {
		case ActionPendingApprove, ActionPendingReject:
			disposition, err = e.disposePending(ctx, tx, user, auditID, action == ActionPendingApprove)
		default:
			disposition, err = e.review(ctx, tx, user, auditID, action == ActionReviewApprove)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, shared.ErrIntegrity) {
			e.ledger.logger.Error("audit disposition", slog.Any("error", err),
				slog.Int64("audit_id", auditID), slog.String("action", action.String()))
		}
		return Audit{}, err
	}
	e.ledger.logger.Info("audit disposed",
		slog.Int64("audit_id", auditID), slog.Int64("ref_id", disposition.ID),
		slog.String("action", action.String()), slog.String("model", disposition.Model),
		slog.String("field", disposition.Field), slog.Int64("user_id", user.ID))
	return disposition, nil
}

func (e *Engine) disposePending(ctx context.Context, tx TxRepository, user rbac.User, auditID int64, approved bool) (Audit, error) {
	a, err := tx.LockAudit(ctx, auditID)
	if err != nil {
		return Audit{}, fmt.Errorf("audit: load %d: %w", auditID, err)
	}
	if a.RefID != nil {
		return Audit{}, &shared.AuditError{AuditID: a.ID, Reason: "already approved or rejected"}
	}
	if !a.RequiresAuth {
		return Audit{}, &shared.AuditError{AuditID: a.ID, Reason: "audit is not pending; review it instead"}
	}
	if err := e.authorize(ctx, user, a); err != nil {
		return Audit{}, err
	}
	mt, err := e.ledger.registry.Lookup(a.Model)
	if err != nil {
		return Audit{}, err
	}

	action := ActionPendingReject
	if approved {
		action = ActionPendingApprove
		if err := e.apply(ctx, tx, mt, a); err != nil {
			return Audit{}, err
		}
	} else if a.IsIdentity() {
		related, err := relatedAudits(ctx, tx, a, false)
		if err != nil {
			return Audit{}, fmt.Errorf("audit: related audits: %w", err)
		}
		for _, sibling := range related {
			if !sibling.IsPending() {
				continue
			}
			if _, err := e.disposePending(ctx, tx, user, sibling.ID, false); err != nil {
				return Audit{}, err
			}
		}
	}
	return e.dispose(ctx, tx, user, a, action)
}

func (e *Engine) review(ctx context.Context, tx TxRepository, user rbac.User, auditID int64, approved bool) (Audit, error) {
	a, err := tx.LockAudit(ctx, auditID)
	if err != nil {
		return Audit{}, fmt.Errorf("audit: load %d: %w", auditID, err)
	}
	if a.RefID != nil {
		return Audit{}, &shared.AuditError{AuditID: a.ID, Reason: "already approved or rejected"}
	}
	if a.RequiresAuth {
		return Audit{}, &shared.AuditError{AuditID: a.ID, Reason: "audit is pending, so it can't be reviewed"}
	}
	if a.Action != ActionInsert && a.Action != ActionUpdate {
		return Audit{}, &shared.AuditError{AuditID: a.ID, Reason: fmt.Sprintf("%s audits can't be reviewed", a.Action)}
	}
	if err := e.authorize(ctx, user, a); err != nil {
		return Audit{}, err
	}
	mt, err := e.ledger.registry.Lookup(a.Model)
	if err != nil {
		return Audit{}, err
	}
	action := ActionReviewApprove
	if !approved {
		action = ActionReviewReject
		if err := e.revert(ctx, tx, mt, a); err != nil {
			return Audit{}, err
		}
	}
	return e.dispose(ctx, tx, user, a, action)
}

// dispose records the disposition audit, links it as a's ref and scores the
// original author when a required approval.
func (e *Engine) dispose(ctx context.Context, tx TxRepository, user rbac.User, a Audit, action Action) (Audit, error) {
	disposition, err := e.ledger.record(ctx, tx, Audit{
		Model:         a.Model,
		ModelID:       a.ModelID,
		TenantID:      a.TenantID,
		Field:         a.Field,
		PreviousValue: a.PreviousValue,
		CurrentValue:  a.CurrentValue,
		UserID:        user.ID,
		Action:        action,
	})
	if err != nil {
		return Audit{}, err
	}
	if err := tx.SetRef(ctx, a.ID, disposition.ID); err != nil {
		return Audit{}, err
	}
	a.RefID = &disposition.ID
	if a.RequiresAuth {
		if err := e.ledger.scorer.Observe(ctx, tx, scoreEvent(a, dispositionOf(action))); err != nil {
			return Audit{}, err
		}
	}
	e.ledger.metrics.AuditDisposed(a.Model, action.String())
	return disposition, nil
}

func dispositionOf(action Action) reputation.Disposition {
	switch action {
	case ActionPendingApprove:
		return reputation.Approved
	case ActionPendingReject:
		return reputation.Rejected
	default:
		return reputation.Reviewed
	}
}

// authorize requires write-directly on the audit's field.
func (e *Engine) authorize(ctx context.Context, user rbac.User, a Audit) error {
	if user.IsAnonymous() {
		return &shared.AuthorizeError{Model: a.Model, Fields: []string{a.Field}, Reason: "anonymous users can't dispose audits"}
	}
	if a.TenantID == nil {
		return &shared.AuthorizeError{UserID: user.ID, Model: a.Model, Reason: "audit has no instance"}
	}
	set, err := e.perms.PermissionsFor(ctx, user, *a.TenantID, a.Model)
	if err != nil {
		return err
	}
	if !set.Level(a.Field).AllowsDirectWrite() {
		return &shared.AuthorizeError{
			UserID: user.ID,
			Model:  a.Model,
			Fields: []string{a.Field},
			Reason: fmt.Sprintf("user %d can't edit field %s on model %s", user.ID, a.Field, a.Model),
		}
	}
	return nil
}

// apply writes an approved value to the live record. A field audit of a record
// that does not exist yet is applied when its identity audit is approved.
func (e *Engine) apply(ctx context.Context, tx TxRepository, mt *registry.ModelType, a Audit) error {
	if a.ModelID == nil {
		return shared.Integrityf("audit %d has no model id", a.ID)
	}
	tenantID := derefTenant(a.TenantID)
	m, err := tx.LoadEntity(ctx, mt, tenantID, *a.ModelID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		if a.IsIdentity() {
			return e.materialize(ctx, tx, mt, a)
		}
		return nil
	case err != nil:
		return err
	case a.IsIdentity():
		return nil
	}
	value, err := mt.Decode(a.Field, a.CurrentValue)
	if err != nil {
		return err
	}
	if err := m.ApplyChange(a.Field, value); err != nil {
		return fmt.Errorf("audit: apply %s.%s: %w", mt.Name, a.Field, err)
	}
	return tx.UpdateEntity(ctx, mt, m, []string{a.Field})
}

// materialize inserts a pending-insert record built from its approved sibling
// audits. Every field required to create the record needs an approved audit.
func (e *Engine) materialize(ctx context.Context, tx TxRepository, mt *registry.ModelType, identity Audit) error {
	tenantID := derefTenant(identity.TenantID)
	m := mt.New(tenantID)
	m.SetPrimaryKey(*identity.ModelID)
	approved, err := relatedAudits(ctx, tx, identity, true)
	if err != nil {
		return fmt.Errorf("audit: approved related audits: %w", err)
	}
	set := make(map[string]struct{}, len(approved))
	for _, a := range approved {
		value, err := mt.Decode(a.Field, a.CurrentValue)
		if err != nil {
			return err
		}
		if err := m.ApplyChange(a.Field, value); err != nil {
			return fmt.Errorf("audit: apply %s.%s: %w", mt.Name, a.Field, err)
		}
		set[a.Field] = struct{}{}
	}
	var missing []string
	for _, field := range mt.RequiredForCreate() {
		if _, ok := set[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return shared.Integrityf("%s %d has no approved value for %s", mt.Name, *identity.ModelID, strings.Join(missing, ", "))
	}
	if err := e.validateForeignKeys(ctx, tx, mt, m); err != nil {
		return err
	}
	_, err = tx.InsertEntity(ctx, mt, m)
	return err
}

// validateForeignKeys fails when a required reference is null or a reference
// points at a record that does not exist.
func (e *Engine) validateForeignKeys(ctx context.Context, tx TxRepository, mt *registry.ModelType, m tracking.Model) error {
	values := m.Values()
	id, _ := m.PrimaryKey()
	for _, fk := range mt.ForeignKeys() {
		raw := values[fk.Name]
		if raw == nil {
			if !fk.Nullable {
				return shared.Integrityf("%s %d has null required field %s", mt.Name, id, fk.Name)
			}
			continue
		}
		ref, err := registry.Convert(registry.KindInt, raw)
		if err != nil {
			return err
		}
		target, err := e.ledger.registry.Lookup(fk.References)
		if err != nil {
			return err
		}
		ok, err := tx.EntityExists(ctx, target, m.TenantID(), ref.(int64))
		if err != nil {
			return err
		}
		if !ok {
			return shared.Integrityf("%s %d has non-existent %s %d", mt.Name, id, fk.Name, ref)
		}
	}
	return nil
}

// revert undoes a concrete audit on the live record, but only while it is the
// newest applied change of its field. A missing record is left alone.
func (e *Engine) revert(ctx context.Context, tx TxRepository, mt *registry.ModelType, a Audit) error {
	if a.ModelID == nil {
		return nil
	}
	tenantID := derefTenant(a.TenantID)
	m, err := tx.LoadEntity(ctx, mt, tenantID, *a.ModelID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.IsIdentity() {
		return tx.DeleteEntity(ctx, mt, tenantID, *a.ModelID)
	}
	latest, err := tx.Audits(ctx, Query{
		Model:        a.Model,
		ModelID:      a.ModelID,
		TenantID:     a.TenantID,
		Field:        stringPtr(a.Field),
		Actions:      []Action{ActionInsert, ActionUpdate, ActionPendingApprove},
		RequiresAuth: boolPtr(false),
		Newest:       true,
		Limit:        1,
	})
	if err != nil {
		return err
	}
	if len(latest) == 0 || latest[0].ID != a.ID {
		e.ledger.logger.Info("review reject superseded by a newer edit",
			slog.Int64("audit_id", a.ID), slog.String("model", a.Model), slog.String("field", a.Field))
		return nil
	}
	value, err := mt.Decode(a.Field, a.PreviousValue)
	if err != nil {
		return err
	}
	if err := m.ApplyChange(a.Field, value); err != nil {
		return fmt.Errorf("audit: revert %s.%s: %w", mt.Name, a.Field, err)
	}
	return tx.UpdateEntity(ctx, mt, m, []string{a.Field})
}

func derefTenant(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
