package audit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Recorder receives ledger counters. Implementations must be safe for concurrent use.
type Recorder interface {
	AuditRecorded(model, action string, pending bool)
	AuditDisposed(model, action string)
}

type noopRecorder struct{}

func (noopRecorder) AuditRecorded(string, string, bool) {}

func (noopRecorder) AuditDisposed(string, string) {}

// Ledger is the audit write path and its read queries.
type Ledger struct {
	repo     Repository
	registry *registry.Registry
	scorer   *reputation.Scorer
	metrics  Recorder
	logger   *slog.Logger
}

// NewLedger constructs a Ledger. metrics may be nil.
func NewLedger(repo Repository, reg *registry.Registry, scorer *reputation.Scorer, metrics Recorder, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if scorer == nil {
		scorer = reputation.NewScorer(logger)
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Ledger{repo: repo, registry: reg, scorer: scorer, metrics: metrics, logger: logger}
}

// PendingFields lists the changed fields perms only grants write-with-audit on.
// A nil set treats every write as direct.
func PendingFields(rec tracking.Tracked, perms *rbac.PermissionSet) []string {
	if perms == nil {
		return nil
	}
	var out []string
	for field := range rec.ChangedFields() {
		if field == tracking.IDField {
			continue
		}
		if perms.Decide(field) == rbac.Deferred {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// Save persists rec and records one audit per changed field. Fields perms
// grants only write-with-audit are reverted on rec and recorded as pending.
// A new record the user cannot create directly becomes a pending insert: its id
// is reserved but no row is written. perms is nil for models that are not
// mediated by field permissions.
func (l *Ledger) Save(ctx context.Context, user rbac.User, rec tracking.Tracked, perms *rbac.PermissionSet) error {
	if user.IsAnonymous() {
		return &shared.AuthorizeError{Model: rec.ModelName(), Reason: "anonymous users cannot write"}
	}
	if rec.PendingInsert() {
		return &shared.AuditError{Reason: fmt.Sprintf("%s was already saved as a pending insert", rec.ModelName())}
	}
	mt, err := l.registry.Lookup(rec.ModelName())
	if err != nil {
		return err
	}
	isInsert := rec.IsNew()
	changes := rec.ChangedFields()
	delete(changes, tracking.IDField)
	if !isInsert && len(changes) == 0 {
		return nil
	}

	action := ActionUpdate
	if isInsert {
		action = ActionInsert
	}
	pendingInsert := isInsert && perms != nil && !perms.CanWrite(mt.CreateFields(rec), true)

	// A new record reports its defaults as changed from nothing. Those are
	// written through even when the user has no write permission on them.
	var defaults map[string]any
	if isInsert {
		defaults = mt.New(rec.TenantID()).Values()
	}

	var direct, pending []string
	for field, change := range changes {
		switch {
		case pendingInsert:
			pending = append(pending, field)
		case perms == nil:
			direct = append(direct, field)
		default:
			switch perms.Decide(field) {
			case rbac.Allowed:
				direct = append(direct, field)
			case rbac.Deferred:
				pending = append(pending, field)
			default:
				if isInsert && tracking.Equal(defaults[field], change.New) {
					direct = append(direct, field)
					continue
				}
				return &shared.AuthorizeError{UserID: user.ID, Model: mt.Name, Fields: []string{field}, Reason: "field is not writable"}
			}
		}
	}
	sort.Strings(direct)
	sort.Strings(pending)

	for _, field := range pending {
		if err := rec.ApplyChange(field, changes[field].Old); err != nil {
			return fmt.Errorf("audit: revert %s.%s: %w", mt.Name, field, err)
		}
	}
	restore := func() {
		for _, field := range pending {
			_ = rec.ApplyChange(field, changes[field].New)
		}
		if isInsert {
			rec.SetPrimaryKey(0)
		}
	}

	tenantID := tenantPtr(rec.TenantID())
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var (
			id  int64
			err error
		)
		switch {
		case pendingInsert:
			id, err = tx.ReserveID(ctx, mt)
			if err != nil {
				return err
			}
			rec.SetPrimaryKey(id)
		case isInsert:
			id, err = tx.InsertEntity(ctx, mt, rec.Model())
			if err != nil {
				return err
			}
		default:
			id, _ = rec.PrimaryKey()
			if err := tx.UpdateEntity(ctx, mt, rec.Model(), direct); err != nil {
				return err
			}
		}

		write := func(field string, change tracking.Change, requiresAuth bool) error {
			prev, err := mt.Encode(field, change.Old)
			if err != nil {
				return err
			}
			cur, err := mt.Encode(field, change.New)
			if err != nil {
				return err
			}
			_, err = l.record(ctx, tx, Audit{
				Model:         mt.Name,
				ModelID:       int64Ptr(id),
				TenantID:      tenantID,
				Field:         field,
				PreviousValue: prev,
				CurrentValue:  cur,
				UserID:        user.ID,
				Action:        action,
				RequiresAuth:  requiresAuth,
			})
			return err
		}
		for _, field := range direct {
			if err := write(field, changes[field], false); err != nil {
				return err
			}
		}
		for _, field := range pending {
			if err := write(field, changes[field], true); err != nil {
				return err
			}
		}
		if isInsert {
			return write(tracking.IDField, tracking.Change{New: id}, pendingInsert)
		}
		return nil
	})
	if err != nil {
		restore()
		return err
	}

	if pendingInsert {
		rec.MarkPendingInsert()
	} else {
		rec.Snapshot()
	}
	if len(pending) > 0 {
		id, _ := rec.PrimaryKey()
		l.logger.Info("pending edits recorded",
			slog.String("model", mt.Name), slog.Int64("model_id", id),
			slog.Int64("user_id", user.ID), slog.Int("fields", len(pending)),
			slog.Bool("pending_insert", pendingInsert))
	}
	return nil
}

// Delete removes rec's row and records a Delete audit.
func (l *Ledger) Delete(ctx context.Context, user rbac.User, rec tracking.Tracked) error {
	if user.IsAnonymous() {
		return &shared.AuthorizeError{Model: rec.ModelName(), Reason: "anonymous users cannot delete"}
	}
	if rec.PendingInsert() {
		return &shared.AuditError{Reason: fmt.Sprintf("%s is a pending insert; reject its identity audit instead", rec.ModelName())}
	}
	id, ok := rec.PrimaryKey()
	if !ok {
		return &shared.AuditError{Reason: fmt.Sprintf("%s has not been saved", rec.ModelName())}
	}
	mt, err := l.registry.Lookup(rec.ModelName())
	if err != nil {
		return err
	}
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeleteEntity(ctx, mt, rec.TenantID(), id); err != nil {
			return err
		}
		_, err := l.record(ctx, tx, Audit{
			Model:    mt.Name,
			ModelID:  int64Ptr(id),
			TenantID: tenantPtr(rec.TenantID()),
			UserID:   user.ID,
			Action:   ActionDelete,
		})
		return err
	})
	if err != nil {
		return err
	}
	rec.Forget()
	return nil
}

// record writes one audit and lets the scorer observe it.
func (l *Ledger) record(ctx context.Context, tx TxRepository, a Audit) (Audit, error) {
	created, err := tx.CreateAudit(ctx, a)
	if err != nil {
		return Audit{}, fmt.Errorf("audit: create: %w", err)
	}
	if err := l.scorer.Observe(ctx, tx, scoreEvent(created, reputation.Undisposed)); err != nil {
		return Audit{}, err
	}
	l.metrics.AuditRecorded(created.Model, created.Action.String(), created.RequiresAuth)
	return created, nil
}

func scoreEvent(a Audit, d reputation.Disposition) reputation.Event {
	return reputation.Event{
		AuditID:      a.ID,
		TenantID:     a.TenantID,
		UserID:       a.UserID,
		Model:        a.Model,
		Action:       a.Action.String(),
		RequiresAuth: a.RequiresAuth,
		Disposition:  d,
	}
}

// AuditsForObject returns the audits of one record, oldest first.
func (l *Ledger) AuditsForObject(ctx context.Context, model string, tenantID, id int64) ([]Audit, error) {
	return l.repo.Audits(ctx, Query{Model: model, ModelID: int64Ptr(id), TenantID: tenantPtr(tenantID)})
}

// ActivePendingAudits returns the undisposed pending audits of one record, newest first.
func (l *Ledger) ActivePendingAudits(ctx context.Context, model string, tenantID, id int64) ([]Audit, error) {
	return l.repo.Audits(ctx, Query{Model: model, ModelID: int64Ptr(id), TenantID: tenantPtr(tenantID), Pending: true, Newest: true})
}

// PendingAudits returns every undisposed pending audit of a tenant, oldest first.
func (l *Ledger) PendingAudits(ctx context.Context, tenantID int64) ([]Audit, error) {
	return l.repo.Audits(ctx, Query{TenantID: tenantPtr(tenantID), Pending: true})
}

// Audit returns one audit.
func (l *Ledger) Audit(ctx context.Context, id int64) (Audit, error) {
	return l.repo.Audit(ctx, id)
}

// RelatedAudits returns the other Insert audits that belong to the same
// record as an identity audit. approvedOnly keeps those approved while pending.
func (l *Ledger) RelatedAudits(ctx context.Context, identity Audit, approvedOnly bool) ([]Audit, error) {
	return relatedAudits(ctx, l.repo, identity, approvedOnly)
}

func relatedAudits(ctx context.Context, r Reader, identity Audit, approvedOnly bool) ([]Audit, error) {
	if identity.ModelID == nil {
		return nil, nil
	}
	q := Query{
		Model:     identity.Model,
		ModelID:   identity.ModelID,
		TenantID:  identity.TenantID,
		Actions:   []Action{ActionInsert},
		ExcludeID: identity.ID,
	}
	if approvedOnly {
		q.RefAction = ActionPendingApprove
	}
	return r.Audits(ctx, q)
}

// RecordHash fingerprints the current revision of a record: the md5 of its
// newest audit id.
func (l *Ledger) RecordHash(ctx context.Context, model string, tenantID, id int64) (string, error) {
	audits, err := l.repo.Audits(ctx, Query{Model: model, ModelID: int64Ptr(id), TenantID: tenantPtr(tenantID), Newest: true, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(audits) == 0 {
		return "", shared.ErrNotFound
	}
	sum := md5.Sum([]byte(strconv.FormatInt(audits[0].ID, 10)))
	return hex.EncodeToString(sum[:]), nil
}

func tenantPtr(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
