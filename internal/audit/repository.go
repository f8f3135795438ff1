package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/treemap/internal/entity"
	"github.com/odyssey-erp/treemap/internal/platform/db"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Reader exposes audit lookups.
type Reader interface {
	Audit(ctx context.Context, id int64) (Audit, error)
	Audits(ctx context.Context, q Query) ([]Audit, error)
}

// TxRepository is the transactional view used by the write path and the
// approval engine.
type TxRepository interface {
	Reader
	reputation.Store

	CreateAudit(ctx context.Context, a Audit) (Audit, error)
	// LockAudit reads an audit and holds a row lock until the transaction ends.
	LockAudit(ctx context.Context, id int64) (Audit, error)
	// SetRef links the audit to its disposition. It fails with an AuditError
	// when a ref is already set.
	SetRef(ctx context.Context, id, refID int64) error

	LoadEntity(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (tracking.Model, error)
	EntityExists(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (bool, error)
	InsertEntity(ctx context.Context, mt *registry.ModelType, m tracking.Model) (int64, error)
	UpdateEntity(ctx context.Context, mt *registry.ModelType, m tracking.Model, fields []string) error
	DeleteEntity(ctx context.Context, mt *registry.ModelType, tenantID, id int64) error
	ReserveID(ctx context.Context, mt *registry.ModelType) (int64, error)
}

// Repository opens transactions over the ledger store.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// WithLockTx runs fn at read committed. A row lock taken with LockAudit
	// then waits for a concurrent disposition and returns the committed row.
	WithLockTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

type repository struct {
	db       db.Querier
	pool     *pgxpool.Pool
	entities *entity.Store
	*reputation.PGStore
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool, entities: entity.NewStore(pool), PGStore: reputation.NewStore(pool)}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.withTx(ctx, pgx.RepeatableRead, fn)
}

func (r *repository) WithLockTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.withTx(ctx, pgx.ReadCommitted, fn)
}

func (r *repository) withTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: iso}, func(tx pgx.Tx) error {
		repoTx := &repository{
			db:       tx,
			pool:     r.pool,
			entities: entity.NewStore(tx),
			PGStore:  reputation.NewStore(tx),
		}
		return fn(ctx, repoTx)
	})
}

const auditColumns = `id, model, model_id, instance_id, field, previous_value, current_value,
user_id, action, requires_auth, ref_id, created, updated`

func scanAudit(row pgx.Row) (Audit, error) {
	var (
		a                        Audit
		modelID, tenantID, ref   pgtype.Int8
		field, previous, current pgtype.Text
		action                   int32
	)
	if err := row.Scan(&a.ID, &a.Model, &modelID, &tenantID, &field, &previous, &current,
		&a.UserID, &action, &a.RequiresAuth, &ref, &a.Created, &a.Updated); err != nil {
		return Audit{}, err
	}
	a.Action = Action(action)
	a.ModelID = fromInt8(modelID)
	a.TenantID = fromInt8(tenantID)
	a.RefID = fromInt8(ref)
	if field.Valid {
		a.Field = field.String
	}
	a.PreviousValue = fromText(previous)
	a.CurrentValue = fromText(current)
	return a, nil
}

func (r *repository) Audit(ctx context.Context, id int64) (Audit, error) {
	a, err := scanAudit(r.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Audit{}, shared.ErrNotFound
	}
	return a, err
}

func (r *repository) LockAudit(ctx context.Context, id int64) (Audit, error) {
	a, err := scanAudit(r.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Audit{}, shared.ErrNotFound
	}
	return a, err
}

func (r *repository) Audits(ctx context.Context, q Query) ([]Audit, error) {
	sql, args := buildAuditQuery(q)
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func buildAuditQuery(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Model != "" {
		where = append(where, "model = "+arg(q.Model))
	}
	if q.ModelID != nil {
		where = append(where, "model_id = "+arg(*q.ModelID))
	}
	if q.TenantID != nil {
		where = append(where, "instance_id = "+arg(*q.TenantID))
	}
	if q.Field != nil {
		where = append(where, "field = "+arg(*q.Field))
	}
	if len(q.Actions) > 0 {
		codes := make([]int32, len(q.Actions))
		for i, a := range q.Actions {
			codes[i] = int32(a)
		}
		where = append(where, "action = ANY("+arg(codes)+")")
	}
	if q.RequiresAuth != nil {
		where = append(where, "requires_auth = "+arg(*q.RequiresAuth))
	}
	if q.Pending {
		where = append(where, "requires_auth AND ref_id IS NULL")
	}
	if q.RefAction != 0 {
		where = append(where, "ref_id IN (SELECT id FROM audits WHERE action = "+arg(int32(q.RefAction))+")")
	}
	if q.ExcludeID != 0 {
		where = append(where, "id <> "+arg(q.ExcludeID))
	}
	if q.UserID != 0 {
		where = append(where, "user_id = "+arg(q.UserID))
	}
	if !q.From.IsZero() {
		where = append(where, "created >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "created < "+arg(q.To))
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + auditColumns + ` FROM audits`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if q.Newest {
		b.WriteString(" ORDER BY created DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY created, id")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + arg(q.Offset))
	}
	return b.String(), args
}

func (r *repository) CreateAudit(ctx context.Context, a Audit) (Audit, error) {
	var field *string
	if a.Field != "" {
		field = &a.Field
	}
	return scanAudit(r.db.QueryRow(ctx, `INSERT INTO audits
(model, model_id, instance_id, field, previous_value, current_value, user_id, action, requires_auth, ref_id, created, updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
RETURNING `+auditColumns,
		a.Model, a.ModelID, a.TenantID, field, a.PreviousValue, a.CurrentValue,
		a.UserID, int32(a.Action), a.RequiresAuth, a.RefID))
}

func (r *repository) SetRef(ctx context.Context, id, refID int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE audits SET ref_id = $2, updated = NOW() WHERE id = $1 AND ref_id IS NULL`, id, refID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &shared.AuditError{AuditID: id, Reason: "already approved or rejected"}
	}
	return nil
}

func (r *repository) LoadEntity(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (tracking.Model, error) {
	return r.entities.Load(ctx, mt, tenantID, id)
}

func (r *repository) EntityExists(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (bool, error) {
	return r.entities.Exists(ctx, mt, tenantID, id)
}

func (r *repository) InsertEntity(ctx context.Context, mt *registry.ModelType, m tracking.Model) (int64, error) {
	return r.entities.Insert(ctx, mt, m)
}

func (r *repository) UpdateEntity(ctx context.Context, mt *registry.ModelType, m tracking.Model, fields []string) error {
	return r.entities.Update(ctx, mt, m, fields)
}

func (r *repository) DeleteEntity(ctx context.Context, mt *registry.ModelType, tenantID, id int64) error {
	return r.entities.Delete(ctx, mt, tenantID, id)
}

func (r *repository) ReserveID(ctx context.Context, mt *registry.ModelType) (int64, error) {
	return r.entities.ReserveID(ctx, mt)
}

func fromInt8(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func fromText(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	out := v.String
	return &out
}
