// Package entity persists registered domain models as plain rows. It knows
// nothing about permissions or audits; callers run it inside their transaction.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/treemap/internal/platform/db"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Store reads and writes model rows through q.
type Store struct {
	q db.Querier
}

// NewStore constructs a Store.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

func table(mt *registry.ModelType) string {
	return pgx.Identifier{mt.Table}.Sanitize()
}

func column(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Load reads one row of mt within tenant.
func (s *Store) Load(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (tracking.Model, error) {
	names := mt.FieldNames()
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = column(n)
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND %s = $2`,
		strings.Join(cols, ", "), table(mt), column(tracking.IDField), column(tracking.TenantField))
	rows, err := s.q.Query(ctx, sql, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("entity: load %s: %w", mt.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("entity: load %s: %w", mt.Name, err)
		}
		return nil, shared.ErrNotFound
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("entity: scan %s: %w", mt.Name, err)
	}
	m := mt.New(tenantID)
	for i, n := range names {
		if err := m.ApplyChange(n, values[i]); err != nil {
			return nil, fmt.Errorf("entity: %s.%s: %w", mt.Name, n, err)
		}
	}
	return m, rows.Err()
}

// Exists reports whether a row with id exists in tenant.
func (s *Store) Exists(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (bool, error) {
	var ok bool
	sql := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND %s = $2)`,
		table(mt), column(tracking.IDField), column(tracking.TenantField))
	if err := s.q.QueryRow(ctx, sql, id, tenantID).Scan(&ok); err != nil {
		return false, fmt.Errorf("entity: exists %s: %w", mt.Name, err)
	}
	return ok, nil
}

// Insert writes m as a new row and returns its id. A primary key already set
// on m, such as a reserved one, is written explicitly.
func (s *Store) Insert(ctx context.Context, mt *registry.ModelType, m tracking.Model) (int64, error) {
	values := m.Values()
	values[tracking.TenantField] = m.TenantID()
	if id, ok := m.PrimaryKey(); ok {
		values[tracking.IDField] = id
	} else {
		delete(values, tracking.IDField)
	}
	for _, f := range mt.Fields {
		if f.HasDefault && values[f.Name] == nil {
			delete(values, f.Name)
		}
	}
	names := sortedKeys(values)
	cols := make([]string, len(names))
	params := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		cols[i] = column(n)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[n]
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		table(mt), strings.Join(cols, ", "), strings.Join(params, ", "), column(tracking.IDField))
	var id int64
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if db.IsUniqueViolation(err) {
			return 0, &shared.IntegrityError{Reason: fmt.Sprintf("%s row already exists", mt.Name), Err: err}
		}
		return 0, fmt.Errorf("entity: insert %s: %w", mt.Name, err)
	}
	m.SetPrimaryKey(id)
	return id, nil
}

// Update writes the listed fields of m.
func (s *Store) Update(ctx context.Context, mt *registry.ModelType, m tracking.Model, fields []string) error {
	id, ok := m.PrimaryKey()
	if !ok {
		return fmt.Errorf("entity: update %s without primary key", mt.Name)
	}
	if len(fields) == 0 {
		return nil
	}
	values := m.Values()
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+2)
	for _, f := range fields {
		if f == tracking.IDField || f == tracking.TenantField {
			continue
		}
		args = append(args, values[f])
		sets = append(sets, fmt.Sprintf("%s = $%d", column(f), len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, m.TenantID())
	sql := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d AND %s = $%d`,
		table(mt), strings.Join(sets, ", "), column(tracking.IDField), len(args)-1, column(tracking.TenantField), len(args))
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("entity: update %s: %w", mt.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes one row. A missing row is not an error.
func (s *Store) Delete(ctx context.Context, mt *registry.ModelType, tenantID, id int64) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2`,
		table(mt), column(tracking.IDField), column(tracking.TenantField))
	if _, err := s.q.Exec(ctx, sql, id, tenantID); err != nil {
		return fmt.Errorf("entity: delete %s: %w", mt.Name, err)
	}
	return nil
}

// ReserveID draws the next primary key of mt from its identity sequence.
func (s *Store) ReserveID(ctx context.Context, mt *registry.ModelType) (int64, error) {
	id, err := db.NextVal(ctx, s.q, mt.SequenceName())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, &shared.IntegrityError{Reason: "reserve " + mt.Name + " id", Err: err}
	}
	return id, nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
