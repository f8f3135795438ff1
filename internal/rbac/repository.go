package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/treemap/internal/shared"
)

// Repository provides PostgreSQL backed persistence for roles and field permissions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `r.id, r.name, r.instance_id, r.rep_thresh, r.created_at, r.updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var (
		role     Role
		tenantID pgtype.Int8
	)
	if err := row.Scan(&role.ID, &role.Name, &tenantID, &role.RepThreshold, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	if tenantID.Valid {
		v := tenantID.Int64
		role.TenantID = &v
	}
	return role, nil
}

// UserRoles returns every role the user holds within tenant.
func (r *Repository) UserRoles(ctx context.Context, userID, tenantID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+`
FROM roles r JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = $1 AND r.instance_id = $2 ORDER BY r.id`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// DefaultRole returns the tenant's default role, or the tenant-less default
// role when the tenant has none.
func (r *Repository) DefaultRole(ctx context.Context, tenantID int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+`
FROM instances i JOIN roles r ON r.id = i.default_role_id WHERE i.id = $1`, tenantID))
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Role{}, err
	}
	role, err = scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+`
FROM roles r WHERE r.instance_id IS NULL ORDER BY r.id LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, shared.ErrNotFound
	}
	return role, err
}

// FieldPermissions returns the role's rows for model.
func (r *Repository) FieldPermissions(ctx context.Context, roleID int64, model string) ([]FieldPermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, role_id, instance_id, model_name, field_name, permission_level
FROM field_permissions WHERE role_id = $1 AND model_name = $2 ORDER BY field_name`, roleID, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []FieldPermission
	for rows.Next() {
		var p FieldPermission
		var level int32
		if err := rows.Scan(&p.ID, &p.RoleID, &p.TenantID, &p.ModelName, &p.FieldName, &level); err != nil {
			return nil, err
		}
		p.Level = Level(level)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreateRole inserts a role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `INSERT INTO roles AS r (name, instance_id, rep_thresh, created_at, updated_at)
VALUES ($1, $2, $3, NOW(), NOW()) RETURNING `+roleColumns, role.Name, role.TenantID, role.RepThreshold))
}

// FindRole looks a role up by tenant and name.
func (r *Repository) FindRole(ctx context.Context, tenantID int64, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+`
FROM roles r WHERE r.instance_id = $1 AND r.name = $2`, tenantID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, shared.ErrNotFound
	}
	return role, err
}

// AssignRole links a user to a role. Existing links are kept.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
ON CONFLICT (user_id, role_id) DO NOTHING`, userID, roleID)
	return err
}

// SetDefaultRole points the tenant at its default role.
func (r *Repository) SetDefaultRole(ctx context.Context, tenantID, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE instances SET default_role_id = $2 WHERE id = $1`, tenantID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// UpsertFieldPermission keeps at most one row per (role, model, field).
func (r *Repository) UpsertFieldPermission(ctx context.Context, p FieldPermission) (FieldPermission, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO field_permissions (role_id, instance_id, model_name, field_name, permission_level)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (role_id, model_name, field_name) DO UPDATE SET permission_level = EXCLUDED.permission_level
RETURNING id`, p.RoleID, p.TenantID, p.ModelName, p.FieldName, int32(p.Level)).Scan(&p.ID)
	if err != nil {
		return FieldPermission{}, err
	}
	return p, nil
}
