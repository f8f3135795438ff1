package rbac

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treemap/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	userRoles    map[[2]int64][]Role
	defaultRoles map[int64]Role
	perms        map[int64][]FieldPermission
	permCalls    int
	nextID       int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		userRoles:    make(map[[2]int64][]Role),
		defaultRoles: make(map[int64]Role),
		perms:        make(map[int64][]FieldPermission),
		nextID:       100,
	}
}

func (m *mockRepository) UserRoles(ctx context.Context, userID, tenantID int64) ([]Role, error) {
	return m.userRoles[[2]int64{userID, tenantID}], nil
}

func (m *mockRepository) DefaultRole(ctx context.Context, tenantID int64) (Role, error) {
	role, ok := m.defaultRoles[tenantID]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (m *mockRepository) FieldPermissions(ctx context.Context, roleID int64, model string) ([]FieldPermission, error) {
	m.permCalls++
	var out []FieldPermission
	for _, p := range m.perms[roleID] {
		if p.ModelName == model {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepository) CreateRole(ctx context.Context, role Role) (Role, error) {
	m.nextID++
	role.ID = m.nextID
	return role, nil
}

func (m *mockRepository) FindRole(ctx context.Context, tenantID int64, name string) (Role, error) {
	return Role{}, shared.ErrNotFound
}

func (m *mockRepository) AssignRole(ctx context.Context, userID, roleID int64) error {
	return nil
}

func (m *mockRepository) SetDefaultRole(ctx context.Context, tenantID, roleID int64) error {
	m.defaultRoles[tenantID] = Role{ID: roleID}
	return nil
}

func (m *mockRepository) UpsertFieldPermission(ctx context.Context, p FieldPermission) (FieldPermission, error) {
	rows := m.perms[p.RoleID]
	for i := range rows {
		if rows[i].ModelName == p.ModelName && rows[i].FieldName == p.FieldName {
			rows[i].Level = p.Level
			return rows[i], nil
		}
	}
	m.nextID++
	p.ID = m.nextID
	m.perms[p.RoleID] = append(rows, p)
	return p, nil
}

func (m *mockRepository) grant(roleID int64, model, field string, level Level) {
	m.perms[roleID] = append(m.perms[roleID], FieldPermission{RoleID: roleID, TenantID: 1, ModelName: model, FieldName: field, Level: level})
}

// ============================================================================
// TESTS
// ============================================================================

func TestPermissionsForUsesUserRole(t *testing.T) {
	repo := newMockRepository()
	repo.userRoles[[2]int64{7, 1}] = []Role{{ID: 2, Name: "editor"}}
	repo.defaultRoles[1] = Role{ID: 1, Name: "default"}
	repo.grant(2, "Tree", "diameter", WriteWithAudit)
	repo.grant(2, "Plot", "geom", WriteDirectly)

	set, err := NewResolver(repo, nil, nil).PermissionsFor(context.Background(), User{ID: 7}, 1, "Tree")
	require.NoError(t, err)
	assert.Equal(t, int64(2), set.RoleID)
	assert.Equal(t, WriteWithAudit, set.Level("diameter"))
	assert.Equal(t, Deferred, set.Decide("diameter"))
	assert.Equal(t, None, set.Level("geom"))
}

func TestPermissionsForFallsBackToDefaultRole(t *testing.T) {
	repo := newMockRepository()
	repo.defaultRoles[1] = Role{ID: 1, Name: "default"}
	repo.grant(1, "Plot", "geom", ReadOnly)
	resolver := NewResolver(repo, nil, nil)

	for _, user := range []User{Anonymous(), {ID: 99}} {
		set, err := resolver.PermissionsFor(context.Background(), user, 1, "Plot")
		require.NoError(t, err)
		assert.Equal(t, int64(1), set.RoleID)
		assert.Equal(t, []string{"geom"}, set.ReadableFields())
		assert.Empty(t, set.WritableFields(false))
	}
}

func TestPermissionsForRejectsMultipleRoles(t *testing.T) {
	repo := newMockRepository()
	repo.userRoles[[2]int64{7, 1}] = []Role{{ID: 2}, {ID: 3}}
	repo.defaultRoles[1] = Role{ID: 1}

	_, err := NewResolver(repo, nil, nil).PermissionsFor(context.Background(), User{ID: 7}, 1, "Tree")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrIntegrity)
}

func TestPermissionsForMissingDefaultRoleIsIntegrityError(t *testing.T) {
	_, err := NewResolver(newMockRepository(), nil, nil).PermissionsFor(context.Background(), Anonymous(), 5, "Tree")
	assert.ErrorIs(t, err, shared.ErrIntegrity)
}

func TestResolverCachesPermissionRows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)

	repo := newMockRepository()
	repo.defaultRoles[1] = Role{ID: 1}
	repo.grant(1, "Tree", "height", WriteDirectly)
	resolver := NewResolver(repo, cache, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		set, err := resolver.PermissionsFor(ctx, Anonymous(), 1, "Tree")
		require.NoError(t, err)
		assert.Equal(t, Allowed, set.Decide("height"))
	}
	assert.Equal(t, 1, repo.permCalls)

	require.NoError(t, cache.Invalidate(ctx))
	_, err := resolver.PermissionsFor(ctx, Anonymous(), 1, "Tree")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.permCalls)
}

func TestReadableFieldsExportSurface(t *testing.T) {
	repo := newMockRepository()
	repo.defaultRoles[1] = Role{ID: 1}
	repo.grant(1, "Tree", "height", ReadOnly)
	repo.grant(1, "Tree", "diameter", WriteDirectly)
	repo.grant(1, "Tree", "species_id", None)

	fields, err := NewResolver(repo, nil, nil).ReadableFields(context.Background(), Anonymous(), 1, "Tree")
	require.NoError(t, err)
	assert.Equal(t, []string{"diameter", "height"}, fields)
}
