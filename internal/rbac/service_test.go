package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

type stubModel struct{ tenant int64 }

func (s *stubModel) ModelName() string             { return "Shrub" }
func (s *stubModel) PrimaryKey() (int64, bool)     { return 0, false }
func (s *stubModel) SetPrimaryKey(int64)           {}
func (s *stubModel) TenantID() int64               { return s.tenant }
func (s *stubModel) Values() map[string]any        { return map[string]any{} }
func (s *stubModel) ApplyChange(string, any) error { return nil }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	newStub := func(tenant int64) tracking.Model { return &stubModel{tenant: tenant} }
	reg, err := registry.New(
		&registry.ModelType{
			Name:  "Shrub",
			Table: "shrubs",
			Fields: []registry.Field{
				{Name: "id", Kind: registry.KindInt, PrimaryKey: true},
				{Name: "instance_id", Kind: registry.KindInt},
				{Name: "height", Kind: registry.KindFloat, Nullable: true},
				{Name: "name", Kind: registry.KindString},
			},
			Authorizable: true,
			New:          newStub,
		},
		&registry.ModelType{
			Name:   "Note",
			Table:  "notes",
			Fields: []registry.Field{{Name: "id", Kind: registry.KindInt, PrimaryKey: true}, {Name: "body", Kind: registry.KindString}},
			New:    newStub,
		},
	)
	require.NoError(t, err)
	return reg
}

func TestSetFieldPermissionValidation(t *testing.T) {
	svc := NewService(newMockRepository(), testRegistry(t), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		perm FieldPermission
	}{
		{"unknown model", FieldPermission{RoleID: 1, TenantID: 1, ModelName: "Hedge", FieldName: "height", Level: ReadOnly}},
		{"unknown field", FieldPermission{RoleID: 1, TenantID: 1, ModelName: "Shrub", FieldName: "girth", Level: ReadOnly}},
		{"not authorizable", FieldPermission{RoleID: 1, TenantID: 1, ModelName: "Note", FieldName: "body", Level: ReadOnly}},
		{"missing role", FieldPermission{TenantID: 1, ModelName: "Shrub", FieldName: "height", Level: ReadOnly}},
		{"level out of range", FieldPermission{RoleID: 1, TenantID: 1, ModelName: "Shrub", FieldName: "height", Level: 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SetFieldPermission(ctx, tc.perm)
			assert.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestSetFieldPermissionKeepsOneRowPerField(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, testRegistry(t), nil, nil)
	ctx := context.Background()

	_, err := svc.SetFieldPermission(ctx, FieldPermission{RoleID: 1, TenantID: 1, ModelName: "Shrub", FieldName: "height", Level: ReadOnly})
	require.NoError(t, err)
	_, err = svc.SetFieldPermission(ctx, FieldPermission{RoleID: 1, TenantID: 1, ModelName: "Shrub", FieldName: "height", Level: WriteDirectly})
	require.NoError(t, err)

	require.Len(t, repo.perms[1], 1)
	assert.Equal(t, WriteDirectly, repo.perms[1][0].Level)
}

func TestAddAllPermissionsOnModelToRole(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, testRegistry(t), nil, nil)

	perms, err := svc.AddAllPermissionsOnModelToRole(context.Background(), "Shrub", Role{ID: 4}, 1, WriteWithAudit)
	require.NoError(t, err)
	fields := make([]string, 0, len(perms))
	for _, p := range perms {
		fields = append(fields, p.FieldName)
		assert.Equal(t, WriteWithAudit, p.Level)
	}
	assert.Equal(t, []string{"id", "height", "name"}, fields)
}

func TestCreateRoleValidation(t *testing.T) {
	svc := NewService(newMockRepository(), testRegistry(t), nil, nil)
	_, err := svc.CreateRole(context.Background(), "  ", nil, 0)
	assert.ErrorIs(t, err, shared.ErrValidation)

	tenant := int64(1)
	role, err := svc.EnsureRole(context.Background(), tenant, "editor", 10)
	require.NoError(t, err)
	assert.Equal(t, "editor", role.Name)
	assert.Equal(t, 10, role.RepThreshold)
}
