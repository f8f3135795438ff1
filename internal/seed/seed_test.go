package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treemap/internal/audit"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/treemap"
)

const sample = `
version: 1
tenants:
  - id: 1
    default_role: public
    roles:
      - name: public
        models:
          Tree: read_only
        fields:
          - {model: Tree, field: diameter, level: none}
      - name: editor
        rep_thresh: 10
        users: [7, 8]
        models:
          Tree: write_with_audit
          Plot: write_directly
    reputation:
      - {model: Tree, action: Update, direct_write: 2, approval: 5, denial: 2}
`

type permKey struct {
	role  int64
	model string
	field string
}

type fakeRoles struct {
	roles    map[string]rbac.Role
	defaults map[int64]int64
	assigned map[[2]int64]bool
	perms    map[permKey]rbac.FieldPermission
	nextID   int64
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		roles:    map[string]rbac.Role{},
		defaults: map[int64]int64{},
		assigned: map[[2]int64]bool{},
		perms:    map[permKey]rbac.FieldPermission{},
	}
}

func (f *fakeRoles) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	f.nextID++
	role.ID = f.nextID
	f.roles[role.Name] = role
	return role, nil
}

func (f *fakeRoles) FindRole(ctx context.Context, tenantID int64, name string) (rbac.Role, error) {
	role, ok := f.roles[name]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (f *fakeRoles) AssignRole(ctx context.Context, userID, roleID int64) error {
	f.assigned[[2]int64{userID, roleID}] = true
	return nil
}

func (f *fakeRoles) SetDefaultRole(ctx context.Context, tenantID, roleID int64) error {
	f.defaults[tenantID] = roleID
	return nil
}

func (f *fakeRoles) UpsertFieldPermission(ctx context.Context, p rbac.FieldPermission) (rbac.FieldPermission, error) {
	key := permKey{p.RoleID, p.ModelName, p.FieldName}
	if existing, ok := f.perms[key]; ok {
		p.ID = existing.ID
	} else {
		f.nextID++
		p.ID = f.nextID
	}
	f.perms[key] = p
	return p, nil
}

type fakeMetrics map[string]reputation.Metric

func (f fakeMetrics) UpsertMetric(ctx context.Context, m reputation.Metric) (reputation.Metric, error) {
	f[m.ModelName+"/"+m.Action] = m
	return m, nil
}

func (f fakeMetrics) Reputation(ctx context.Context, userID, tenantID int64) (int, error) {
	return 0, nil
}

func newTestApplier(t *testing.T) (*Applier, *fakeRoles, fakeMetrics) {
	t.Helper()
	roles := newFakeRoles()
	metrics := fakeMetrics{}
	applier := NewApplier(
		rbac.NewService(roles, treemap.MustRegistry(), nil, nil),
		reputation.NewService(metrics, audit.KnownAction),
		nil,
	)
	return applier, roles, metrics
}

func TestApplySeedsRolesPermissionsAndMetrics(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	applier, roles, metrics := newTestApplier(t)

	require.NoError(t, applier.Apply(context.Background(), f))

	public, editor := roles.roles["public"], roles.roles["editor"]
	assert.Equal(t, public.ID, roles.defaults[1])
	assert.Equal(t, 10, editor.RepThreshold)
	assert.True(t, roles.assigned[[2]int64{7, editor.ID}])
	assert.True(t, roles.assigned[[2]int64{8, editor.ID}])

	diameter := roles.perms[permKey{public.ID, "Tree", "diameter"}]
	assert.Equal(t, rbac.None, diameter.Level)
	height := roles.perms[permKey{public.ID, "Tree", "height"}]
	assert.Equal(t, rbac.ReadOnly, height.Level)
	geom := roles.perms[permKey{editor.ID, "Plot", "geom"}]
	assert.Equal(t, rbac.WriteDirectly, geom.Level)

	require.Contains(t, metrics, "Tree/Update")
	assert.Equal(t, 5, *metrics["Tree/Update"].ApprovalScore)
}

func TestApplyIsIdempotent(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	applier, roles, metrics := newTestApplier(t)
	ctx := context.Background()

	require.NoError(t, applier.Apply(ctx, f))
	nRoles, nPerms, nAssigned := len(roles.roles), len(roles.perms), len(roles.assigned)
	require.NoError(t, applier.Apply(ctx, f))

	assert.Len(t, roles.roles, nRoles)
	assert.Len(t, roles.perms, nPerms)
	assert.Len(t, roles.assigned, nAssigned)
	assert.Len(t, metrics, 1)
}

func TestApplyRejectsUnknownTargets(t *testing.T) {
	cases := map[string]string{
		"unknown level": `
version: 1
tenants:
  - id: 1
    roles:
      - name: public
        models: {Tree: admin}
`,
		"unmediated model": `
version: 1
tenants:
  - id: 1
    roles:
      - name: public
        fields:
          - {model: InstanceSpecies, field: common_name, level: read_only}
`,
		"unknown action": `
version: 1
tenants:
  - id: 1
    reputation:
      - {model: Tree, action: Teleport, approval: 1}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := Parse([]byte(doc))
			require.NoError(t, err)
			applier, _, _ := newTestApplier(t)
			assert.ErrorIs(t, applier.Apply(context.Background(), f), shared.ErrValidation)
		})
	}
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"bad yaml":        "version: [",
		"wrong version":   "version: 2",
		"bad tenant":      "version: 1\ntenants:\n  - id: 0\n",
		"duplicate":       "version: 1\ntenants:\n  - id: 1\n  - id: 1\n",
		"missing default": "version: 1\ntenants:\n  - id: 1\n    default_role: ghost\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Tenants, 1)
	assert.Len(t, f.Tenants[0].Roles, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestShippedSeedFileApplies(t *testing.T) {
	f, err := Load(filepath.Join("..", "..", "deploy", "seed", "permissions.yml"))
	require.NoError(t, err)
	applier, roles, metrics := newTestApplier(t)
	require.NoError(t, applier.Apply(context.Background(), f))

	assert.Equal(t, roles.roles["public"].ID, roles.defaults[1])
	assert.True(t, roles.assigned[[2]int64{1, roles.roles["administrator"].ID}])
	assert.Len(t, metrics, 5)
}
