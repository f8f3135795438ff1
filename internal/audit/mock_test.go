package audit

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
	"github.com/odyssey-erp/treemap/internal/treemap"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type memState struct {
	audits  []Audit
	rows    map[string]map[int64]map[string]any
	metrics map[string]reputation.Metric
	reps    map[[2]int64]int
}

func (s *memState) clone() *memState {
	out := &memState{
		audits:  append([]Audit(nil), s.audits...),
		rows:    make(map[string]map[int64]map[string]any, len(s.rows)),
		metrics: make(map[string]reputation.Metric, len(s.metrics)),
		reps:    make(map[[2]int64]int, len(s.reps)),
	}
	for model, rows := range s.rows {
		out.rows[model] = make(map[int64]map[string]any, len(rows))
		for id, row := range rows {
			copied := make(map[string]any, len(row))
			for k, v := range row {
				copied[k] = v
			}
			out.rows[model][id] = copied
		}
	}
	for k, v := range s.metrics {
		out.metrics[k] = v
	}
	for k, v := range s.reps {
		out.reps[k] = v
	}
	return out
}

// memRepo is both Repository and TxRepository. WithTx restores the state on
// error. Sequences live outside the transactional state, as in Postgres.
type memRepo struct {
	st         *memState
	seq        map[string]int64
	clock      time.Time
	failUpdate error
	txCount    int
	lockTxs    int
	// onLock runs before LockAudit reads the row, standing in for a
	// concurrent transaction that commits while the lock is awaited.
	onLock func(id int64)
}

func newMemRepo() *memRepo {
	return &memRepo{
		st: &memState{
			rows:    map[string]map[int64]map[string]any{},
			metrics: map[string]reputation.Metric{},
			reps:    map[[2]int64]int{},
		},
		seq:   map[string]int64{},
		clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txCount++
	saved := r.st.clone()
	if err := fn(ctx, r); err != nil {
		r.st = saved
		return err
	}
	return nil
}

func (r *memRepo) WithLockTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.lockTxs++
	return r.WithTx(ctx, fn)
}

func (r *memRepo) find(id int64) (int, bool) {
	for i, a := range r.st.audits {
		if a.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (r *memRepo) Audit(ctx context.Context, id int64) (Audit, error) {
	i, ok := r.find(id)
	if !ok {
		return Audit{}, shared.ErrNotFound
	}
	return r.st.audits[i], nil
}

func (r *memRepo) LockAudit(ctx context.Context, id int64) (Audit, error) {
	if r.onLock != nil {
		r.onLock(id)
	}
	return r.Audit(ctx, id)
}

func (r *memRepo) matches(a Audit, q Query) bool {
	switch {
	case q.Model != "" && a.Model != q.Model:
		return false
	case q.ModelID != nil && (a.ModelID == nil || *a.ModelID != *q.ModelID):
		return false
	case q.TenantID != nil && (a.TenantID == nil || *a.TenantID != *q.TenantID):
		return false
	case q.Field != nil && a.Field != *q.Field:
		return false
	case len(q.Actions) > 0 && !slices.Contains(q.Actions, a.Action):
		return false
	case q.RequiresAuth != nil && a.RequiresAuth != *q.RequiresAuth:
		return false
	case q.Pending && !a.IsPending():
		return false
	case q.ExcludeID != 0 && a.ID == q.ExcludeID:
		return false
	case q.UserID != 0 && a.UserID != q.UserID:
		return false
	case !q.From.IsZero() && a.Created.Before(q.From):
		return false
	case !q.To.IsZero() && !a.Created.Before(q.To):
		return false
	}
	if q.RefAction != 0 {
		if a.RefID == nil {
			return false
		}
		i, ok := r.find(*a.RefID)
		if !ok || r.st.audits[i].Action != q.RefAction {
			return false
		}
	}
	return true
}

func (r *memRepo) Audits(ctx context.Context, q Query) ([]Audit, error) {
	var out []Audit
	for _, a := range r.st.audits {
		if r.matches(a, q) {
			out = append(out, a)
		}
	}
	if q.Newest {
		slices.Reverse(out)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *memRepo) CreateAudit(ctx context.Context, a Audit) (Audit, error) {
	a.ID = int64(len(r.st.audits) + 1)
	if n := len(r.st.audits); n > 0 {
		a.ID = r.st.audits[n-1].ID + 1
	}
	a.Created = r.clock.Add(time.Duration(a.ID) * time.Second)
	a.Updated = a.Created
	r.st.audits = append(r.st.audits, a)
	return a, nil
}

func (r *memRepo) SetRef(ctx context.Context, id, refID int64) error {
	i, ok := r.find(id)
	if !ok {
		return shared.ErrNotFound
	}
	if r.st.audits[i].RefID != nil {
		return &shared.AuditError{AuditID: id, Reason: "already approved or rejected"}
	}
	r.st.audits[i].RefID = &refID
	return nil
}

func (r *memRepo) table(model string) map[int64]map[string]any {
	rows, ok := r.st.rows[model]
	if !ok {
		rows = map[int64]map[string]any{}
		r.st.rows[model] = rows
	}
	return rows
}

func (r *memRepo) LoadEntity(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (tracking.Model, error) {
	row, ok := r.table(mt.Name)[id]
	if !ok || row[tracking.TenantField] != tenantID {
		return nil, shared.ErrNotFound
	}
	m := mt.New(tenantID)
	for k, v := range row {
		if err := m.ApplyChange(k, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (r *memRepo) EntityExists(ctx context.Context, mt *registry.ModelType, tenantID, id int64) (bool, error) {
	row, ok := r.table(mt.Name)[id]
	return ok && row[tracking.TenantField] == tenantID, nil
}

func (r *memRepo) InsertEntity(ctx context.Context, mt *registry.ModelType, m tracking.Model) (int64, error) {
	id, ok := m.PrimaryKey()
	if !ok {
		r.seq[mt.Name]++
		id = r.seq[mt.Name]
	}
	if _, exists := r.table(mt.Name)[id]; exists {
		return 0, &shared.IntegrityError{Reason: fmt.Sprintf("%s %d exists", mt.Name, id)}
	}
	m.SetPrimaryKey(id)
	row := m.Values()
	row[tracking.TenantField] = m.TenantID()
	r.table(mt.Name)[id] = row
	return id, nil
}

func (r *memRepo) UpdateEntity(ctx context.Context, mt *registry.ModelType, m tracking.Model, fields []string) error {
	if r.failUpdate != nil {
		return r.failUpdate
	}
	id, _ := m.PrimaryKey()
	row, ok := r.table(mt.Name)[id]
	if !ok {
		return shared.ErrNotFound
	}
	values := m.Values()
	for _, f := range fields {
		row[f] = values[f]
	}
	return nil
}

func (r *memRepo) DeleteEntity(ctx context.Context, mt *registry.ModelType, tenantID, id int64) error {
	delete(r.table(mt.Name), id)
	return nil
}

func (r *memRepo) ReserveID(ctx context.Context, mt *registry.ModelType) (int64, error) {
	r.seq[mt.Name]++
	return r.seq[mt.Name], nil
}

func (r *memRepo) ReputationMetric(ctx context.Context, tenantID int64, model, action string) (reputation.Metric, error) {
	m, ok := r.st.metrics[fmt.Sprintf("%d/%s/%s", tenantID, model, action)]
	if !ok {
		return reputation.Metric{}, shared.ErrNotFound
	}
	return m, nil
}

func (r *memRepo) AdjustReputation(ctx context.Context, userID, tenantID int64, delta int) (int, error) {
	key := [2]int64{userID, tenantID}
	next := max(r.st.reps[key]+delta, 0)
	r.st.reps[key] = next
	return next, nil
}

func (r *memRepo) row(model string, id int64) map[string]any {
	return r.table(model)[id]
}

// ============================================================================
// FIXTURE
// ============================================================================

const (
	tenantID int64 = 1
	editorID int64 = 7
	adminID  int64 = 1
)

var (
	editor = rbac.User{ID: editorID}
	admin  = rbac.User{ID: adminID}
)

// staticPerms maps user -> model -> field -> level.
type staticPerms map[int64]map[string]map[string]rbac.Level

func (p staticPerms) PermissionsFor(ctx context.Context, user rbac.User, tenantID int64, model string) (rbac.PermissionSet, error) {
	var rows []rbac.FieldPermission
	for field, level := range p[user.ID][model] {
		rows = append(rows, rbac.FieldPermission{ModelName: model, FieldName: field, Level: level})
	}
	return rbac.NewPermissionSet(model, user.ID, rows), nil
}

func (p staticPerms) grantAll(user int64, mt *registry.ModelType, level rbac.Level) {
	if p[user] == nil {
		p[user] = map[string]map[string]rbac.Level{}
	}
	fields := map[string]rbac.Level{}
	for _, f := range mt.TrackedFieldNames() {
		fields[f] = level
	}
	p[user][mt.Name] = fields
}

type fixture struct {
	repo   *memRepo
	reg    *registry.Registry
	perms  staticPerms
	ledger *Ledger
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	reg := treemap.MustRegistry()
	perms := staticPerms{}
	for _, mt := range []*registry.ModelType{treemap.PlotType, treemap.TreeType} {
		perms.grantAll(adminID, mt, rbac.WriteDirectly)
		perms.grantAll(editorID, mt, rbac.WriteWithAudit)
	}
	ledger := NewLedger(repo, reg, nil, nil, nil)
	return &fixture{repo: repo, reg: reg, perms: perms, ledger: ledger, engine: NewEngine(ledger, perms)}
}

func (f *fixture) permsFor(t *testing.T, user rbac.User, model string) *rbac.PermissionSet {
	t.Helper()
	set, err := f.perms.PermissionsFor(context.Background(), user, tenantID, model)
	require.NoError(t, err)
	return &set
}

func (f *fixture) seedPlot(t *testing.T, id int64) {
	t.Helper()
	_, err := f.repo.InsertEntity(context.Background(), treemap.PlotType,
		&treemap.Plot{ID: id, InstanceID: tenantID, Geom: "POINT(0 0)", CreatedBy: adminID})
	require.NoError(t, err)
}

func (f *fixture) seedTree(t *testing.T, id, plotID int64) {
	t.Helper()
	_, err := f.repo.InsertEntity(context.Background(), treemap.TreeType,
		&treemap.Tree{ID: id, InstanceID: tenantID, PlotID: plotID, CreatedBy: adminID})
	require.NoError(t, err)
}

func (f *fixture) loadTree(t *testing.T, id int64) *tracking.Record[*treemap.Tree] {
	t.Helper()
	m, err := f.repo.LoadEntity(context.Background(), treemap.TreeType, tenantID, id)
	require.NoError(t, err)
	return tracking.Load(m.(*treemap.Tree))
}

func (f *fixture) setMetric(model string, action Action, m reputation.Metric) {
	m.TenantID = tenantID
	m.ModelName = model
	m.Action = action.String()
	f.repo.st.metrics[fmt.Sprintf("%d/%s/%s", tenantID, model, action)] = m
}

func (f *fixture) reputation(user int64) int {
	return f.repo.st.reps[[2]int64{user, tenantID}]
}

func (f *fixture) auditsFor(t *testing.T, model string, id int64) []Audit {
	t.Helper()
	audits, err := f.ledger.AuditsForObject(context.Background(), model, tenantID, id)
	require.NoError(t, err)
	return audits
}

func identityOf(t *testing.T, audits []Audit) Audit {
	t.Helper()
	for _, a := range audits {
		if a.IsIdentity() {
			return a
		}
	}
	t.Fatalf("no identity audit among %d audits", len(audits))
	return Audit{}
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
