// Package tracking gives domain records the ability to remember their last
// persisted state and report field-level changes against it.
package tracking

import (
	"reflect"
	"sort"
	"time"
)

// TenantField is excluded from tracking by default.
const TenantField = "instance_id"

// IDField is the primary key field. An audit on it represents the whole record.
const IDField = "id"

// Model is the capability every tracked domain type provides.
type Model interface {
	ModelName() string
	PrimaryKey() (int64, bool)
	SetPrimaryKey(id int64)
	TenantID() int64
	// Values returns the current value of every field, nil for null.
	Values() map[string]any
	// ApplyChange sets one field; value may be nil or any type convertible to the field kind.
	ApplyChange(field string, value any) error
}

// Change is the old and new value of one field.
type Change struct {
	Old any
	New any
}

// Tracked is the type-erased view of a Record used by the gate and the ledger.
type Tracked interface {
	Model() Model
	ModelName() string
	TenantID() int64
	PrimaryKey() (int64, bool)
	SetPrimaryKey(id int64)
	IsNew() bool
	PreviousState() map[string]any
	CurrentState() map[string]any
	ChangedFields() map[string]Change
	FieldsWereUpdated() bool
	TrackedFields() []string
	IsExcluded(field string) bool
	ApplyChange(field string, value any) error
	Snapshot()
	Forget()
	Clobber(fields []string) error
	Clobbered() bool
	MarkPendingInsert()
	PendingInsert() bool
}

// Record wraps a domain model with its previous persisted state.
type Record[M Model] struct {
	model         M
	previous      map[string]any
	exclude       map[string]struct{}
	clobbered     bool
	pendingInsert bool
}

// New wraps a record that has not been persisted yet. Every set field counts as changed.
func New[M Model](m M, exclude ...string) *Record[M] {
	r := &Record[M]{model: m, exclude: excludeSet(exclude)}
	r.previous = map[string]any{}
	return r
}

// Load wraps a record read from storage; its current values become the previous state.
func Load[M Model](m M, exclude ...string) *Record[M] {
	r := &Record[M]{model: m, exclude: excludeSet(exclude)}
	r.Snapshot()
	return r
}

// Wrap chooses New or Load depending on whether the model carries a primary key.
func Wrap[M Model](m M, exclude ...string) *Record[M] {
	if _, ok := m.PrimaryKey(); ok {
		return Load(m, exclude...)
	}
	return New(m, exclude...)
}

func excludeSet(fields []string) map[string]struct{} {
	set := map[string]struct{}{TenantField: {}}
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Entity returns the typed wrapped model.
func (r *Record[M]) Entity() M { return r.model }

func (r *Record[M]) Model() Model { return r.model }

func (r *Record[M]) ModelName() string { return r.model.ModelName() }

func (r *Record[M]) TenantID() int64 { return r.model.TenantID() }

func (r *Record[M]) PrimaryKey() (int64, bool) { return r.model.PrimaryKey() }

func (r *Record[M]) SetPrimaryKey(id int64) { r.model.SetPrimaryKey(id) }

// IsNew reports whether the record has no primary key yet.
func (r *Record[M]) IsNew() bool {
	_, ok := r.model.PrimaryKey()
	return !ok
}

func (r *Record[M]) IsExcluded(field string) bool {
	_, ok := r.exclude[field]
	return ok
}

// PreviousState returns a copy of the last persisted state.
func (r *Record[M]) PreviousState() map[string]any {
	out := make(map[string]any, len(r.previous))
	for k, v := range r.previous {
		out[k] = v
	}
	return out
}

// CurrentState returns the tracked fields' in-memory values.
func (r *Record[M]) CurrentState() map[string]any {
	values := r.model.Values()
	out := make(map[string]any, len(values))
	for k, v := range values {
		if r.IsExcluded(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// ChangedFields diffs the current state against the previous state.
func (r *Record[M]) ChangedFields() map[string]Change {
	changed := map[string]Change{}
	for field, cur := range r.CurrentState() {
		old := r.previous[field]
		if !Equal(old, cur) {
			changed[field] = Change{Old: old, New: cur}
		}
	}
	return changed
}

func (r *Record[M]) FieldsWereUpdated() bool {
	return len(r.ChangedFields()) > 0
}

// TrackedFields lists every tracked field name in sorted order.
func (r *Record[M]) TrackedFields() []string {
	current := r.CurrentState()
	fields := make([]string, 0, len(current))
	for k := range current {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func (r *Record[M]) ApplyChange(field string, value any) error {
	return r.model.ApplyChange(field, value)
}

// Snapshot makes the current state the new previous state. Called after persistence.
func (r *Record[M]) Snapshot() {
	if _, ok := r.model.PrimaryKey(); !ok {
		r.previous = map[string]any{}
		return
	}
	r.previous = r.CurrentState()
}

// Forget clears the previous state after the record was deleted.
func (r *Record[M]) Forget() {
	r.previous = map[string]any{}
}

// Clobber nulls the given fields and marks the record so it can no longer be persisted.
func (r *Record[M]) Clobber(fields []string) error {
	for _, f := range fields {
		if err := r.model.ApplyChange(f, nil); err != nil {
			return err
		}
	}
	r.clobbered = true
	return nil
}

func (r *Record[M]) Clobbered() bool { return r.clobbered }

func (r *Record[M]) MarkPendingInsert() { r.pendingInsert = true }

func (r *Record[M]) PendingInsert() bool { return r.pendingInsert }

// Equal compares two normalized field values.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
