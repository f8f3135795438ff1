// Package registry maps model-type tags to their field metadata and
// constructors. It replaces runtime lookup of model classes by name with a
// closed, compile-time set of participants.
package registry

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/treemap/internal/shared"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Kind is the storage type of a field.
type Kind int

const (
	KindInt Kind = iota + 1
	KindFloat
	KindString
	KindBool
	KindDate
)

// Field describes one column of a model type.
type Field struct {
	Name       string
	Kind       Kind
	Nullable   bool
	HasDefault bool
	PrimaryKey bool
	// References names the model type this foreign key points at.
	References string
}

// ModelType is the metadata and constructor of one participating model.
type ModelType struct {
	Name   string
	Table  string
	Fields []Field
	// Authorizable models are mediated by field permissions. Others are audited
	// but every change is treated as a direct write.
	Authorizable bool
	New          func(tenantID int64) tracking.Model
}

// Field returns the named field.
func (mt *ModelType) Field(name string) (Field, bool) {
	for _, f := range mt.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns every field name in declaration order.
func (mt *ModelType) FieldNames() []string {
	names := make([]string, 0, len(mt.Fields))
	for _, f := range mt.Fields {
		names = append(names, f.Name)
	}
	return names
}

// TrackedFieldNames returns every field name except the tenant reference.
func (mt *ModelType) TrackedFieldNames() []string {
	names := make([]string, 0, len(mt.Fields))
	for _, f := range mt.Fields {
		if f.Name == tracking.TenantField {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// RequiredForCreate lists fields that must be written to create a record:
// non-nullable, without default, not the primary key and not excluded.
func (mt *ModelType) RequiredForCreate(exclude ...string) []string {
	skip := map[string]struct{}{tracking.TenantField: {}}
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	var out []string
	for _, f := range mt.Fields {
		if f.Nullable || f.HasDefault || f.PrimaryKey {
			continue
		}
		if _, ok := skip[f.Name]; ok {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

// CreateFields is RequiredForCreate without the fields rec excludes from tracking.
func (mt *ModelType) CreateFields(rec tracking.Tracked) []string {
	var excluded []string
	for _, f := range mt.Fields {
		if rec.IsExcluded(f.Name) {
			excluded = append(excluded, f.Name)
		}
	}
	return mt.RequiredForCreate(excluded...)
}

// ForeignKeys returns the fields that reference another registered model.
func (mt *ModelType) ForeignKeys() []Field {
	var out []Field
	for _, f := range mt.Fields {
		if f.References != "" {
			out = append(out, f)
		}
	}
	return out
}

// SequenceName is the identity sequence backing the primary key.
func (mt *ModelType) SequenceName() string {
	pk := tracking.IDField
	for _, f := range mt.Fields {
		if f.PrimaryKey {
			pk = f.Name
		}
	}
	return fmt.Sprintf("%s_%s_seq", mt.Table, pk)
}

// Registry is the closed set of model types.
type Registry struct {
	types map[string]*ModelType
	names []string
}

// New validates and indexes the given model types.
func New(types ...*ModelType) (*Registry, error) {
	r := &Registry{types: make(map[string]*ModelType, len(types))}
	for _, mt := range types {
		if mt == nil || mt.Name == "" {
			return nil, fmt.Errorf("registry: model type name required")
		}
		if mt.New == nil {
			return nil, fmt.Errorf("registry: model type %s has no constructor", mt.Name)
		}
		if _, dup := r.types[mt.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate model type %s", mt.Name)
		}
		r.types[mt.Name] = mt
		r.names = append(r.names, mt.Name)
	}
	for _, mt := range types {
		for _, fk := range mt.ForeignKeys() {
			if _, ok := r.types[fk.References]; !ok {
				return nil, fmt.Errorf("registry: %s.%s references unknown model %s", mt.Name, fk.Name, fk.References)
			}
		}
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup resolves a model-type tag.
func (r *Registry) Lookup(name string) (*ModelType, error) {
	mt, ok := r.types[name]
	if !ok {
		return nil, &shared.ValidationError{Field: "model_name", Reason: fmt.Sprintf("model %q does not exist", name)}
	}
	return mt, nil
}

// Names lists registered model types alphabetically.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ValidatePermissionTarget rejects unknown model/field pairs and models that do
// not participate in field authorization.
func (r *Registry) ValidatePermissionTarget(model, field string) error {
	mt, err := r.Lookup(model)
	if err != nil {
		return err
	}
	if _, ok := mt.Field(field); !ok {
		return &shared.ValidationError{Field: "field_name", Reason: fmt.Sprintf("model %q does not have field %q", model, field)}
	}
	if !mt.Authorizable {
		return &shared.ValidationError{Field: "model_name", Reason: fmt.Sprintf("%q is not an authorizable model", model)}
	}
	return nil
}

// Graph returns the dependency graph implied by foreign keys: a model depends
// on every model it references.
func (r *Registry) Graph() *Graph {
	edges := make(map[string][]string, len(r.types))
	for _, name := range r.names {
		mt := r.types[name]
		edges[name] = nil
		for _, fk := range mt.ForeignKeys() {
			if fk.References == name {
				continue
			}
			edges[name] = append(edges[name], fk.References)
		}
	}
	return NewGraph(edges)
}
