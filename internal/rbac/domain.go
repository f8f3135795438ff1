package rbac

import (
	"sort"
	"time"
)

// Level is a field permission level. Levels are strictly ordered.
type Level int

const (
	None Level = iota
	ReadOnly
	WriteWithAudit
	WriteDirectly
)

var levelNames = map[Level]string{
	None:           "none",
	ReadOnly:       "read_only",
	WriteWithAudit: "write_with_audit",
	WriteDirectly:  "write_directly",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel maps a level name back to its value.
func ParseLevel(name string) (Level, bool) {
	for l, n := range levelNames {
		if n == name {
			return l, true
		}
	}
	return None, false
}

func (l Level) AllowsRead() bool { return l >= ReadOnly }

func (l Level) AllowsWrite() bool { return l >= WriteWithAudit }

func (l Level) AllowsDirectWrite() bool { return l == WriteDirectly }

// Decision is the outcome of checking one field write.
type Decision int

const (
	Denied Decision = iota
	Deferred
	Allowed
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Deferred:
		return "deferred"
	default:
		return "denied"
	}
}

// Role is a named bundle of field permissions within one tenant. A role with
// no tenant is the tenant-less default.
type Role struct {
	ID           int64
	Name         string
	TenantID     *int64
	RepThreshold int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FieldPermission grants one level on one field of one model to a role.
type FieldPermission struct {
	ID        int64  `validate:"-"`
	RoleID    int64  `validate:"required,gt=0"`
	TenantID  int64  `validate:"required,gt=0"`
	ModelName string `validate:"required,max=255"`
	FieldName string `validate:"required,max=255"`
	Level     Level  `validate:"min=0,max=3"`
}

func (p FieldPermission) AllowsRead() bool { return p.Level.AllowsRead() }

func (p FieldPermission) AllowsWrite() bool { return p.Level.AllowsWrite() }

// User is the acting principal. ID zero is anonymous.
type User struct {
	ID int64
}

// Anonymous returns the unauthenticated principal.
func Anonymous() User { return User{} }

func (u User) IsAnonymous() bool { return u.ID == 0 }

// PermissionSet is the resolved permissions of one role on one model type.
type PermissionSet struct {
	Model  string
	RoleID int64
	levels map[string]Level
}

// NewPermissionSet indexes permissions for model. Rows for other models are ignored.
func NewPermissionSet(model string, roleID int64, perms []FieldPermission) PermissionSet {
	set := PermissionSet{Model: model, RoleID: roleID, levels: make(map[string]Level, len(perms))}
	for _, p := range perms {
		if p.ModelName != model {
			continue
		}
		set.levels[p.FieldName] = p.Level
	}
	return set
}

// Level returns the granted level on field, None when absent.
func (s PermissionSet) Level(field string) Level {
	return s.levels[field]
}

// Has reports whether any permission row exists for field.
func (s PermissionSet) Has(field string) bool {
	_, ok := s.levels[field]
	return ok
}

// Decide classifies a write to field.
func (s PermissionSet) Decide(field string) Decision {
	switch s.levels[field] {
	case WriteDirectly:
		return Allowed
	case WriteWithAudit:
		return Deferred
	default:
		return Denied
	}
}

// ReadableFields lists fields with at least read permission, sorted.
func (s PermissionSet) ReadableFields() []string {
	return s.fieldsWhere(Level.AllowsRead)
}

// WritableFields lists fields with write permission, or only direct write when directOnly.
func (s PermissionSet) WritableFields(directOnly bool) []string {
	if directOnly {
		return s.fieldsWhere(Level.AllowsDirectWrite)
	}
	return s.fieldsWhere(Level.AllowsWrite)
}

func (s PermissionSet) fieldsWhere(pred func(Level) bool) []string {
	var out []string
	for f, l := range s.levels {
		if pred(l) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// CanWrite reports whether every field is writable at the requested strength.
func (s PermissionSet) CanWrite(fields []string, directOnly bool) bool {
	for _, f := range fields {
		l := s.levels[f]
		if directOnly && !l.AllowsDirectWrite() {
			return false
		}
		if !l.AllowsWrite() {
			return false
		}
	}
	return true
}

// DeniedWrites returns the fields of the list that are not writable, sorted.
func (s PermissionSet) DeniedWrites(fields []string) []string {
	var out []string
	for _, f := range fields {
		if !s.levels[f].AllowsWrite() {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Permissions returns the set as rows, sorted by field.
func (s PermissionSet) Permissions() []FieldPermission {
	out := make([]FieldPermission, 0, len(s.levels))
	for f, l := range s.levels {
		out = append(out, FieldPermission{RoleID: s.RoleID, ModelName: s.Model, FieldName: f, Level: l})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out
}
