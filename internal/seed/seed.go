// Package seed applies a YAML description of tenant roles, field permissions
// and reputation metrics. Applying the same file twice leaves the database
// unchanged.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/internal/reputation"
	"github.com/odyssey-erp/treemap/internal/shared"
)

// File is the root of a seed document.
type File struct {
	Version int      `yaml:"version"`
	Tenants []Tenant `yaml:"tenants"`
}

// Tenant lists the configuration of one instance.
type Tenant struct {
	ID          int64    `yaml:"id"`
	DefaultRole string   `yaml:"default_role"`
	Roles       []Role   `yaml:"roles"`
	Reputation  []Metric `yaml:"reputation"`
}

// Role describes one role and its grants. Models grants a level on every
// tracked field of a model; Fields then overrides single fields.
type Role struct {
	Name         string            `yaml:"name"`
	RepThreshold int               `yaml:"rep_thresh"`
	Users        []int64           `yaml:"users"`
	Models       map[string]string `yaml:"models"`
	Fields       []FieldGrant      `yaml:"fields"`
}

// FieldGrant sets the level of one field.
type FieldGrant struct {
	Model string `yaml:"model"`
	Field string `yaml:"field"`
	Level string `yaml:"level"`
}

// Metric mirrors reputation.Metric.
type Metric struct {
	Model       string `yaml:"model"`
	Action      string `yaml:"action"`
	DirectWrite *int   `yaml:"direct_write"`
	Approval    *int   `yaml:"approval"`
	Denial      *int   `yaml:"denial"`
}

// Parse decodes and checks a seed document.
func Parse(b []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, &shared.ValidationError{Reason: fmt.Sprintf("seed: %v", err)}
	}
	if f.Version != 1 {
		return File{}, &shared.ValidationError{Field: "version", Reason: "unsupported seed version"}
	}
	seen := make(map[int64]bool, len(f.Tenants))
	for _, t := range f.Tenants {
		if t.ID <= 0 {
			return File{}, &shared.ValidationError{Field: "tenants.id", Reason: "must be positive"}
		}
		if seen[t.ID] {
			return File{}, &shared.ValidationError{Field: "tenants.id", Reason: fmt.Sprintf("tenant %d listed twice", t.ID)}
		}
		seen[t.ID] = true
		if t.DefaultRole != "" && !t.hasRole(t.DefaultRole) {
			return File{}, &shared.ValidationError{Field: "default_role", Reason: fmt.Sprintf("tenant %d has no role %q", t.ID, t.DefaultRole)}
		}
	}
	return f, nil
}

// Load reads and parses the seed file at path.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(b)
}

func (t Tenant) hasRole(name string) bool {
	for _, r := range t.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// RoleAdmin is the role configuration surface of rbac.Service.
type RoleAdmin interface {
	EnsureRole(ctx context.Context, tenantID int64, name string, repThreshold int) (rbac.Role, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
	SetDefaultRole(ctx context.Context, tenantID, roleID int64) error
	SetFieldPermission(ctx context.Context, p rbac.FieldPermission) (rbac.FieldPermission, error)
	AddAllPermissionsOnModelToRole(ctx context.Context, model string, role rbac.Role, tenantID int64, level rbac.Level) ([]rbac.FieldPermission, error)
}

// MetricAdmin is the metric configuration surface of reputation.Service.
type MetricAdmin interface {
	SetMetric(ctx context.Context, m reputation.Metric) (reputation.Metric, error)
}

// Applier writes a parsed seed through the admin services.
type Applier struct {
	roles   RoleAdmin
	metrics MetricAdmin
	logger  *slog.Logger
}

// NewApplier constructs an Applier.
func NewApplier(roles RoleAdmin, metrics MetricAdmin, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{roles: roles, metrics: metrics, logger: logger}
}

// Apply writes every tenant of f. It stops at the first error.
func (a *Applier) Apply(ctx context.Context, f File) error {
	if a.roles == nil || a.metrics == nil {
		return errors.New("seed: dependencies not configured")
	}
	for _, t := range f.Tenants {
		if err := a.applyTenant(ctx, t); err != nil {
			return fmt.Errorf("seed: tenant %d: %w", t.ID, err)
		}
	}
	return nil
}

func (a *Applier) applyTenant(ctx context.Context, t Tenant) error {
	roles := make(map[string]rbac.Role, len(t.Roles))
	for _, r := range t.Roles {
		role, err := a.applyRole(ctx, t.ID, r)
		if err != nil {
			return fmt.Errorf("role %q: %w", r.Name, err)
		}
		roles[r.Name] = role
	}
	if t.DefaultRole != "" {
		if err := a.roles.SetDefaultRole(ctx, t.ID, roles[t.DefaultRole].ID); err != nil {
			return err
		}
	}
	for _, m := range t.Reputation {
		if _, err := a.metrics.SetMetric(ctx, reputation.Metric{
			TenantID:         t.ID,
			ModelName:        m.Model,
			Action:           m.Action,
			DirectWriteScore: m.DirectWrite,
			ApprovalScore:    m.Approval,
			DenialScore:      m.Denial,
		}); err != nil {
			return fmt.Errorf("metric %s/%s: %w", m.Model, m.Action, err)
		}
	}
	a.logger.Info("seeded tenant",
		slog.Int64("tenant_id", t.ID), slog.Int("roles", len(t.Roles)), slog.Int("metrics", len(t.Reputation)))
	return nil
}

func (a *Applier) applyRole(ctx context.Context, tenantID int64, r Role) (rbac.Role, error) {
	role, err := a.roles.EnsureRole(ctx, tenantID, r.Name, r.RepThreshold)
	if err != nil {
		return rbac.Role{}, err
	}
	models := make([]string, 0, len(r.Models))
	for model := range r.Models {
		models = append(models, model)
	}
	sort.Strings(models)
	for _, model := range models {
		level, err := parseLevel(r.Models[model])
		if err != nil {
			return rbac.Role{}, err
		}
		if _, err := a.roles.AddAllPermissionsOnModelToRole(ctx, model, role, tenantID, level); err != nil {
			return rbac.Role{}, err
		}
	}
	for _, g := range r.Fields {
		level, err := parseLevel(g.Level)
		if err != nil {
			return rbac.Role{}, err
		}
		if _, err := a.roles.SetFieldPermission(ctx, rbac.FieldPermission{
			RoleID:    role.ID,
			TenantID:  tenantID,
			ModelName: g.Model,
			FieldName: g.Field,
			Level:     level,
		}); err != nil {
			return rbac.Role{}, err
		}
	}
	for _, userID := range r.Users {
		if err := a.roles.AssignRole(ctx, userID, role.ID); err != nil {
			return rbac.Role{}, err
		}
	}
	return role, nil
}

func parseLevel(name string) (rbac.Level, error) {
	level, ok := rbac.ParseLevel(name)
	if !ok {
		return rbac.None, &shared.ValidationError{Field: "level", Reason: fmt.Sprintf("unknown permission level %q", name)}
	}
	return level, nil
}
