package treemap

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/treemap/internal/registry"
)

func (p *Plot) ModelName() string { return ModelPlot }

func (p *Plot) PrimaryKey() (int64, bool) { return p.ID, p.ID != 0 }

func (p *Plot) SetPrimaryKey(id int64) { p.ID = id }

func (p *Plot) TenantID() int64 { return p.InstanceID }

func (p *Plot) Values() map[string]any {
	return map[string]any{
		"id":              optionalID(p.ID),
		"instance_id":     p.InstanceID,
		"geom":            p.Geom,
		"width":           deref(p.Width),
		"length":          deref(p.Length),
		"address_street":  deref(p.AddressStreet),
		"address_city":    deref(p.AddressCity),
		"address_zip":     deref(p.AddressZip),
		"import_event_id": deref(p.ImportEventID),
		"created_by":      p.CreatedBy,
		"owner_orig_id":   deref(p.OwnerOrigID),
		"readonly":        p.Readonly,
	}
}

func (p *Plot) ApplyChange(field string, value any) error {
	switch field {
	case "id":
		return setInt(&p.ID, value)
	case "instance_id":
		return setInt(&p.InstanceID, value)
	case "geom":
		return setString(&p.Geom, value)
	case "width":
		return setPtr(&p.Width, registry.KindFloat, value)
	case "length":
		return setPtr(&p.Length, registry.KindFloat, value)
	case "address_street":
		return setPtr(&p.AddressStreet, registry.KindString, value)
	case "address_city":
		return setPtr(&p.AddressCity, registry.KindString, value)
	case "address_zip":
		return setPtr(&p.AddressZip, registry.KindString, value)
	case "import_event_id":
		return setPtr(&p.ImportEventID, registry.KindInt, value)
	case "created_by":
		return setInt(&p.CreatedBy, value)
	case "owner_orig_id":
		return setPtr(&p.OwnerOrigID, registry.KindString, value)
	case "readonly":
		return setBool(&p.Readonly, value)
	}
	return fmt.Errorf("treemap: plot has no field %q", field)
}

func (t *Tree) ModelName() string { return ModelTree }

func (t *Tree) PrimaryKey() (int64, bool) { return t.ID, t.ID != 0 }

func (t *Tree) SetPrimaryKey(id int64) { t.ID = id }

func (t *Tree) TenantID() int64 { return t.InstanceID }

func (t *Tree) Values() map[string]any {
	return map[string]any{
		"id":              optionalID(t.ID),
		"instance_id":     t.InstanceID,
		"plot_id":         optionalID(t.PlotID),
		"species_id":      deref(t.SpeciesID),
		"created_by":      t.CreatedBy,
		"import_event_id": deref(t.ImportEventID),
		"readonly":        t.Readonly,
		"diameter":        deref(t.Diameter),
		"height":          deref(t.Height),
		"canopy_height":   deref(t.CanopyHeight),
		"date_planted":    deref(t.DatePlanted),
		"date_removed":    deref(t.DateRemoved),
	}
}

func (t *Tree) ApplyChange(field string, value any) error {
	switch field {
	case "id":
		return setInt(&t.ID, value)
	case "instance_id":
		return setInt(&t.InstanceID, value)
	case "plot_id":
		return setInt(&t.PlotID, value)
	case "species_id":
		return setPtr(&t.SpeciesID, registry.KindInt, value)
	case "created_by":
		return setInt(&t.CreatedBy, value)
	case "import_event_id":
		return setPtr(&t.ImportEventID, registry.KindInt, value)
	case "readonly":
		return setBool(&t.Readonly, value)
	case "diameter":
		return setPtr(&t.Diameter, registry.KindFloat, value)
	case "height":
		return setPtr(&t.Height, registry.KindFloat, value)
	case "canopy_height":
		return setPtr(&t.CanopyHeight, registry.KindFloat, value)
	case "date_planted":
		return setPtr(&t.DatePlanted, registry.KindDate, value)
	case "date_removed":
		return setPtr(&t.DateRemoved, registry.KindDate, value)
	}
	return fmt.Errorf("treemap: tree has no field %q", field)
}

func (s *InstanceSpecies) ModelName() string { return ModelInstanceSpecies }

func (s *InstanceSpecies) PrimaryKey() (int64, bool) { return s.ID, s.ID != 0 }

func (s *InstanceSpecies) SetPrimaryKey(id int64) { s.ID = id }

func (s *InstanceSpecies) TenantID() int64 { return s.InstanceID }

func (s *InstanceSpecies) Values() map[string]any {
	return map[string]any{
		"id":          optionalID(s.ID),
		"instance_id": s.InstanceID,
		"species_id":  optionalID(s.SpeciesID),
		"common_name": deref(s.CommonName),
	}
}

func (s *InstanceSpecies) ApplyChange(field string, value any) error {
	switch field {
	case "id":
		return setInt(&s.ID, value)
	case "instance_id":
		return setInt(&s.InstanceID, value)
	case "species_id":
		return setInt(&s.SpeciesID, value)
	case "common_name":
		return setPtr(&s.CommonName, registry.KindString, value)
	}
	return fmt.Errorf("treemap: instance species has no field %q", field)
}

// optionalID reports a zero key as null so unset references read as "not set".
func optionalID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func setInt(dst *int64, value any) error {
	v, err := registry.Convert(registry.KindInt, value)
	if err != nil {
		return err
	}
	if v == nil {
		*dst = 0
		return nil
	}
	*dst = v.(int64)
	return nil
}

func setString(dst *string, value any) error {
	v, err := registry.Convert(registry.KindString, value)
	if err != nil {
		return err
	}
	if v == nil {
		*dst = ""
		return nil
	}
	*dst = v.(string)
	return nil
}

func setBool(dst *bool, value any) error {
	v, err := registry.Convert(registry.KindBool, value)
	if err != nil {
		return err
	}
	if v == nil {
		*dst = false
		return nil
	}
	*dst = v.(bool)
	return nil
}

// setPtr stores a nullable value. T must match the Go type Convert yields for kind.
func setPtr[T int64 | float64 | string | time.Time](dst **T, kind registry.Kind, value any) error {
	v, err := registry.Convert(kind, value)
	if err != nil {
		return err
	}
	if v == nil {
		*dst = nil
		return nil
	}
	typed, ok := v.(T)
	if !ok {
		return fmt.Errorf("treemap: unexpected %T for kind %d", v, kind)
	}
	*dst = &typed
	return nil
}
