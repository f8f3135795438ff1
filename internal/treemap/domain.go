// Package treemap holds the inventory records edited by tenants: plots,
// trees planted in them and the tenant's species list.
package treemap

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/treemap/internal/registry"
	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Model type tags.
const (
	ModelPlot            = "Plot"
	ModelTree            = "Tree"
	ModelInstanceSpecies = "InstanceSpecies"
)

// Plot is a planting site. Geom is a WKT point in web mercator.
type Plot struct {
	ID            int64
	InstanceID    int64
	Geom          string
	Width         *float64
	Length        *float64
	AddressStreet *string
	AddressCity   *string
	AddressZip    *string
	ImportEventID *int64
	CreatedBy     int64
	OwnerOrigID   *string
	Readonly      bool
}

// Tree belongs to a plot.
type Tree struct {
	ID            int64
	InstanceID    int64
	PlotID        int64
	SpeciesID     *int64
	CreatedBy     int64
	ImportEventID *int64
	Readonly      bool
	Diameter      *float64
	Height        *float64
	CanopyHeight  *float64
	DatePlanted   *time.Time
	DateRemoved   *time.Time
}

// InstanceSpecies is a tenant-local species entry. It is audited but not
// governed by field permissions.
type InstanceSpecies struct {
	ID         int64
	InstanceID int64
	SpeciesID  int64
	CommonName *string
}

// Registry returns the registry of every treemap model type.
func Registry() (*registry.Registry, error) {
	return registry.New(PlotType, TreeType, InstanceSpeciesType)
}

// MustRegistry panics when the static model set is inconsistent.
func MustRegistry() *registry.Registry {
	r, err := Registry()
	if err != nil {
		panic(fmt.Sprintf("treemap: build registry: %v", err))
	}
	return r
}

func primaryKey() registry.Field {
	return registry.Field{Name: "id", Kind: registry.KindInt, PrimaryKey: true}
}

func tenantKey() registry.Field {
	return registry.Field{Name: "instance_id", Kind: registry.KindInt}
}

// PlotType registers Plot.
var PlotType = &registry.ModelType{
	Name:  ModelPlot,
	Table: "treemap_plot",
	Fields: []registry.Field{
		primaryKey(),
		tenantKey(),
		{Name: "geom", Kind: registry.KindString},
		{Name: "width", Kind: registry.KindFloat, Nullable: true},
		{Name: "length", Kind: registry.KindFloat, Nullable: true},
		{Name: "address_street", Kind: registry.KindString, Nullable: true},
		{Name: "address_city", Kind: registry.KindString, Nullable: true},
		{Name: "address_zip", Kind: registry.KindString, Nullable: true},
		{Name: "import_event_id", Kind: registry.KindInt, Nullable: true},
		{Name: "created_by", Kind: registry.KindInt},
		{Name: "owner_orig_id", Kind: registry.KindString, Nullable: true},
		{Name: "readonly", Kind: registry.KindBool, HasDefault: true},
	},
	Authorizable: true,
	New:          func(tenantID int64) tracking.Model { return &Plot{InstanceID: tenantID} },
}

// TreeType registers Tree. Trees reference their plot, so plots resolve first.
var TreeType = &registry.ModelType{
	Name:  ModelTree,
	Table: "treemap_tree",
	Fields: []registry.Field{
		primaryKey(),
		tenantKey(),
		{Name: "plot_id", Kind: registry.KindInt, References: ModelPlot},
		{Name: "species_id", Kind: registry.KindInt, Nullable: true},
		{Name: "created_by", Kind: registry.KindInt},
		{Name: "import_event_id", Kind: registry.KindInt, Nullable: true},
		{Name: "readonly", Kind: registry.KindBool, HasDefault: true},
		{Name: "diameter", Kind: registry.KindFloat, Nullable: true},
		{Name: "height", Kind: registry.KindFloat, Nullable: true},
		{Name: "canopy_height", Kind: registry.KindFloat, Nullable: true},
		{Name: "date_planted", Kind: registry.KindDate, Nullable: true},
		{Name: "date_removed", Kind: registry.KindDate, Nullable: true},
	},
	Authorizable: true,
	New:          func(tenantID int64) tracking.Model { return &Tree{InstanceID: tenantID} },
}

// InstanceSpeciesType registers InstanceSpecies.
var InstanceSpeciesType = &registry.ModelType{
	Name:  ModelInstanceSpecies,
	Table: "treemap_instancespecies",
	Fields: []registry.Field{
		primaryKey(),
		tenantKey(),
		{Name: "species_id", Kind: registry.KindInt},
		{Name: "common_name", Kind: registry.KindString, Nullable: true},
	},
	New: func(tenantID int64) tracking.Model { return &InstanceSpecies{InstanceID: tenantID} },
}
