package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Band group identifiers fed to the fusion model.
const (
	GroupRadar     = "sen1"
	GroupOptical10 = "sen2_10m"
	GroupOptical20 = "sen2_20m"
	GroupOptical60 = "sen2_60m"
)

// RequiredGroups lists the band groups every registry must define, in model
// input order.
var RequiredGroups = []string{GroupRadar, GroupOptical10, GroupOptical20, GroupOptical60}

// BandGroup maps one model input group to a STAC collection and the asset
// keys of its bands. This is typically loaded from a YAML file.
type BandGroup struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description,omitempty"`
	Collection  string   `yaml:"collection"`
	Assets      []string `yaml:"assets"`
	// Resolution is the native ground sample distance in metres.
	Resolution float64 `yaml:"resolution"`
	// CloudCover enables the eo:cloud_cover ceiling when searching scenes.
	CloudCover bool `yaml:"cloud_cover,omitempty"`
	// Filters are item properties that must equal the given values.
	Filters map[string]string `yaml:"filters,omitempty"`
}

// SensorRegistry holds the band group definitions indexed by ID.
type SensorRegistry struct {
	groups map[string]*BandGroup
	order  []string
}

type sensorsFile struct {
	Groups []*BandGroup `yaml:"groups"`
}

// NewSensorRegistry creates a new empty registry.
func NewSensorRegistry() *SensorRegistry {
	return &SensorRegistry{
		groups: make(map[string]*BandGroup),
	}
}

// DefaultSensors returns the built-in band groups served by Earth Search.
func DefaultSensors() *SensorRegistry {
	r := NewSensorRegistry()
	for _, g := range []*BandGroup{
		{
			ID:          GroupRadar,
			Description: "Sentinel-1 GRD backscatter",
			Collection:  "sentinel-1-grd",
			Assets:      []string{"vv", "vh"},
			Resolution:  10,
			Filters:     map[string]string{"sar:instrument_mode": "IW"},
		},
		{
			ID:          GroupOptical10,
			Description: "Sentinel-2 L2A 10 m bands B2, B3, B4, B8",
			Collection:  "sentinel-2-l2a",
			Assets:      []string{"blue", "green", "red", "nir"},
			Resolution:  10,
			CloudCover:  true,
		},
		{
			ID:          GroupOptical20,
			Description: "Sentinel-2 L2A 20 m bands B5, B6, B7, B8A, B11, B12",
			Collection:  "sentinel-2-l2a",
			Assets:      []string{"rededge1", "rededge2", "rededge3", "nir08", "swir16", "swir22"},
			Resolution:  20,
			CloudCover:  true,
		},
		{
			ID:          GroupOptical60,
			Description: "Sentinel-2 L2A 60 m bands B1, B9",
			Collection:  "sentinel-2-l2a",
			Assets:      []string{"coastal", "nir09"},
			Resolution:  60,
			CloudCover:  true,
		},
	} {
		// Built-in groups are valid by construction.
		_ = r.Add(g)
	}
	return r
}

// LoadSensors loads band group definitions from a YAML file of the form
//
//	groups:
//	  - id: sen1
//	    collection: sentinel-1-grd
//	    assets: [vv, vh]
//	    resolution: 10
//
// Every group in RequiredGroups must be present.
func LoadSensors(path string) (*SensorRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sensors file %q: %w", path, err)
	}

	var file sensorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sensors file %q: %w", path, err)
	}

	registry := NewSensorRegistry()
	for i, g := range file.Groups {
		if err := registry.Add(g); err != nil {
			return nil, fmt.Errorf("sensors file %q: groups[%d]: %w", path, i, err)
		}
	}

	if err := registry.Complete(); err != nil {
		return nil, fmt.Errorf("sensors file %q: %w", path, err)
	}
	return registry, nil
}

// validateGroup checks that a band group definition is valid.
func validateGroup(g *BandGroup) error {
	if g.ID == "" {
		return fmt.Errorf("band group ID is required")
	}

	if g.Collection == "" {
		return fmt.Errorf("band group %q: collection is required", g.ID)
	}

	if len(g.Assets) == 0 {
		return fmt.Errorf("band group %q must list at least one asset", g.ID)
	}

	seen := make(map[string]bool, len(g.Assets))
	for _, a := range g.Assets {
		if a == "" || seen[a] {
			return fmt.Errorf("band group %q: empty or duplicate asset %q", g.ID, a)
		}
		seen[a] = true
	}

	if g.Resolution <= 0 {
		return fmt.Errorf("band group %q: resolution must be positive, got %g", g.ID, g.Resolution)
	}

	return nil
}

// Add registers a band group.
// Returns an error if the group is invalid or its ID already exists.
func (r *SensorRegistry) Add(g *BandGroup) error {
	if g == nil {
		return fmt.Errorf("cannot add nil band group")
	}

	if err := validateGroup(g); err != nil {
		return err
	}

	if _, exists := r.groups[g.ID]; exists {
		return fmt.Errorf("band group with ID %q already exists", g.ID)
	}

	r.groups[g.ID] = g
	r.order = append(r.order, g.ID)
	return nil
}

// Complete reports an error when a required group is missing.
func (r *SensorRegistry) Complete() error {
	for _, id := range RequiredGroups {
		if !r.Has(id) {
			return fmt.Errorf("required band group %q is not defined", id)
		}
	}
	return nil
}

// Get retrieves a band group by ID.
// Returns nil if the group does not exist.
func (r *SensorRegistry) Get(id string) *BandGroup {
	return r.groups[id]
}

// Has checks if a band group with the given ID exists.
func (r *SensorRegistry) Has(id string) bool {
	_, exists := r.groups[id]
	return exists
}

// All returns all band groups in registration order.
func (r *SensorRegistry) All() []*BandGroup {
	groups := make([]*BandGroup, 0, len(r.order))
	for _, id := range r.order {
		groups = append(groups, r.groups[id])
	}
	return groups
}

// IDs returns all band group IDs in registration order.
func (r *SensorRegistry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Count returns the number of band groups.
func (r *SensorRegistry) Count() int {
	return len(r.groups)
}

// Collections returns the distinct collections referenced by the registry.
func (r *SensorRegistry) Collections() []string {
	var collections []string
	seen := make(map[string]bool)
	for _, id := range r.order {
		c := r.groups[id].Collection
		if !seen[c] {
			seen[c] = true
			collections = append(collections, c)
		}
	}
	return collections
}
