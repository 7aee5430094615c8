// Package geojson provides GeoJSON feature and geometry types and utilities.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Geometry type names.
const (
	TypePolygon           = "Polygon"
	TypeMultiPolygon      = "MultiPolygon"
	TypeFeature           = "Feature"
	TypeFeatureCollection = "FeatureCollection"
)

var (
	// ErrUnsupportedGeometry is returned for geometry types other than the ones requested.
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")

	// ErrInvalidGeometry is returned when coordinates cannot form a valid geometry.
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// Geometry represents a GeoJSON geometry object.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature. Properties are kept raw and never interpreted.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   *Geometry       `json:"geometry"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection.
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// Polygon returns the coordinates as a Polygon [][][lon, lat].
// Returns error if geometry is not a Polygon.
func (g *Geometry) Polygon() ([][][]float64, error) {
	if g.Type != TypePolygon {
		return nil, fmt.Errorf("geometry is not a Polygon, got %s", g.Type)
	}
	var coords [][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Polygon coordinates: %w", err)
	}
	return coords, nil
}

// MultiPolygon returns the coordinates as a MultiPolygon [][][][lon, lat].
// Returns error if geometry is not a MultiPolygon.
func (g *Geometry) MultiPolygon() ([][][][]float64, error) {
	if g.Type != TypeMultiPolygon {
		return nil, fmt.Errorf("geometry is not a MultiPolygon, got %s", g.Type)
	}
	var coords [][][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MultiPolygon coordinates: %w", err)
	}
	return coords, nil
}

// BBox computes the bounding box of the geometry.
// Returns [west, south, east, north].
func (g *Geometry) BBox() ([]float64, error) {
	return ComputeBBox(g)
}

// OrbPolygon converts a Polygon geometry into an orb.Polygon.
// Unclosed rings are closed; rings with fewer than four positions are rejected.
func (g *Geometry) OrbPolygon() (orb.Polygon, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: geometry is nil", ErrInvalidGeometry)
	}
	if g.Type != TypePolygon {
		return nil, fmt.Errorf("%w: %s (only Polygon is accepted)", ErrUnsupportedGeometry, g.Type)
	}
	coords, err := g.Polygon()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	if len(coords) == 0 {
		return nil, fmt.Errorf("%w: polygon has no rings", ErrInvalidGeometry)
	}

	polygon := make(orb.Polygon, 0, len(coords))
	for i, ring := range coords {
		r, err := toRing(ring)
		if err != nil {
			return nil, fmt.Errorf("%w: ring %d: %v", ErrInvalidGeometry, i, err)
		}
		polygon = append(polygon, r)
	}
	return polygon, nil
}

func toRing(positions [][]float64) (orb.Ring, error) {
	ring := make(orb.Ring, 0, len(positions)+1)
	for _, p := range positions {
		if len(p) < 2 {
			return nil, fmt.Errorf("position must have at least 2 values, got %d", len(p))
		}
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return nil, fmt.Errorf("position contains non-finite values")
		}
		ring = append(ring, orb.Point{p[0], p[1]})
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	if len(ring) < 4 {
		return nil, fmt.Errorf("ring must have at least 4 positions, got %d", len(ring))
	}
	return ring, nil
}

// Polygons extracts every feature geometry of the collection as an orb.Polygon.
// Any feature that is not a Polygon makes the whole collection invalid.
func (fc *FeatureCollection) Polygons() ([]orb.Polygon, error) {
	if fc == nil {
		return nil, fmt.Errorf("%w: feature collection is nil", ErrInvalidGeometry)
	}
	if fc.Type != TypeFeatureCollection {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrInvalidGeometry, TypeFeatureCollection, fc.Type)
	}

	polygons := make([]orb.Polygon, 0, len(fc.Features))
	for i, feature := range fc.Features {
		if feature == nil || feature.Type != TypeFeature {
			return nil, fmt.Errorf("%w: features[%d] is not a Feature", ErrInvalidGeometry, i)
		}
		polygon, err := feature.Geometry.OrbPolygon()
		if err != nil {
			return nil, fmt.Errorf("features[%d]: %w", i, err)
		}
		polygons = append(polygons, polygon)
	}
	if len(polygons) == 0 {
		return nil, fmt.Errorf("%w: feature collection contains no polygons", ErrInvalidGeometry)
	}
	return polygons, nil
}

// MultiPolygon combines all Polygon features into a single orb.MultiPolygon.
func (fc *FeatureCollection) MultiPolygon() (orb.MultiPolygon, error) {
	polygons, err := fc.Polygons()
	if err != nil {
		return nil, err
	}
	return orb.MultiPolygon(polygons), nil
}

// ComputeBBox computes the bounding box of a geometry.
// Returns [west, south, east, north].
func ComputeBBox(g *Geometry) ([]float64, error) {
	if g == nil {
		return nil, fmt.Errorf("geometry is nil")
	}

	minLon, minLat := math.Inf(1), math.Inf(1)
	maxLon, maxLat := math.Inf(-1), math.Inf(-1)

	extend := func(ring [][]float64) {
		for _, point := range ring {
			if len(point) < 2 {
				continue
			}
			minLon = math.Min(minLon, point[0])
			maxLon = math.Max(maxLon, point[0])
			minLat = math.Min(minLat, point[1])
			maxLat = math.Max(maxLat, point[1])
		}
	}

	switch g.Type {
	case TypePolygon:
		coords, err := g.Polygon()
		if err != nil {
			return nil, err
		}
		for _, ring := range coords {
			extend(ring)
		}

	case TypeMultiPolygon:
		coords, err := g.MultiPolygon()
		if err != nil {
			return nil, err
		}
		for _, polygon := range coords {
			for _, ring := range polygon {
				extend(ring)
			}
		}

	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.Type)
	}

	if math.IsInf(minLon, 0) || math.IsInf(minLat, 0) {
		return nil, fmt.Errorf("failed to compute bounding box: no valid coordinates found")
	}

	return []float64{minLon, minLat, maxLon, maxLat}, nil
}

// NewPolygonFromBBox creates a polygon geometry from a bounding box.
// bbox should be [west, south, east, north].
func NewPolygonFromBBox(bbox []float64) (*Geometry, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values [west, south, east, north], got %d", len(bbox))
	}

	west, south, east, north := bbox[0], bbox[1], bbox[2], bbox[3]

	// Counter-clockwise exterior ring
	coords := [][][]float64{
		{
			{west, south},
			{east, south},
			{east, north},
			{west, north},
			{west, south},
		},
	}

	coordsJSON, err := json.Marshal(coords)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal polygon coordinates: %w", err)
	}

	return &Geometry{
		Type:        TypePolygon,
		Coordinates: coordsJSON,
	}, nil
}

// BoundToWKT renders an orb.Bound as a WKT POLYGON.
func BoundToWKT(b orb.Bound) string {
	g, err := NewPolygonFromBBox([]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]})
	if err != nil {
		return ""
	}
	wkt, err := ToWKT(g)
	if err != nil {
		return ""
	}
	return wkt
}

// ToWKT converts a GeoJSON geometry to WKT format.
// Supports Polygon and MultiPolygon.
func ToWKT(g *Geometry) (string, error) {
	if g == nil {
		return "", fmt.Errorf("geometry is nil")
	}

	switch g.Type {
	case TypePolygon:
		coords, err := g.Polygon()
		if err != nil {
			return "", err
		}
		rings, err := ringsToWKT(coords)
		if err != nil {
			return "", err
		}
		return "POLYGON" + rings, nil
	case TypeMultiPolygon:
		coords, err := g.MultiPolygon()
		if err != nil {
			return "", err
		}
		polygons := make([]string, 0, len(coords))
		for _, polygon := range coords {
			rings, err := ringsToWKT(polygon)
			if err != nil {
				return "", err
			}
			polygons = append(polygons, rings)
		}
		return "MULTIPOLYGON(" + strings.Join(polygons, ",") + ")", nil
	default:
		return "", fmt.Errorf("unsupported geometry type for WKT conversion: %s", g.Type)
	}
}

func ringsToWKT(coords [][][]float64) (string, error) {
	rings := make([]string, 0, len(coords))
	for _, ring := range coords {
		points := make([]string, len(ring))
		for i, point := range ring {
			if len(point) < 2 {
				return "", fmt.Errorf("invalid point in polygon ring: expected at least 2 coordinates")
			}
			points[i] = formatFloat(point[0]) + " " + formatFloat(point[1])
		}
		rings = append(rings, "("+strings.Join(points, ",")+")")
	}
	return "(" + strings.Join(rings, ",") + ")", nil
}

// formatFloat formats a float64 for WKT output
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
