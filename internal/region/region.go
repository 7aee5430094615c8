// Package region validates user-submitted polygons and derives the bounding box
// used to query biomass sources.
package region

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/robert-malhotra/biomass-estimator/pkg/geojson"
	"github.com/tidwall/geodesic"
)

// DefaultAreaLimit is the default ceiling on the geodesic bbox area, in square metres (200 ha).
const DefaultAreaLimit = 2_000_000

var (
	// ErrAreaTooLarge is returned when the bbox area exceeds the configured ceiling.
	ErrAreaTooLarge = errors.New("area too large")

	// ErrOutOfRange is returned for coordinates outside longitude/latitude bounds.
	ErrOutOfRange = errors.New("coordinates out of range")

	// ErrDegenerate is returned when the bbox has no width or height.
	ErrDegenerate = errors.New("degenerate region")
)

// ValidationError marks a client-correctable region error.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// Region is a validated estimation request area.
type Region struct {
	// MultiPolygon is the user geometry, kept for exact masking.
	MultiPolygon orb.MultiPolygon
	// BBox is the axis-aligned bounding box of MultiPolygon.
	BBox orb.Bound
	// Area is the geodesic area of BBox in square metres.
	Area float64
}

// Validator turns feature collections into regions.
type Validator struct {
	// AreaLimit is the maximum geodesic bbox area in square metres.
	AreaLimit float64
}

// NewValidator creates a validator with the given area limit. A non-positive
// limit selects DefaultAreaLimit.
func NewValidator(areaLimit float64) *Validator {
	if areaLimit <= 0 {
		areaLimit = DefaultAreaLimit
	}
	return &Validator{AreaLimit: areaLimit}
}

// Validate extracts the Polygon features of fc, computes their bounding box and
// enforces the area ceiling. It performs no I/O.
func (v *Validator) Validate(fc *geojson.FeatureCollection) (*Region, error) {
	mp, err := fc.MultiPolygon()
	if err != nil {
		return nil, &ValidationError{Err: err}
	}

	bbox := mp.Bound()
	for _, p := range []orb.Point{bbox.Min, bbox.Max} {
		if p[0] < -180 || p[0] > 180 || p[1] < -90 || p[1] > 90 {
			return nil, invalid("%w: %v is outside [-180, 180] x [-90, 90]", ErrOutOfRange, p)
		}
	}
	if bbox.Max[0] <= bbox.Min[0] || bbox.Max[1] <= bbox.Min[1] {
		return nil, invalid("%w: bounding box %s has zero width or height", ErrDegenerate, geojson.BoundToWKT(bbox))
	}

	area := GeodesicArea(bbox)
	if area > v.AreaLimit {
		return nil, invalid("%w (max=%gha): %.0f m²", ErrAreaTooLarge, v.AreaLimit/10_000, area)
	}

	return &Region{MultiPolygon: mp, BBox: bbox, Area: area}, nil
}

// GeodesicArea returns the area of the bound on the WGS84 ellipsoid in square metres.
func GeodesicArea(b orb.Bound) float64 {
	poly := geodesic.WGS84.PolygonInit(false)
	for _, p := range b.ToRing()[:4] {
		poly.AddPoint(p[1], p[0])
	}
	var area, perimeter float64
	poly.Compute(false, true, &area, &perimeter)
	return math.Abs(area)
}

// GeodesicSize returns the east-west and north-south extents of the bound in metres,
// measured through its centre.
func GeodesicSize(b orb.Bound) (width, height float64) {
	c := b.Center()
	geodesic.WGS84.Inverse(c[1], b.Min[0], c[1], b.Max[0], &width, nil, nil)
	geodesic.WGS84.Inverse(b.Min[1], c[0], b.Max[1], c[0], &height, nil, nil)
	return width, height
}
