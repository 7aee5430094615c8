// Package raster provides georeferenced raster grids and a GeoTIFF codec.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// DType is the on-disk sample type of a raster band.
type DType string

// Supported sample types.
const (
	Uint8   DType = "uint8"
	Int8    DType = "int8"
	Uint16  DType = "uint16"
	Int16   DType = "int16"
	Uint32  DType = "uint32"
	Int32   DType = "int32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// IsFloat reports whether the type is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// Size returns the size of one sample in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// MaxValue returns the largest representable value of an integer type, or 1 for
// floating point types.
func (d DType) MaxValue() float64 {
	switch d {
	case Uint8:
		return math.MaxUint8
	case Int8:
		return math.MaxInt8
	case Uint16:
		return math.MaxUint16
	case Int16:
		return math.MaxInt16
	case Uint32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	}
	return 1
}

// ErrShape is returned when raster data does not match its profile.
var ErrShape = errors.New("raster data does not match profile shape")

// Profile describes the layout and georeferencing of a raster.
type Profile struct {
	Driver    string
	DType     DType
	Width     int
	Height    int
	Count     int
	CRS       CRS
	Transform Affine
	// NoData is nil when the raster declares no nodata value.
	NoData   *float64
	Compress string
}

// Bounds returns the bounding box of the profile, derived from transform and shape.
func (p Profile) Bounds() orb.Bound {
	return ArrayBounds(p.Height, p.Width, p.Transform)
}

// Resolution returns the absolute pixel size along x and y.
func (p Profile) Resolution() (float64, float64) {
	return math.Hypot(p.Transform.A, p.Transform.D), math.Hypot(p.Transform.B, p.Transform.E)
}

// IsNoData reports whether v matches the profile's nodata value.
func (p Profile) IsNoData(v float64) bool {
	if p.NoData == nil {
		return false
	}
	if math.IsNaN(*p.NoData) {
		return math.IsNaN(v)
	}
	return v == *p.NoData
}

// NaN returns a pointer to a NaN nodata value.
func NaN() *float64 {
	v := math.NaN()
	return &v
}

// GeoRaster is an in-memory raster. Data is band-major: Count*Height*Width samples.
type GeoRaster struct {
	Data    []float32
	Profile Profile
}

// New allocates a raster for the profile, filled with fill.
func New(p Profile, fill float32) *GeoRaster {
	data := make([]float32, p.Count*p.Height*p.Width)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &GeoRaster{Data: data, Profile: p}
}

// Validate checks that Data matches the profile shape.
func (r *GeoRaster) Validate() error {
	p := r.Profile
	if p.Width <= 0 || p.Height <= 0 || p.Count <= 0 {
		return fmt.Errorf("%w: non-positive dimensions %dx%dx%d", ErrShape, p.Count, p.Height, p.Width)
	}
	if want := p.Count * p.Height * p.Width; len(r.Data) != want {
		return fmt.Errorf("%w: have %d samples, want %d", ErrShape, len(r.Data), want)
	}
	return nil
}

// BoundingBox returns the raster extent. It is always recomputed from transform and shape.
func (r *GeoRaster) BoundingBox() orb.Bound {
	return r.Profile.Bounds()
}

// Band returns the samples of the 1-based band index without copying.
func (r *GeoRaster) Band(band int) ([]float32, error) {
	if band < 1 || band > r.Profile.Count {
		return nil, fmt.Errorf("band %d out of range [1, %d]", band, r.Profile.Count)
	}
	n := r.Profile.Width * r.Profile.Height
	return r.Data[(band-1)*n : band*n], nil
}
