package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrInvalidWindow is returned when a window cannot be derived from the requested bounds.
var ErrInvalidWindow = errors.New("invalid raster window")

// Affine maps pixel (col, row) coordinates to georeferenced (x, y) coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A, B, C, D, E, F float64
}

// Identity is the identity transform.
var Identity = Affine{A: 1, E: 1}

// FromBounds returns the north-up transform that maps a width x height grid onto
// the given bounds.
func FromBounds(west, south, east, north float64, width, height int) Affine {
	return Affine{
		A: (east - west) / float64(width),
		C: west,
		E: -(north - south) / float64(height),
		F: north,
	}
}

// Apply maps a pixel coordinate to a georeferenced coordinate.
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// Determinant returns the determinant of the linear part of the transform.
func (t Affine) Determinant() float64 {
	return t.A*t.E - t.B*t.D
}

// IsRectilinear reports whether the transform has no rotation or shear terms.
func (t Affine) IsRectilinear() bool {
	return t.B == 0 && t.D == 0
}

// Inverse returns the transform mapping georeferenced coordinates back to pixels.
func (t Affine) Inverse() (Affine, error) {
	det := t.Determinant()
	if det == 0 || math.IsNaN(det) {
		return Affine{}, fmt.Errorf("transform %v is not invertible", t)
	}
	ia := t.E / det
	ib := -t.B / det
	id := -t.D / det
	ie := t.A / det
	return Affine{
		A: ia,
		B: ib,
		C: -ia*t.C - ib*t.F,
		D: id,
		E: ie,
		F: -id*t.C - ie*t.F,
	}, nil
}

// ArrayBounds returns the bounding box covered by a height x width grid under t.
func ArrayBounds(height, width int, t Affine) orb.Bound {
	w, h := float64(width), float64(height)
	x0, y0 := t.Apply(0, 0)
	b := orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x0, y0}}
	for _, c := range [][2]float64{{w, 0}, {0, h}, {w, h}} {
		x, y := t.Apply(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// Window is a rectangular pixel region of a raster.
type Window struct {
	ColOff int
	RowOff int
	Width  int
	Height int
}

// WindowFromBounds computes the pixel window of a raster with transform t that
// covers the given bounds. Offsets and extents are rounded to the nearest pixel;
// the resulting window is at least one pixel wide and tall.
func WindowFromBounds(t Affine, b orb.Bound) (Window, error) {
	if b.Max[0] < b.Min[0] || b.Max[1] < b.Min[1] {
		return Window{}, fmt.Errorf("%w: bounds %v are inverted", ErrInvalidWindow, b)
	}
	inv, err := t.Inverse()
	if err != nil {
		return Window{}, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}

	colMin, rowMin := math.Inf(1), math.Inf(1)
	colMax, rowMax := math.Inf(-1), math.Inf(-1)
	for _, p := range []orb.Point{b.Min, b.Max, b.LeftTop(), b.RightBottom()} {
		c, r := inv.Apply(p[0], p[1])
		colMin, colMax = math.Min(colMin, c), math.Max(colMax, c)
		rowMin, rowMax = math.Min(rowMin, r), math.Max(rowMax, r)
	}
	if math.IsNaN(colMin) || math.IsInf(colMin, 0) || math.IsNaN(rowMin) || math.IsInf(rowMin, 0) {
		return Window{}, fmt.Errorf("%w: bounds %v map to non-finite pixels", ErrInvalidWindow, b)
	}

	col0, row0 := math.Round(colMin), math.Round(rowMin)
	col1, row1 := math.Round(colMax), math.Round(rowMax)
	return Window{
		ColOff: int(col0),
		RowOff: int(row0),
		Width:  max(int(col1-col0), 1),
		Height: max(int(row1-row0), 1),
	}, nil
}

// Transform returns the transform of the window's pixel grid given the parent transform.
func (w Window) Transform(t Affine) Affine {
	x, y := t.Apply(float64(w.ColOff), float64(w.RowOff))
	return Affine{A: t.A, B: t.B, C: x, D: t.D, E: t.E, F: y}
}

// Intersects reports whether the window overlaps a width x height raster.
func (w Window) Intersects(width, height int) bool {
	return w.ColOff < width && w.RowOff < height &&
		w.ColOff+w.Width > 0 && w.RowOff+w.Height > 0
}

func (w Window) String() string {
	return fmt.Sprintf("Window(col_off=%d, row_off=%d, width=%d, height=%d)", w.ColOff, w.RowOff, w.Width, w.Height)
}
