package satellite

import (
	"fmt"
	"math"

	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"

	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/internal/region"
)

// Grid is a regular longitude/latitude grid over a bbox whose cell size
// approximates a ground distance.
type Grid struct {
	Bound         orb.Bound
	Width, Height int
}

// NewGrid sizes a grid over b so that cells are at most resolution metres on a side.
func NewGrid(b orb.Bound, resolution float64) Grid {
	w, h := region.GeodesicSize(b)
	return Grid{
		Bound:  b,
		Width:  max(1, int(math.Ceil(w/resolution))),
		Height: max(1, int(math.Ceil(h/resolution))),
	}
}

// Transform maps grid pixels to longitude/latitude.
func (g Grid) Transform() raster.Affine {
	return raster.FromBounds(g.Bound.Min[0], g.Bound.Min[1], g.Bound.Max[0], g.Bound.Max[1], g.Width, g.Height)
}

// Centers returns the pixel centre coordinates in row-major order.
func (g Grid) Centers() (lons, lats []float64) {
	t := g.Transform()
	n := g.Width * g.Height
	lons, lats = make([]float64, n), make([]float64, n)
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			i := row*g.Width + col
			lons[i], lats[i] = t.Apply(float64(col)+0.5, float64(row)+0.5)
		}
	}
	return lons, lats
}

// Project converts longitude/latitude points to crs.
func Project(crs raster.CRS, lons, lats []float64) (xs, ys []float64, err error) {
	if crs.IsGeographic() {
		return append([]float64(nil), lons...), append([]float64(nil), lats...), nil
	}

	srcDef, _ := raster.WGS84.Proj4()
	dstDef, err := crs.Proj4()
	if err != nil {
		return nil, nil, err
	}
	src, err := proj.Parse(srcDef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", raster.WGS84, err)
	}
	dst, err := proj.Parse(dstDef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", crs, err)
	}
	transform, err := src.NewTransform(dst)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build transform to %s: %w", crs, err)
	}

	xs, ys = make([]float64, len(lons)), make([]float64, len(lons))
	for i := range lons {
		if xs[i], ys[i], err = transform(lons[i], lats[i]); err != nil {
			return nil, nil, fmt.Errorf("failed to project (%g, %g) to %s: %w", lons[i], lats[i], crs, err)
		}
	}
	return xs, ys, nil
}
