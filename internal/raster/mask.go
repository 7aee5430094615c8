package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// GeometryMask rasterizes mp onto a height x width grid under t. A pixel is inside
// when its centre lies within the multipolygon; holes are honoured.
func GeometryMask(mp orb.MultiPolygon, height, width int, t Affine) ([]bool, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: mask shape %dx%d", ErrShape, height, width)
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("cannot rasterize an empty multipolygon")
	}

	bound := mp.Bound()
	mask := make([]bool, height*width)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			x, y := t.Apply(float64(col)+0.5, float64(row)+0.5)
			p := orb.Point{x, y}
			if !bound.Contains(p) {
				continue
			}
			mask[row*width+col] = planar.MultiPolygonContains(mp, p)
		}
	}
	return mask, nil
}

// ApplyMask sets every sample outside the mask to NaN. It is idempotent.
func ApplyMask(data []float32, mask []bool) error {
	if len(data) != len(mask) {
		return fmt.Errorf("%w: %d samples, %d mask cells", ErrShape, len(data), len(mask))
	}
	nan := float32(math.NaN())
	for i, inside := range mask {
		if !inside {
			data[i] = nan
		}
	}
	return nil
}
