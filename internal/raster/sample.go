package raster

import (
	"fmt"
	"math"
)

// maxSampleWindow bounds the pixel window read to serve one sampling call.
const maxSampleWindow = 8192

// SampleBilinear samples a 1-based band at georeferenced points (in the dataset
// CRS) with bilinear interpolation between pixel centres. Nodata and out of range
// neighbours are excluded from the weighting; a point with no valid neighbour is NaN.
func (d *Dataset) SampleBilinear(band int, xs, ys []float64) ([]float32, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("sample coordinates differ in length: %d != %d", len(xs), len(ys))
	}
	out := make([]float32, len(xs))
	if len(xs) == 0 {
		return out, nil
	}

	inv, err := d.profile.Transform.Inverse()
	if err != nil {
		return nil, err
	}
	cols := make([]float64, len(xs))
	rows := make([]float64, len(xs))
	colMin, rowMin := math.Inf(1), math.Inf(1)
	colMax, rowMax := math.Inf(-1), math.Inf(-1)
	for i := range xs {
		u, v := inv.Apply(xs[i], ys[i])
		cols[i], rows[i] = u-0.5, v-0.5
		colMin, colMax = math.Min(colMin, cols[i]), math.Max(colMax, cols[i])
		rowMin, rowMax = math.Min(rowMin, rows[i]), math.Max(rowMax, rows[i])
	}
	if math.IsNaN(colMin) || math.IsInf(colMin, 0) || math.IsNaN(rowMin) || math.IsInf(rowMin, 0) {
		return nil, fmt.Errorf("sample points map to non-finite pixels")
	}

	win := Window{ColOff: int(math.Floor(colMin)), RowOff: int(math.Floor(rowMin))}
	win.Width = int(math.Floor(colMax)) - win.ColOff + 2
	win.Height = int(math.Floor(rowMax)) - win.RowOff + 2
	if win.Width > maxSampleWindow || win.Height > maxSampleWindow {
		return nil, fmt.Errorf("%w: sampling %s exceeds %d pixels", ErrInvalidWindow, win, maxSampleWindow)
	}
	data, err := d.ReadWindow(band, win)
	if err != nil {
		return nil, err
	}

	at := func(r, c int) (float64, bool) {
		v := float64(data[r*win.Width+c])
		if math.IsNaN(v) || d.profile.IsNoData(v) {
			return 0, false
		}
		return v, true
	}

	for i := range out {
		c0, r0 := math.Floor(cols[i]), math.Floor(rows[i])
		fc, fr := cols[i]-c0, rows[i]-r0
		c, r := int(c0)-win.ColOff, int(r0)-win.RowOff

		var sum, weight float64
		for _, n := range [4]struct {
			dr, dc int
			w      float64
		}{
			{0, 0, (1 - fr) * (1 - fc)},
			{0, 1, (1 - fr) * fc},
			{1, 0, fr * (1 - fc)},
			{1, 1, fr * fc},
		} {
			if n.w == 0 {
				continue
			}
			if v, ok := at(r+n.dr, c+n.dc); ok {
				sum += v * n.w
				weight += n.w
			}
		}
		if weight == 0 {
			out[i] = float32(math.NaN())
			continue
		}
		out[i] = float32(sum / weight)
	}
	return out, nil
}
