package inference

import (
	"fmt"
	"math"
)

const (
	// CoordScale divides projected coordinates before they enter the network.
	CoordScale = 10000
	// OpticalScale divides optical reflectances after resampling.
	OpticalScale = 2000
)

// Sample is one band group as sampled from its source, channel-first at its
// native resolution.
type Sample struct {
	Tensor *Tensor
	// MaxValue is the maximum of the source integer encoding, zero for
	// floating point sources.
	MaxValue float32
}

// Inputs holds the raw band groups of one estimate. The radar group defines
// the output grid.
type Inputs struct {
	Coords    Sample
	Radar     Sample
	Optical10 Sample
	Optical20 Sample
	Optical60 Sample
}

// Prepared holds normalized band groups resampled to the radar grid.
type Prepared struct {
	Coords    *Tensor
	Radar     *Tensor
	Optical10 *Tensor
	Optical20 *Tensor
	Optical60 *Tensor
}

// Prepare normalizes every group and resamples it to the radar grid. Missing
// values are replaced with zero. Inputs are not modified.
func Prepare(in Inputs) (*Prepared, error) {
	for name, s := range map[string]Sample{
		"coords":     in.Coords,
		"radar":      in.Radar,
		"optical_10": in.Optical10,
		"optical_20": in.Optical20,
		"optical_60": in.Optical60,
	} {
		if s.Tensor == nil {
			return nil, fmt.Errorf("%w: %s group is missing", ErrShapeMismatch, name)
		}
		if len(s.Tensor.Data) != s.Tensor.C*s.Tensor.H*s.Tensor.W || len(s.Tensor.Data) == 0 {
			return nil, fmt.Errorf("%w: %s group is %s with %d values", ErrShapeMismatch, name, s.Tensor, len(s.Tensor.Data))
		}
	}

	h, w := in.Radar.Tensor.H, in.Radar.Tensor.W
	p := &Prepared{}

	p.Radar = in.Radar.Tensor.Clone()
	NaNToZero(p.Radar)
	if in.Radar.MaxValue > 0 {
		Scale(p.Radar, 1/in.Radar.MaxValue)
	}

	p.Coords = Resize(in.Coords.Tensor, h, w)
	NaNToZero(p.Coords)
	Scale(p.Coords, 1.0/CoordScale)

	for _, g := range []struct {
		src Sample
		dst **Tensor
	}{
		{in.Optical10, &p.Optical10},
		{in.Optical20, &p.Optical20},
		{in.Optical60, &p.Optical60},
	} {
		t := Resize(g.src.Tensor, h, w)
		NaNToZero(t)
		Scale(t, 1.0/OpticalScale)
		*g.dst = t
	}
	return p, nil
}

// Resize resamples t to h x w with bilinear interpolation using half-pixel
// centres and edge clamping, without antialiasing. A tensor already at the
// target size is copied.
func Resize(t *Tensor, h, w int) *Tensor {
	if t.H == h && t.W == w {
		return t.Clone()
	}
	rows := resizeAxis(t.H, h)
	cols := resizeAxis(t.W, w)

	out := NewTensor(t.C, h, w)
	for c := 0; c < t.C; c++ {
		src := t.Plane(c)
		dst := out.Plane(c)
		for i, r := range rows {
			top := src[r.i0*t.W : (r.i0+1)*t.W]
			bottom := src[r.i1*t.W : (r.i1+1)*t.W]
			for j, q := range cols {
				upper := top[q.i0]*(1-q.frac) + top[q.i1]*q.frac
				lower := bottom[q.i0]*(1-q.frac) + bottom[q.i1]*q.frac
				dst[i*w+j] = upper*(1-r.frac) + lower*r.frac
			}
		}
	}
	return out
}

type tap struct {
	i0, i1 int
	frac   float32
}

func resizeAxis(in, out int) []tap {
	taps := make([]tap, out)
	scale := float64(in) / float64(out)
	for i := range taps {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := min(i0+1, in-1)
		taps[i] = tap{i0: i0, i1: i1, frac: float32(src - float64(i0))}
	}
	return taps
}
