// Package inference runs the sensor fusion biomass model: super-resolution of the
// coarse optical bands followed by a multi-branch regression network. All layers
// run in evaluation mode and never mutate their parameters.
package inference

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when tensors or parameters disagree on shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a channel-first float32 image (C x H x W).
type Tensor struct {
	C, H, W int
	Data    []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FromData wraps data as a tensor, checking its length.
func FromData(c, h, w int, data []float32) (*Tensor, error) {
	if c <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: non-positive tensor shape %dx%dx%d", ErrShapeMismatch, c, h, w)
	}
	if len(data) != c*h*w {
		return nil, fmt.Errorf("%w: %d values for shape %dx%dx%d", ErrShapeMismatch, len(data), c, h, w)
	}
	return &Tensor{C: c, H: h, W: w, Data: data}, nil
}

// Plane returns channel c without copying.
func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{C: t.C, H: t.H, W: t.W, Data: append([]float32(nil), t.Data...)}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%dx%d)", t.C, t.H, t.W)
}

func sameSpatial(ts ...*Tensor) error {
	for _, t := range ts[1:] {
		if t.H != ts[0].H || t.W != ts[0].W {
			return fmt.Errorf("%w: spatial size %dx%d != %dx%d", ErrShapeMismatch, t.H, t.W, ts[0].H, ts[0].W)
		}
	}
	return nil
}

// Concat stacks tensors along the channel axis.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	if err := sameSpatial(ts...); err != nil {
		return nil, err
	}
	c := 0
	for _, t := range ts {
		c += t.C
	}
	out := NewTensor(c, ts[0].H, ts[0].W)
	offset := 0
	for _, t := range ts {
		copy(out.Data[offset:], t.Data)
		offset += len(t.Data)
	}
	return out, nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if a.C != b.C || a.H != b.H || a.W != b.W {
		return nil, fmt.Errorf("%w: cannot add %s and %s", ErrShapeMismatch, a, b)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out, nil
}

// Mul returns the element-wise product a * b.
func Mul(a, b *Tensor) (*Tensor, error) {
	if a.C != b.C || a.H != b.H || a.W != b.W {
		return nil, fmt.Errorf("%w: cannot multiply %s and %s", ErrShapeMismatch, a, b)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] *= v
	}
	return out, nil
}

// ReLU applies max(x, 0) in place.
func ReLU(t *Tensor) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
}

// Hardswish applies x * relu6(x + 3) / 6 in place.
func Hardswish(t *Tensor) {
	for i, v := range t.Data {
		switch {
		case v <= -3:
			t.Data[i] = 0
		case v >= 3:
		default:
			t.Data[i] = v * (v + 3) / 6
		}
	}
}

// Scale multiplies every value by s in place.
func Scale(t *Tensor, s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// NaNToZero replaces NaN and infinite values with zero in place.
func NaNToZero(t *Tensor) {
	for i, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Data[i] = 0
		}
	}
}
