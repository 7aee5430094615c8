package inference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// im2colRows bounds the rows unfolded at once by a full convolution.
const im2colRows = 32

// batchNormEps matches the epsilon the networks were trained with.
const batchNormEps = 1e-5

// Conv2d is a stride 1 convolution with "same" zero padding.
type Conv2d struct {
	In, Out int
	Kernel  int
	Groups  int
	// Weight is laid out Out x (In/Groups) x Kernel x Kernel.
	Weight []float32
	// Bias is nil when the convolution has no bias.
	Bias []float32
}

// Forward applies the convolution.
func (c *Conv2d) Forward(x *Tensor) (*Tensor, error) {
	if x.C != c.In {
		return nil, fmt.Errorf("%w: convolution expects %d channels, got %d", ErrShapeMismatch, c.In, x.C)
	}

	var out *Tensor
	switch {
	case c.Kernel == 1 && c.Groups == 1:
		out = c.pointwise(x)
	case c.Groups == c.In && c.In == c.Out:
		out = c.depthwise(x)
	case c.Groups == 1:
		out = c.full(x)
	default:
		return nil, fmt.Errorf("%w: unsupported grouping %d for %d->%d channels", ErrShapeMismatch, c.Groups, c.In, c.Out)
	}

	if c.Bias != nil {
		n := x.H * x.W
		for o, b := range c.Bias {
			plane := out.Data[o*n : (o+1)*n]
			for i := range plane {
				plane[i] += b
			}
		}
	}
	return out, nil
}

// pointwise computes a 1x1 convolution as a single matrix product.
func (c *Conv2d) pointwise(x *Tensor) *Tensor {
	n := x.H * x.W
	out := NewTensor(c.Out, x.H, x.W)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: c.Out, Cols: c.In, Stride: c.In, Data: c.Weight},
		blas32.General{Rows: c.In, Cols: n, Stride: n, Data: x.Data},
		0,
		blas32.General{Rows: c.Out, Cols: n, Stride: n, Data: out.Data},
	)
	return out
}

// depthwise convolves every channel with its own kernel.
func (c *Conv2d) depthwise(x *Tensor) *Tensor {
	k, pad := c.Kernel, c.Kernel/2
	h, w := x.H, x.W
	out := NewTensor(c.Out, h, w)
	for ch := 0; ch < c.In; ch++ {
		src := x.Plane(ch)
		dst := out.Plane(ch)
		kernel := c.Weight[ch*k*k : (ch+1)*k*k]
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				var sum float32
				for ki := 0; ki < k; ki++ {
					ii := i + ki - pad
					if ii < 0 || ii >= h {
						continue
					}
					for kj := 0; kj < k; kj++ {
						jj := j + kj - pad
						if jj < 0 || jj >= w {
							continue
						}
						sum += kernel[ki*k+kj] * src[ii*w+jj]
					}
				}
				dst[i*w+j] = sum
			}
		}
	}
	return out
}

// full computes a dense KxK convolution by unfolding bands of rows (im2col)
// and multiplying them with the kernel matrix.
func (c *Conv2d) full(x *Tensor) *Tensor {
	k, pad := c.Kernel, c.Kernel/2
	h, w := x.H, x.W
	n := h * w
	depth := c.In * k * k
	out := NewTensor(c.Out, h, w)
	kernels := blas32.General{Rows: c.Out, Cols: depth, Stride: depth, Data: c.Weight}

	cols := make([]float32, depth*im2colRows*w)
	part := make([]float32, c.Out*im2colRows*w)
	for row0 := 0; row0 < h; row0 += im2colRows {
		rows := min(im2colRows, h-row0)
		span := rows * w
		for ch := 0; ch < c.In; ch++ {
			src := x.Plane(ch)
			for ki := 0; ki < k; ki++ {
				for kj := 0; kj < k; kj++ {
					dst := cols[((ch*k+ki)*k+kj)*span : ((ch*k+ki)*k+kj+1)*span]
					for r := 0; r < rows; r++ {
						ii := row0 + r + ki - pad
						for j := 0; j < w; j++ {
							jj := j + kj - pad
							if ii < 0 || ii >= h || jj < 0 || jj >= w {
								dst[r*w+j] = 0
								continue
							}
							dst[r*w+j] = src[ii*w+jj]
						}
					}
				}
			}
		}

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			kernels,
			blas32.General{Rows: depth, Cols: span, Stride: span, Data: cols[:depth*span]},
			0,
			blas32.General{Rows: c.Out, Cols: span, Stride: span, Data: part[:c.Out*span]},
		)
		for o := 0; o < c.Out; o++ {
			copy(out.Data[o*n+row0*w:], part[o*span:(o+1)*span])
		}
	}
	return out
}

// BatchNorm is an evaluation mode batch normalization with precomputed
// per-channel scale and shift.
type BatchNorm struct {
	scale []float32
	shift []float32
}

func newBatchNorm(w Weights, prefix string, channels int) (*BatchNorm, error) {
	gamma, err := w.Param(prefix+".weight", channels)
	if err != nil {
		return nil, err
	}
	beta, err := w.Param(prefix+".bias", channels)
	if err != nil {
		return nil, err
	}
	mean, err := w.Param(prefix+".running_mean", channels)
	if err != nil {
		return nil, err
	}
	variance, err := w.Param(prefix+".running_var", channels)
	if err != nil {
		return nil, err
	}

	bn := &BatchNorm{scale: make([]float32, channels), shift: make([]float32, channels)}
	for c := 0; c < channels; c++ {
		s := gamma[c] / float32(math.Sqrt(float64(variance[c])+batchNormEps))
		bn.scale[c] = s
		bn.shift[c] = beta[c] - mean[c]*s
	}
	return bn, nil
}

// Apply normalizes x in place.
func (bn *BatchNorm) Apply(x *Tensor) error {
	if x.C != len(bn.scale) {
		return fmt.Errorf("%w: batch norm expects %d channels, got %d", ErrShapeMismatch, len(bn.scale), x.C)
	}
	for c := 0; c < x.C; c++ {
		s, b := bn.scale[c], bn.shift[c]
		plane := x.Plane(c)
		for i, v := range plane {
			plane[i] = v*s + b
		}
	}
	return nil
}
