package inference_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/robert-malhotra/biomass-estimator/internal/inference"
)

func randomTensor(rng *rand.Rand, c, h, w int) *inference.Tensor {
	t := inference.NewTensor(c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func randomSlice(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64())
	}
	return s
}

// referenceConv is a direct grouped convolution with zero padding.
func referenceConv(c *inference.Conv2d, x *inference.Tensor) *inference.Tensor {
	k, pad := c.Kernel, c.Kernel/2
	inPerGroup, outPerGroup := c.In/c.Groups, c.Out/c.Groups
	out := inference.NewTensor(c.Out, x.H, x.W)
	for o := 0; o < c.Out; o++ {
		g := o / outPerGroup
		for i := 0; i < x.H; i++ {
			for j := 0; j < x.W; j++ {
				var sum float64
				for ci := 0; ci < inPerGroup; ci++ {
					src := x.Plane(g*inPerGroup + ci)
					for ki := 0; ki < k; ki++ {
						for kj := 0; kj < k; kj++ {
							ii, jj := i+ki-pad, j+kj-pad
							if ii < 0 || ii >= x.H || jj < 0 || jj >= x.W {
								continue
							}
							wt := c.Weight[((o*inPerGroup+ci)*k+ki)*k+kj]
							sum += float64(wt) * float64(src[ii*x.W+jj])
						}
					}
				}
				if c.Bias != nil {
					sum += float64(c.Bias[o])
				}
				out.Plane(o)[i*x.W+j] = float32(sum)
			}
		}
	}
	return out
}

func TestConv2d_MatchesReference(t *testing.T) {
	tests := []struct {
		name            string
		in, out, kernel int
		groups          int
		h, w            int
		bias            bool
	}{
		{name: "pointwise", in: 5, out: 3, kernel: 1, groups: 1, h: 6, w: 7, bias: true},
		{name: "pointwise without bias", in: 4, out: 4, kernel: 1, groups: 1, h: 3, w: 3},
		{name: "depthwise", in: 6, out: 6, kernel: 3, groups: 6, h: 9, w: 4},
		{name: "full 3x3", in: 3, out: 5, kernel: 3, groups: 1, h: 8, w: 6, bias: true},
		{name: "full 3x3 over several row bands", in: 2, out: 3, kernel: 3, groups: 1, h: 70, w: 5, bias: true},
		{name: "single pixel", in: 2, out: 2, kernel: 3, groups: 1, h: 1, w: 1},
	}

	rng := rand.New(rand.NewSource(7))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &inference.Conv2d{
				In: tt.in, Out: tt.out, Kernel: tt.kernel, Groups: tt.groups,
				Weight: randomSlice(rng, tt.out*(tt.in/tt.groups)*tt.kernel*tt.kernel),
			}
			if tt.bias {
				c.Bias = randomSlice(rng, tt.out)
			}
			x := randomTensor(rng, tt.in, tt.h, tt.w)

			got, err := c.Forward(x)
			if err != nil {
				t.Fatalf("Forward() error: %v", err)
			}
			want := referenceConv(c, x)
			for i := range want.Data {
				if math.Abs(float64(got.Data[i]-want.Data[i])) > 1e-4 {
					t.Fatalf("Forward()[%d] = %v, want %v", i, got.Data[i], want.Data[i])
				}
			}
		})
	}
}

func TestConv2d_ChannelMismatch(t *testing.T) {
	c := &inference.Conv2d{In: 3, Out: 1, Kernel: 1, Groups: 1, Weight: make([]float32, 3)}
	if _, err := c.Forward(inference.NewTensor(2, 2, 2)); !errors.Is(err, inference.ErrShapeMismatch) {
		t.Errorf("Forward() error = %v, want ErrShapeMismatch", err)
	}
}

func TestActivations(t *testing.T) {
	x, _ := inference.FromData(1, 1, 5, []float32{-4, -1, 0, 1, 4})

	relu := x.Clone()
	inference.ReLU(relu)
	hs := x.Clone()
	inference.Hardswish(hs)

	wantReLU := []float32{0, 0, 0, 1, 4}
	wantHS := []float32{0, -1.0 / 3, 0, 2.0 / 3, 4}
	for i := range wantReLU {
		if relu.Data[i] != wantReLU[i] {
			t.Errorf("ReLU[%d] = %v, want %v", i, relu.Data[i], wantReLU[i])
		}
		if math.Abs(float64(hs.Data[i]-wantHS[i])) > 1e-6 {
			t.Errorf("Hardswish[%d] = %v, want %v", i, hs.Data[i], wantHS[i])
		}
	}
}

func TestConcat(t *testing.T) {
	a, _ := inference.FromData(1, 1, 2, []float32{1, 2})
	b, _ := inference.FromData(2, 1, 2, []float32{3, 4, 5, 6})

	got, err := inference.Concat(a, b)
	if err != nil {
		t.Fatalf("Concat() error: %v", err)
	}
	if got.C != 3 || got.Plane(2)[1] != 6 {
		t.Errorf("Concat() = %v %v", got, got.Data)
	}

	c := inference.NewTensor(1, 2, 2)
	if _, err := inference.Concat(a, c); !errors.Is(err, inference.ErrShapeMismatch) {
		t.Errorf("Concat() error = %v, want ErrShapeMismatch", err)
	}
}

func TestFromData_Invalid(t *testing.T) {
	if _, err := inference.FromData(1, 2, 2, make([]float32, 3)); !errors.Is(err, inference.ErrShapeMismatch) {
		t.Errorf("FromData() error = %v, want ErrShapeMismatch", err)
	}
	if _, err := inference.FromData(0, 2, 2, nil); !errors.Is(err, inference.ErrShapeMismatch) {
		t.Errorf("FromData() error = %v, want ErrShapeMismatch", err)
	}
}
