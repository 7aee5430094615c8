// Package inferencetest builds small, randomly initialized networks with the
// production layouts for use in tests.
package inferencetest

import (
	"fmt"
	"math/rand"

	"github.com/robert-malhotra/biomass-estimator/internal/inference"
)

// Channel counts of the band groups fed to the networks.
const (
	CoordsChannels    = 2
	RadarChannels     = 2
	Optical10Channels = 4
	Optical20Channels = 6
	Optical60Channels = 2
)

type builder struct {
	rng *rand.Rand
	w   inference.Weights
}

func (b *builder) add(name string, shape ...int) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(b.rng.NormFloat64() * 0.1)
	}
	b.w[name] = inference.Param{Shape: shape, Data: data}
}

func (b *builder) batchNorm(prefix string, c int) {
	b.add(prefix+".weight", c)
	b.add(prefix+".bias", c)
	b.add(prefix+".running_mean", c)
	variance := make([]float32, c)
	for i := range variance {
		variance[i] = 0.5 + b.rng.Float32()
	}
	b.w[prefix+".running_var"] = inference.Param{Shape: []int{c}, Data: variance}
}

// SuperResolutionWeights returns weights for a network with the given input and
// output channels, feature width and residual block count.
func SuperResolutionWeights(seed int64, in, out, features, blocks int) inference.Weights {
	b := &builder{rng: rand.New(rand.NewSource(seed)), w: inference.Weights{}}
	b.add("head.weight", features, in, 3, 3)
	b.add("head.bias", features)
	for i := 0; i < blocks; i++ {
		for _, name := range []string{"conv1", "conv2"} {
			b.add(fmt.Sprintf("blocks.%d.%s.weight", i, name), features, features, 3, 3)
			b.add(fmt.Sprintf("blocks.%d.%s.bias", i, name), features)
		}
	}
	b.add("tail.weight", out, features, 3, 3)
	b.add("tail.bias", out)
	return b.w
}

// RegressorWeights returns weights for a regressor whose projection widens the
// input through widths, followed by blocks feature blocks.
func RegressorWeights(seed int64, in int, widths []int, blocks, reduction, head int) inference.Weights {
	b := &builder{rng: rand.New(rand.NewSource(seed)), w: inference.Weights{}}
	prev := in
	for k, c := range widths {
		b.add(fmt.Sprintf("projection.layers.%d.weight", 3*k), c, prev, 1, 1)
		b.batchNorm(fmt.Sprintf("projection.layers.%d", 3*k+1), c)
		prev = c
	}
	width := prev
	for i := 0; i < blocks; i++ {
		for j := 0; j < 2; j++ {
			prefix := fmt.Sprintf("feature_extraction.%d.layers.%d.layers", i, j)
			b.add(prefix+".0.weight", width, 1, 3, 3)
			b.add(prefix+".1.weight", width, width, 1, 1)
			b.batchNorm(prefix+".2", width)
		}
	}
	b.add("spatial_attention.squeeze.weight", reduction, width, 1, 1)
	b.add("spatial_attention.excitation.weight", width, reduction, 1, 1)
	b.add("x_conv.weight", head, width, 1, 1)
	b.add("z_conv.weight", head, width, 1, 1)
	b.add("prediction.conv.weight", 2, head, 1, 1)
	b.add("prediction.conv.bias", 2)
	return b.w
}

// Engine returns a small engine matching the production channel layout.
func Engine(seed int64) *inference.Engine {
	sr20, err := inference.NewSuperResolution(SuperResolutionWeights(seed,
		Optical10Channels+Optical20Channels, Optical20Channels, 8, 2))
	if err != nil {
		panic(err)
	}
	sr60, err := inference.NewSuperResolution(SuperResolutionWeights(seed+1,
		Optical10Channels+Optical20Channels+Optical60Channels, Optical60Channels, 8, 2))
	if err != nil {
		panic(err)
	}
	in := CoordsChannels + RadarChannels + Optical10Channels + Optical20Channels + Optical60Channels
	regressor, err := inference.NewRegressor(RegressorWeights(seed+2, in, []int{8, 12}, 2, 3, 4))
	if err != nil {
		panic(err)
	}
	e, err := inference.NewEngine(sr20, sr60, regressor)
	if err != nil {
		panic(err)
	}
	return e
}

// Inputs returns random band groups on an h x w radar grid. The optical groups
// are sampled at half and a sixth of the radar resolution.
func Inputs(seed int64, h, w int) inference.Inputs {
	rng := rand.New(rand.NewSource(seed))
	tensor := func(c, h, w int, scale float64) *inference.Tensor {
		t := inference.NewTensor(c, h, w)
		for i := range t.Data {
			t.Data[i] = float32(rng.Float64() * scale)
		}
		return t
	}
	coarse := func(n, f int) int { return max(1, (n+f-1)/f) }
	return inference.Inputs{
		Coords:    inference.Sample{Tensor: tensor(CoordsChannels, h, w, 1e6)},
		Radar:     inference.Sample{Tensor: tensor(RadarChannels, h, w, 1)},
		Optical10: inference.Sample{Tensor: tensor(Optical10Channels, h, w, 4000)},
		Optical20: inference.Sample{Tensor: tensor(Optical20Channels, coarse(h, 2), coarse(w, 2), 4000)},
		Optical60: inference.Sample{Tensor: tensor(Optical60Channels, coarse(h, 6), coarse(w, 6), 4000)},
	}
}
