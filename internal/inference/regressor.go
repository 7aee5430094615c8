package inference

import (
	"context"
	"fmt"
)

// BiomassChannel is the output channel carrying above-ground biomass density.
// The second channel is an auxiliary head and is never reported.
const BiomassChannel = 0

type convBN struct {
	conv *Conv2d
	bn   *BatchNorm
}

func loadConvBN(w Weights, convPrefix, bnPrefix string, depthwise bool) (convBN, error) {
	conv, err := loadConv(w, convPrefix, depthwise)
	if err != nil {
		return convBN{}, err
	}
	bn, err := newBatchNorm(w, bnPrefix, conv.Out)
	if err != nil {
		return convBN{}, err
	}
	return convBN{conv: conv, bn: bn}, nil
}

func (l convBN) forward(x *Tensor) (*Tensor, error) {
	y, err := l.conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := l.bn.Apply(y); err != nil {
		return nil, err
	}
	ReLU(y)
	return y, nil
}

// separable is a depthwise convolution, a pointwise convolution and a batch
// normalized ReLU.
type separable struct {
	depthwise *Conv2d
	pointwise convBN
}

func (s separable) forward(x *Tensor) (*Tensor, error) {
	y, err := s.depthwise.Forward(x)
	if err != nil {
		return nil, err
	}
	return s.pointwise.forward(y)
}

// Regressor maps the stacked, normalized band groups to biomass density. The
// layout follows the trained state dict:
//
//	projection.layers.{3k}       1x1 conv, .layers.{3k+1} batch norm
//	feature_extraction.{i}       residual block of two separable convs
//	spatial_attention            squeeze, hardswish, excitation
//	x_conv, z_conv               projections of the projected and attended features
//	prediction.conv              two channel output head
type Regressor struct {
	projection []convBN
	features   [][2]separable
	squeeze    *Conv2d
	excitation *Conv2d
	xConv      *Conv2d
	zConv      *Conv2d
	prediction *Conv2d
}

// NewRegressor builds the network from weights.
func NewRegressor(w Weights) (*Regressor, error) {
	r := &Regressor{}

	for k := 0; w.Has(fmt.Sprintf("projection.layers.%d.weight", 3*k)); k++ {
		l, err := loadConvBN(w,
			fmt.Sprintf("projection.layers.%d", 3*k),
			fmt.Sprintf("projection.layers.%d", 3*k+1), false)
		if err != nil {
			return nil, err
		}
		if k > 0 && l.conv.In != r.projection[k-1].conv.Out {
			return nil, fmt.Errorf("%w: projection stage %d expects %d channels", ErrShapeMismatch, k, l.conv.In)
		}
		r.projection = append(r.projection, l)
	}
	if len(r.projection) == 0 {
		return nil, fmt.Errorf("%w: projection.layers.0.weight", ErrMissingParam)
	}
	width := r.projection[len(r.projection)-1].conv.Out

	for i := 0; w.Has(fmt.Sprintf("feature_extraction.%d.layers.0.layers.0.weight", i)); i++ {
		var block [2]separable
		for j := range block {
			prefix := fmt.Sprintf("feature_extraction.%d.layers.%d.layers", i, j)
			dw, err := loadConv(w, prefix+".0", true)
			if err != nil {
				return nil, err
			}
			pw, err := loadConvBN(w, prefix+".1", prefix+".2", false)
			if err != nil {
				return nil, err
			}
			if dw.Out != width || pw.conv.In != width || pw.conv.Out != width {
				return nil, fmt.Errorf("%w: %s does not preserve %d channels", ErrShapeMismatch, prefix, width)
			}
			block[j] = separable{depthwise: dw, pointwise: pw}
		}
		r.features = append(r.features, block)
	}

	var err error
	for name, dst := range map[string]**Conv2d{
		"spatial_attention.squeeze":    &r.squeeze,
		"spatial_attention.excitation": &r.excitation,
		"x_conv":                       &r.xConv,
		"z_conv":                       &r.zConv,
		"prediction.conv":              &r.prediction,
	} {
		if *dst, err = loadConv(w, name, false); err != nil {
			return nil, err
		}
	}

	switch {
	case r.squeeze.In != width || r.excitation.In != r.squeeze.Out || r.excitation.Out != width:
		return nil, fmt.Errorf("%w: spatial attention does not match %d feature channels", ErrShapeMismatch, width)
	case r.xConv.In != width || r.zConv.In != width || r.xConv.Out != r.zConv.Out:
		return nil, fmt.Errorf("%w: x_conv/z_conv do not match the projection", ErrShapeMismatch)
	case r.prediction.In != r.xConv.Out || r.prediction.Out <= BiomassChannel:
		return nil, fmt.Errorf("%w: prediction head has %d->%d channels", ErrShapeMismatch, r.prediction.In, r.prediction.Out)
	}
	return r, nil
}

// InChannels is the number of stacked input channels.
func (r *Regressor) InChannels() int { return r.projection[0].conv.In }

// Forward returns every output channel for x.
func (r *Regressor) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	z := x
	for k, l := range r.projection {
		var err error
		if z, err = l.forward(z); err != nil {
			return nil, fmt.Errorf("projection stage %d: %w", k, err)
		}
	}
	xp := z

	for i, block := range r.features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y, err := block[0].forward(z)
		if err != nil {
			return nil, fmt.Errorf("feature block %d: %w", i, err)
		}
		if y, err = block[1].forward(y); err != nil {
			return nil, fmt.Errorf("feature block %d: %w", i, err)
		}
		if z, err = Add(z, y); err != nil {
			return nil, err
		}
	}

	att, err := r.squeeze.Forward(z)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	Hardswish(att)
	if att, err = r.excitation.Forward(att); err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if z, err = Mul(z, att); err != nil {
		return nil, err
	}

	xo, err := r.xConv.Forward(xp)
	if err != nil {
		return nil, fmt.Errorf("x_conv: %w", err)
	}
	zo, err := r.zConv.Forward(z)
	if err != nil {
		return nil, fmt.Errorf("z_conv: %w", err)
	}
	sum, err := Add(xo, zo)
	if err != nil {
		return nil, err
	}
	return r.prediction.Forward(sum)
}
