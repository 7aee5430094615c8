package inference

import (
	"context"
	"errors"
	"fmt"
)

// Engine runs the full fusion pipeline. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	sr20      *SuperResolution
	sr60      *SuperResolution
	regressor *Regressor
}

// NewEngine assembles an engine from its three networks.
func NewEngine(sr20, sr60 *SuperResolution, regressor *Regressor) (*Engine, error) {
	if sr20 == nil || sr60 == nil || regressor == nil {
		return nil, errors.New("engine requires both super-resolution networks and a regressor")
	}
	return &Engine{sr20: sr20, sr60: sr60, regressor: regressor}, nil
}

// LoadEngine reads the three weight archives and builds an engine.
func LoadEngine(sr20Path, sr60Path, regressorPath string) (*Engine, error) {
	w20, err := LoadWeights(sr20Path)
	if err != nil {
		return nil, err
	}
	sr20, err := NewSuperResolution(w20)
	if err != nil {
		return nil, fmt.Errorf("20 m super-resolution %q: %w", sr20Path, err)
	}

	w60, err := LoadWeights(sr60Path)
	if err != nil {
		return nil, err
	}
	sr60, err := NewSuperResolution(w60)
	if err != nil {
		return nil, fmt.Errorf("60 m super-resolution %q: %w", sr60Path, err)
	}

	wr, err := LoadWeights(regressorPath)
	if err != nil {
		return nil, err
	}
	regressor, err := NewRegressor(wr)
	if err != nil {
		return nil, fmt.Errorf("regressor %q: %w", regressorPath, err)
	}
	return NewEngine(sr20, sr60, regressor)
}

// Fuse sharpens the 20 m and 60 m optical groups. The 20 m group is corrected
// first and the corrected values feed the 60 m network.
func (e *Engine) Fuse(ctx context.Context, p *Prepared) (opt20, opt60 *Tensor, err error) {
	in20, err := Concat(p.Optical10, p.Optical20)
	if err != nil {
		return nil, nil, err
	}
	res20, err := e.sr20.Forward(ctx, in20)
	if err != nil {
		return nil, nil, fmt.Errorf("20 m super-resolution: %w", err)
	}
	if opt20, err = Add(p.Optical20, res20); err != nil {
		return nil, nil, err
	}

	in60, err := Concat(p.Optical10, opt20, p.Optical60)
	if err != nil {
		return nil, nil, err
	}
	res60, err := e.sr60.Forward(ctx, in60)
	if err != nil {
		return nil, nil, fmt.Errorf("60 m super-resolution: %w", err)
	}
	if opt60, err = Add(p.Optical60, res60); err != nil {
		return nil, nil, err
	}
	return opt20, opt60, nil
}

// Estimate returns biomass density on the radar grid as a single channel tensor.
func (e *Engine) Estimate(ctx context.Context, in Inputs) (*Tensor, error) {
	p, err := Prepare(in)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opt20, opt60, err := e.Fuse(ctx, p)
	if err != nil {
		return nil, err
	}

	x, err := Concat(p.Coords, p.Radar, p.Optical10, opt20, opt60)
	if err != nil {
		return nil, err
	}
	pred, err := e.regressor.Forward(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("regressor: %w", err)
	}

	out := NewTensor(1, pred.H, pred.W)
	copy(out.Data, pred.Plane(BiomassChannel))
	return out, nil
}
