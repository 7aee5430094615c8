package inference

import (
	"context"
	"fmt"
)

// residualScale damps every residual block of the super-resolution networks.
const residualScale = 0.1

// SuperResolution predicts a residual correction for a coarse optical band
// group from the concatenation of finer groups and itself. Its depth and width
// are read from the weights:
//
//	head.weight               (F, Cin, 3, 3)
//	blocks.{i}.conv1.weight   (F, F, 3, 3)
//	blocks.{i}.conv2.weight   (F, F, 3, 3)
//	tail.weight               (Cout, F, 3, 3)
type SuperResolution struct {
	head   *Conv2d
	blocks [][2]*Conv2d
	tail   *Conv2d
}

// NewSuperResolution builds a network from weights.
func NewSuperResolution(w Weights) (*SuperResolution, error) {
	head, err := loadConv(w, "head", false)
	if err != nil {
		return nil, err
	}
	sr := &SuperResolution{head: head}

	for i := 0; w.Has(fmt.Sprintf("blocks.%d.conv1.weight", i)); i++ {
		var block [2]*Conv2d
		for j, name := range []string{"conv1", "conv2"} {
			c, err := loadConv(w, fmt.Sprintf("blocks.%d.%s", i, name), false)
			if err != nil {
				return nil, err
			}
			if c.In != head.Out || c.Out != head.Out {
				return nil, fmt.Errorf("%w: blocks.%d.%s is %d->%d, want %d->%d", ErrShapeMismatch, i, name, c.In, c.Out, head.Out, head.Out)
			}
			block[j] = c
		}
		sr.blocks = append(sr.blocks, block)
	}

	if sr.tail, err = loadConv(w, "tail", false); err != nil {
		return nil, err
	}
	if sr.tail.In != head.Out {
		return nil, fmt.Errorf("%w: tail expects %d channels, head produces %d", ErrShapeMismatch, sr.tail.In, head.Out)
	}
	return sr, nil
}

// InChannels is the number of input channels.
func (sr *SuperResolution) InChannels() int { return sr.head.In }

// OutChannels is the number of corrected channels.
func (sr *SuperResolution) OutChannels() int { return sr.tail.Out }

// Forward returns the residual for x.
func (sr *SuperResolution) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	h, err := sr.head.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	ReLU(h)

	for i, block := range sr.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := block[0].Forward(h)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		ReLU(r)
		if r, err = block[1].Forward(r); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		Scale(r, residualScale)
		if h, err = Add(h, r); err != nil {
			return nil, err
		}
	}

	out, err := sr.tail.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("tail: %w", err)
	}
	return out, nil
}
