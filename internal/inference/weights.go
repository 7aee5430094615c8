package inference

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sbinet/npyio/npz"
)

// ErrMissingParam is returned when a network parameter is absent from a weight file.
var ErrMissingParam = errors.New("missing parameter")

// Param is a named parameter array.
type Param struct {
	Shape []int
	Data  []float32
}

// Weights maps state dict keys (for example "head.weight") to parameters.
type Weights map[string]Param

// LoadWeights reads every float array of an npz archive. Keys are stored
// without their .npy suffix and batch norm step counters are skipped.
func LoadWeights(path string) (Weights, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights %q: %w", path, err)
	}
	defer r.Close()

	w := make(Weights)
	for _, key := range r.Keys() {
		name := strings.TrimSuffix(key, ".npy")
		if strings.HasSuffix(name, "num_batches_tracked") {
			continue
		}
		hdr := r.Header(key)
		if hdr == nil {
			return nil, fmt.Errorf("weights %q: no header for %q", path, key)
		}

		var data []float32
		if err := r.Read(key, &data); err != nil {
			// float64 archives are narrowed.
			var wide []float64
			if err2 := r.Read(key, &wide); err2 != nil {
				return nil, fmt.Errorf("weights %q: failed to read %q: %w", path, key, err)
			}
			data = make([]float32, len(wide))
			for i, v := range wide {
				data[i] = float32(v)
			}
		}

		shape := slices.Clone(hdr.Descr.Shape)
		if len(shape) == 0 {
			shape = []int{len(data)}
		}
		w[name] = Param{Shape: shape, Data: data}
	}
	return w, nil
}

// Has reports whether name is present.
func (w Weights) Has(name string) bool {
	_, ok := w[name]
	return ok
}

// Shape returns the stored shape of name.
func (w Weights) Shape(name string) ([]int, error) {
	p, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	return p.Shape, nil
}

// Param returns the data of name, checking it against shape.
func (w Weights) Param(name string, shape ...int) ([]float32, error) {
	p, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(p.Data) != n {
		return nil, fmt.Errorf("%w: %s has %d values, want shape %v", ErrShapeMismatch, name, len(p.Data), shape)
	}
	if len(p.Shape) == len(shape) && !slices.Equal(p.Shape, shape) {
		return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, p.Shape, shape)
	}
	return p.Data, nil
}

// loadConv builds a convolution whose geometry is read from the stored
// weight shape (out, in/groups, k, k). A bias is used when present.
func loadConv(w Weights, prefix string, depthwise bool) (*Conv2d, error) {
	shape, err := w.Shape(prefix + ".weight")
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 || shape[2] != shape[3] || shape[2]%2 == 0 {
		return nil, fmt.Errorf("%w: %s.weight has shape %v, want (out, in, k, k) with odd k", ErrShapeMismatch, prefix, shape)
	}
	out, in, k := shape[0], shape[1], shape[2]
	groups := 1
	if depthwise {
		if in != 1 {
			return nil, fmt.Errorf("%w: depthwise %s.weight has %d input channels per group", ErrShapeMismatch, prefix, in)
		}
		groups, in = out, out
	}
	c := &Conv2d{In: in, Out: out, Kernel: k, Groups: groups}
	if c.Weight, err = w.Param(prefix+".weight", out, in/groups, k, k); err != nil {
		return nil, err
	}
	if w.Has(prefix + ".bias") {
		if c.Bias, err = w.Param(prefix+".bias", out); err != nil {
			return nil, err
		}
	}
	return c, nil
}
