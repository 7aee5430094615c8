package inference_test

import (
	"errors"
	"math"
	"testing"

	"github.com/robert-malhotra/biomass-estimator/internal/inference"
)

func TestResize(t *testing.T) {
	src, _ := inference.FromData(1, 1, 2, []float32{0, 1})

	got := inference.Resize(src, 1, 4)
	want := []float32{0, 0.25, 0.75, 1}
	for i := range want {
		if math.Abs(float64(got.Data[i]-want[i])) > 1e-6 {
			t.Errorf("Resize()[%d] = %v, want %v", i, got.Data[i], want[i])
		}
	}

	same := inference.Resize(src, 1, 2)
	same.Data[0] = 42
	if src.Data[0] != 0 {
		t.Error("Resize() to the same size must copy")
	}
}

func TestResize_Downsample(t *testing.T) {
	src, _ := inference.FromData(1, 2, 2, []float32{0, 2, 4, 6})

	got := inference.Resize(src, 1, 1)
	if got.Data[0] != 3 {
		t.Errorf("Resize() = %v, want the centre value 3", got.Data[0])
	}
}

func TestPrepare(t *testing.T) {
	radar, _ := inference.FromData(1, 2, 2, []float32{65535, 0, float32(math.NaN()), 32767.5})
	coords, _ := inference.FromData(1, 2, 2, []float32{10000, 20000, 30000, 40000})
	opt10, _ := inference.FromData(1, 2, 2, []float32{2000, 4000, 0, 1000})
	opt20, _ := inference.FromData(1, 1, 1, []float32{2000})
	opt60, _ := inference.FromData(1, 1, 1, []float32{float32(math.NaN())})

	p, err := inference.Prepare(inference.Inputs{
		Coords:    inference.Sample{Tensor: coords},
		Radar:     inference.Sample{Tensor: radar, MaxValue: 65535},
		Optical10: inference.Sample{Tensor: opt10},
		Optical20: inference.Sample{Tensor: opt20},
		Optical60: inference.Sample{Tensor: opt60},
	})
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}

	checks := []struct {
		name string
		got  []float32
		want []float32
	}{
		{"radar", p.Radar.Data, []float32{1, 0, 0, 0.5}},
		{"coords", p.Coords.Data, []float32{1, 2, 3, 4}},
		{"optical 10", p.Optical10.Data, []float32{1, 2, 0, 0.5}},
		{"optical 20", p.Optical20.Data, []float32{1, 1, 1, 1}},
		{"optical 60", p.Optical60.Data, []float32{0, 0, 0, 0}},
	}
	for _, c := range checks {
		for i := range c.want {
			if math.Abs(float64(c.got[i]-c.want[i])) > 1e-5 {
				t.Errorf("%s[%d] = %v, want %v", c.name, i, c.got[i], c.want[i])
			}
		}
	}

	if !math.IsNaN(float64(radar.Data[2])) || radar.Data[0] != 65535 {
		t.Error("Prepare() modified its inputs")
	}
}

func TestPrepare_FloatRadarUnscaled(t *testing.T) {
	radar, _ := inference.FromData(1, 1, 2, []float32{0.25, 3})
	one := func() *inference.Tensor { t, _ := inference.FromData(1, 1, 1, []float32{1}); return t }

	p, err := inference.Prepare(inference.Inputs{
		Coords:    inference.Sample{Tensor: one()},
		Radar:     inference.Sample{Tensor: radar},
		Optical10: inference.Sample{Tensor: one()},
		Optical20: inference.Sample{Tensor: one()},
		Optical60: inference.Sample{Tensor: one()},
	})
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if p.Radar.Data[0] != 0.25 || p.Radar.Data[1] != 3 {
		t.Errorf("radar = %v, want unchanged float values", p.Radar.Data)
	}
	if p.Coords.W != 2 {
		t.Errorf("coords resized to %v, want the radar grid", p.Coords)
	}
}

func TestPrepare_MissingGroup(t *testing.T) {
	_, err := inference.Prepare(inference.Inputs{})
	if !errors.Is(err, inference.ErrShapeMismatch) {
		t.Errorf("Prepare() error = %v, want ErrShapeMismatch", err)
	}
}
