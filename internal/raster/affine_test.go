package raster

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFromBounds(t *testing.T) {
	tr := FromBounds(106.0, 10.0, 106.1, 10.2, 10, 20)

	if !almostEqual(tr.A, 0.01) || !almostEqual(tr.E, -0.01) {
		t.Errorf("FromBounds() pixel size = (%v, %v), want (0.01, -0.01)", tr.A, tr.E)
	}
	if tr.C != 106.0 || tr.F != 10.2 {
		t.Errorf("FromBounds() origin = (%v, %v), want (106.0, 10.2)", tr.C, tr.F)
	}

	x, y := tr.Apply(10, 20)
	if !almostEqual(x, 106.1) || !almostEqual(y, 10.0) {
		t.Errorf("Apply(10, 20) = (%v, %v), want (106.1, 10.0)", x, y)
	}
}

func TestArrayBounds(t *testing.T) {
	tr := FromBounds(-1, -2, 3, 4, 8, 12)
	b := ArrayBounds(12, 8, tr)

	want := orb.Bound{Min: orb.Point{-1, -2}, Max: orb.Point{3, 4}}
	for i := 0; i < 2; i++ {
		if !almostEqual(b.Min[i], want.Min[i]) || !almostEqual(b.Max[i], want.Max[i]) {
			t.Fatalf("ArrayBounds() = %v, want %v", b, want)
		}
	}
}

func TestAffine_Inverse(t *testing.T) {
	tests := []struct {
		name string
		tr   Affine
	}{
		{name: "north up", tr: FromBounds(500000, 1000000, 510000, 1010000, 1000, 1000)},
		{name: "rotated", tr: Affine{A: 10, B: 2, C: 100, D: 1, E: -10, F: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := tt.tr.Inverse()
			if err != nil {
				t.Fatalf("Inverse() error: %v", err)
			}
			x, y := tt.tr.Apply(12.5, 7.25)
			c, r := inv.Apply(x, y)
			if !almostEqual(c, 12.5) || !almostEqual(r, 7.25) {
				t.Errorf("round trip = (%v, %v), want (12.5, 7.25)", c, r)
			}
		})
	}
}

func TestAffine_InverseSingular(t *testing.T) {
	if _, err := (Affine{}).Inverse(); err == nil {
		t.Error("Inverse() of a singular transform should fail")
	}
}

func TestWindowFromBounds(t *testing.T) {
	tr := FromBounds(0, 0, 100, 100, 100, 100)

	tests := []struct {
		name  string
		bound orb.Bound
		want  Window
	}{
		{
			name:  "aligned",
			bound: orb.Bound{Min: orb.Point{10, 80}, Max: orb.Point{20, 90}},
			want:  Window{ColOff: 10, RowOff: 10, Width: 10, Height: 10},
		},
		{
			name:  "rounded to nearest",
			bound: orb.Bound{Min: orb.Point{10.4, 79.6}, Max: orb.Point{19.6, 89.6}},
			want:  Window{ColOff: 10, RowOff: 10, Width: 10, Height: 10},
		},
		{
			name:  "sub pixel",
			bound: orb.Bound{Min: orb.Point{10.1, 80.1}, Max: orb.Point{10.2, 80.2}},
			want:  Window{ColOff: 10, RowOff: 20, Width: 1, Height: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WindowFromBounds(tr, tt.bound)
			if err != nil {
				t.Fatalf("WindowFromBounds() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("WindowFromBounds() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindowFromBounds_Invalid(t *testing.T) {
	inverted := orb.Bound{Min: orb.Point{20, 20}, Max: orb.Point{10, 10}}
	if _, err := WindowFromBounds(Identity, inverted); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("WindowFromBounds() error = %v, want ErrInvalidWindow", err)
	}

	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	if _, err := WindowFromBounds(Affine{}, bound); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("WindowFromBounds() error = %v, want ErrInvalidWindow", err)
	}
}

func TestWindow_Transform(t *testing.T) {
	tr := FromBounds(0, 0, 100, 100, 100, 100)
	win := Window{ColOff: 10, RowOff: 20, Width: 5, Height: 5}

	wt := win.Transform(tr)
	if wt.C != 10 || wt.F != 80 {
		t.Errorf("Transform() origin = (%v, %v), want (10, 80)", wt.C, wt.F)
	}
}

func TestGeoRaster_BoundingBoxDerived(t *testing.T) {
	p := Profile{Width: 4, Height: 2, Count: 1, DType: Float32, Transform: FromBounds(0, 0, 4, 2, 4, 2)}
	r := New(p, 0)

	if b := r.BoundingBox(); b.Max != (orb.Point{4, 2}) {
		t.Fatalf("BoundingBox() = %v", b)
	}

	r.Profile.Transform = FromBounds(10, 10, 14, 12, 4, 2)
	if b := r.BoundingBox(); b.Min != (orb.Point{10, 10}) || b.Max != (orb.Point{14, 12}) {
		t.Errorf("BoundingBox() after transform change = %v", b)
	}
}

func TestCRS_Proj4(t *testing.T) {
	tests := []struct {
		crs     CRS
		want    string
		wantErr bool
	}{
		{crs: WGS84, want: "+proj=longlat +datum=WGS84 +no_defs"},
		{crs: CRS{EPSG: 32648}, want: "+proj=utm +zone=48 +datum=WGS84 +units=m +no_defs"},
		{crs: CRS{EPSG: 32733}, want: "+proj=utm +zone=33 +south +datum=WGS84 +units=m +no_defs"},
		{crs: CRS{EPSG: 2154}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.crs.String(), func(t *testing.T) {
			got, err := tt.crs.Proj4()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Proj4() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Proj4() = %q, want %q", got, tt.want)
			}
		})
	}
}
