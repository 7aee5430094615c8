package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
)

func writeTile(t *testing.T, dir, name string, west, south float64) string {
	t.Helper()
	return writeTileCRS(t, dir, name, raster.WGS84, west, south, 0.01)
}

func writeTileCRS(t *testing.T, dir, name string, crs raster.CRS, west, south, size float64) string {
	t.Helper()
	p := raster.Profile{
		Driver:    "GTiff",
		DType:     raster.Float32,
		Width:     100,
		Height:    100,
		Count:     1,
		CRS:       crs,
		Transform: raster.FromBounds(west, south, west+size, south+size, 100, 100),
	}
	data, err := raster.EncodeBytes(raster.New(p, 1))
	if err != nil {
		t.Fatalf("EncodeBytes() error: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func fileOpener() raster.Opener {
	return raster.OpenerFunc(func(ctx context.Context, ref string) (*raster.Dataset, error) {
		return raster.Open(ctx, ref, nil)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	a := writeTile(t, dir, "a.tif", 106.00, 0.00)
	b := writeTile(t, dir, "b.tif", 106.02, 0.00)
	manifest := filepath.Join(dir, "manifest.txt")
	content := fmt.Sprintf("# preliminary rasters\n%s\n\n  %s  \n", a, b)
	if err := os.WriteFile(manifest, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	c, err := Load(context.Background(), manifest, fileOpener(), testLogger())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return c
}

func TestParseManifest(t *testing.T) {
	refs, err := ParseManifest(strings.NewReader("# comment\n\nhttps://example.com/a.tif\r\n  /data/b.tif \n"))
	if err != nil {
		t.Fatalf("ParseManifest() error: %v", err)
	}
	want := []string{"https://example.com/a.tif", "/data/b.tif"}
	if len(refs) != len(want) {
		t.Fatalf("ParseManifest() = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("refs[%d] = %q, want %q", i, refs[i], want[i])
		}
	}
}

func TestLoad(t *testing.T) {
	c := loadCatalog(t)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	e := c.Entries()[1]
	if e.Index != 1 || e.Profile.Width != 100 || e.Profile.CRS != raster.WGS84 {
		t.Errorf("entry = %+v", e)
	}
}

func TestLoad_Failures(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(context.Background(), filepath.Join(dir, "missing.txt"), fileOpener(), testLogger()); err == nil {
		t.Error("Load() of a missing manifest should fail")
	}

	empty := filepath.Join(dir, "empty.txt")
	os.WriteFile(empty, []byte("# nothing\n"), 0o644)
	if _, err := Load(context.Background(), empty, fileOpener(), testLogger()); err == nil {
		t.Error("Load() of an empty manifest should fail")
	}

	broken := filepath.Join(dir, "broken.txt")
	os.WriteFile(broken, []byte(filepath.Join(dir, "nope.tif")+"\n"), 0o644)
	if _, err := Load(context.Background(), broken, fileOpener(), testLogger()); err == nil {
		t.Error("Load() with an unreadable raster should fail")
	}
}

func TestLoad_ProjectedCRS(t *testing.T) {
	dir := t.TempDir()
	utm := writeTileCRS(t, dir, "utm.tif", raster.CRS{EPSG: 32648}, 500000, 0, 1000)
	manifest := filepath.Join(dir, "manifest.txt")
	if err := os.WriteFile(manifest, []byte(utm+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if _, err := Load(context.Background(), manifest, fileOpener(), testLogger()); !errors.Is(err, ErrProjectedCRS) {
		t.Errorf("Load() error = %v, want ErrProjectedCRS", err)
	}
}

func TestLoad_UnknownCRS(t *testing.T) {
	dir := t.TempDir()
	tile := writeTileCRS(t, dir, "bare.tif", raster.CRS{}, 106.0, 0.0, 0.01)
	manifest := filepath.Join(dir, "manifest.txt")
	if err := os.WriteFile(manifest, []byte(tile+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	c, err := Load(context.Background(), manifest, fileOpener(), testLogger())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := c.Find(orb.Bound{Min: orb.Point{106.002, 0.002}, Max: orb.Point{106.004, 0.004}}); err != nil {
		t.Errorf("Find() error: %v", err)
	}
}

func TestFind(t *testing.T) {
	c := loadCatalog(t)

	tests := []struct {
		name      string
		bbox      orb.Bound
		wantIndex int
		wantErr   error
	}{
		{
			name:      "inside first tile",
			bbox:      orb.Bound{Min: orb.Point{106.001, 0.001}, Max: orb.Point{106.002, 0.002}},
			wantIndex: 0,
		},
		{
			name:      "inside second tile",
			bbox:      orb.Bound{Min: orb.Point{106.021, 0.001}, Max: orb.Point{106.029, 0.009}},
			wantIndex: 1,
		},
		{
			name:      "equal to tile coverage",
			bbox:      orb.Bound{Min: orb.Point{106.0, 0.0}, Max: orb.Point{106.005, 0.005}},
			wantIndex: 0,
		},
		{
			name:    "partial overlap",
			bbox:    orb.Bound{Min: orb.Point{106.008, 0.001}, Max: orb.Point{106.012, 0.002}},
			wantErr: ErrUnsupportedArea,
		},
		{
			name:    "spans both tiles",
			bbox:    orb.Bound{Min: orb.Point{106.005, 0.001}, Max: orb.Point{106.025, 0.002}},
			wantErr: ErrUnsupportedArea,
		},
		{
			name:    "far away",
			bbox:    orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{10.001, 10.001}},
			wantErr: ErrUnsupportedArea,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := c.Find(tt.bbox)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Find() error = %v, want %v", err, tt.wantErr)
				}
				if !strings.Contains(err.Error(), "POLYGON((") {
					t.Errorf("error should render the bbox as WKT: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Find() error: %v", err)
			}
			if e.Index != tt.wantIndex {
				t.Errorf("Find() index = %d, want %d", e.Index, tt.wantIndex)
			}
		})
	}
}

func TestFind_FirstMatchWins(t *testing.T) {
	wide := &Entry{Index: 0, Ref: "wide", Profile: raster.Profile{
		Width: 10, Height: 10, Count: 1, Transform: raster.FromBounds(0, 0, 10, 10, 10, 10),
	}}
	narrow := &Entry{Index: 1, Ref: "narrow", Profile: raster.Profile{
		Width: 10, Height: 10, Count: 1, Transform: raster.FromBounds(1, 1, 3, 3, 10, 10),
	}}
	bbox := orb.Bound{Min: orb.Point{1.5, 1.5}, Max: orb.Point{2, 2}}

	for i := 0; i < 3; i++ {
		e, err := New([]*Entry{wide, narrow}, nil).Find(bbox)
		if err != nil || e.Ref != "wide" {
			t.Fatalf("Find() = %v, %v; want the first entry", e, err)
		}
	}
	e, err := New([]*Entry{narrow, wide}, nil).Find(bbox)
	if err != nil || e.Ref != "narrow" {
		t.Fatalf("Find() = %v, %v; want the first entry", e, err)
	}
}
