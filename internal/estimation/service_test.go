package estimation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/goleak"

	"github.com/robert-malhotra/biomass-estimator/internal/catalog"
	"github.com/robert-malhotra/biomass-estimator/internal/config"
	"github.com/robert-malhotra/biomass-estimator/internal/inference"
	"github.com/robert-malhotra/biomass-estimator/internal/inference/inferencetest"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/internal/region"
	"github.com/robert-malhotra/biomass-estimator/internal/satellite"
	"github.com/robert-malhotra/biomass-estimator/internal/satellite/satellitetest"
	"github.com/robert-malhotra/biomass-estimator/internal/stats"
	"github.com/robert-malhotra/biomass-estimator/pkg/geojson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// coverage is the extent of the test catalog raster: 100x100 pixels of 0.0001°.
var coverage = orb.Bound{Min: orb.Point{106.0, 0.0}, Max: orb.Point{106.01, 0.01}}

// newCatalog builds a one entry catalog whose raster is produced by fill.
func newCatalog(t *testing.T, nodata *float64, fill func(row, col int) float32) *catalog.Catalog {
	t.Helper()
	p := raster.Profile{
		Driver:    "GTiff",
		DType:     raster.Float32,
		Width:     100,
		Height:    100,
		Count:     1,
		CRS:       raster.WGS84,
		Transform: raster.FromBounds(coverage.Min[0], coverage.Min[1], coverage.Max[0], coverage.Max[1], 100, 100),
		NoData:    nodata,
	}
	r := raster.New(p, 0)
	for row := 0; row < p.Height; row++ {
		for col := 0; col < p.Width; col++ {
			r.Data[row*p.Width+col] = fill(row, col)
		}
	}
	b, err := raster.EncodeBytes(r)
	if err != nil {
		t.Fatalf("EncodeBytes() error: %v", err)
	}

	opener := raster.OpenerFunc(func(ctx context.Context, ref string) (*raster.Dataset, error) {
		return raster.Decode(bytes.NewReader(b))
	})
	d, err := opener.Open(context.Background(), "mem://agbd.tif")
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	entry := &catalog.Entry{Index: 0, Ref: "mem://agbd.tif", Profile: d.Profile()}
	return catalog.New([]*catalog.Entry{entry}, opener)
}

func constant(v float32) func(row, col int) float32 {
	return func(row, col int) float32 { return v }
}

func collection(t *testing.T, rings ...[][]float64) *geojson.FeatureCollection {
	t.Helper()
	fc := &geojson.FeatureCollection{Type: geojson.TypeFeatureCollection}
	for _, ring := range rings {
		coords, err := json.Marshal([][][]float64{ring})
		if err != nil {
			t.Fatalf("Marshal() error: %v", err)
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			Type:     geojson.TypeFeature,
			Geometry: &geojson.Geometry{Type: geojson.TypePolygon, Coordinates: coords},
		})
	}
	return fc
}

func square(west, south, east, north float64) [][]float64 {
	return [][]float64{{west, south}, {east, south}, {east, north}, {west, north}, {west, south}}
}

func newService(c *catalog.Catalog) *Service {
	return NewService(Options{Catalog: c, CarbonRatio: 0.47, Logger: testLogger()})
}

func TestService_Estimate_Preliminary(t *testing.T) {
	c := newCatalog(t, nil, constant(50))
	svc := newService(c)

	res, err := svc.Estimate(context.Background(), collection(t, square(106.002, 0.002, 106.004, 0.004)), NewPreliminary(c))
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}

	p := res.Raster.Profile
	if p.Width != 20 || p.Height != 20 || p.Count != 1 {
		t.Fatalf("raster shape = %dx%dx%d, want 1x20x20", p.Count, p.Height, p.Width)
	}
	if p.NoData == nil || !math.IsNaN(*p.NoData) {
		t.Errorf("nodata should be NaN, got %v", p.NoData)
	}
	if p.CRS != raster.WGS84 {
		t.Errorf("CRS = %s, want the catalog CRS", p.CRS)
	}
	b := res.Raster.BoundingBox()
	if math.Abs(b.Min[0]-106.002) > 1e-9 || math.Abs(b.Max[1]-0.004) > 1e-9 {
		t.Errorf("bounding box = %v, want the region bbox", b)
	}

	st := res.Statistics
	if st.Pixels != 400 {
		t.Errorf("Pixels = %d, want 400", st.Pixels)
	}
	want := map[string]float64{
		"area":   4,
		"mean":   50,
		"total":  200,
		"carbon": 94,
	}
	got := map[string]float64{
		"area":   st.Area,
		"mean":   st.MeanDensity,
		"total":  st.TotalBiomass,
		"carbon": st.CarbonStock,
	}
	for k, w := range want {
		if math.Abs(got[k]-w) > 1e-6 {
			t.Errorf("%s = %g, want %g", k, got[k], w)
		}
	}

	// A constant estimate normalizes to zero.
	for i, v := range res.Raster.Data {
		if v != 0 {
			t.Fatalf("normalized[%d] = %g, want 0", i, v)
		}
	}
	if res.Strategy != "preliminary" || res.Entry.Index != 0 {
		t.Errorf("unexpected result metadata: %s, entry %d", res.Strategy, res.Entry.Index)
	}
}

func TestService_Estimate_IntegerCatalog(t *testing.T) {
	c := newCatalog(t, nil, constant(50))
	entry := c.Entries()[0]
	entry.Profile.DType = raster.Int16
	entry.Profile.Compress = "lzw"
	nodata := -9999.0
	entry.Profile.NoData = &nodata

	res, err := newService(c).Estimate(context.Background(), collection(t, square(106.002, 0.002, 106.004, 0.004)), NewPreliminary(c))
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}

	p := res.Raster.Profile
	if p.DType != raster.Float32 || p.Compress != "deflate" {
		t.Errorf("profile = %s/%s, want float32/deflate", p.DType, p.Compress)
	}
	if p.NoData == nil || !math.IsNaN(*p.NoData) {
		t.Errorf("nodata should be NaN, got %v", p.NoData)
	}
	if p.CRS != entry.Profile.CRS {
		t.Errorf("CRS = %s, want %s", p.CRS, entry.Profile.CRS)
	}
}

func TestService_Estimate_MasksOutsidePolygon(t *testing.T) {
	c := newCatalog(t, nil, func(row, col int) float32 { return float32(col) })
	svc := newService(c)

	triangle := [][]float64{{106.002, 0.002}, {106.006, 0.002}, {106.002, 0.006}, {106.002, 0.002}}
	res, err := svc.Estimate(context.Background(), collection(t, triangle), NewPreliminary(c))
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}

	total := res.Raster.Profile.Width * res.Raster.Profile.Height
	var valid int
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range res.Raster.Data {
		if math.IsNaN(float64(v)) {
			continue
		}
		valid++
		lo, hi = min(lo, v), max(hi, v)
	}
	if valid == 0 || valid >= total {
		t.Fatalf("expected a partial mask, got %d of %d valid pixels", valid, total)
	}
	if valid != res.Statistics.Pixels {
		t.Errorf("statistics count %d pixels, raster has %d valid", res.Statistics.Pixels, valid)
	}
	if lo != 0 || hi != 1 {
		t.Errorf("normalized range = [%g, %g], want [0, 1]", lo, hi)
	}
	// North-east corner of the bbox lies outside the triangle.
	if !math.IsNaN(float64(res.Raster.Data[res.Raster.Profile.Width-1])) {
		t.Error("pixel outside the polygon should be NaN")
	}
}

func TestService_Estimate_MultiplePolygons(t *testing.T) {
	c := newCatalog(t, nil, constant(10))
	svc := newService(c)

	fc := collection(t,
		square(106.001, 0.001, 106.002, 0.002),
		square(106.004, 0.004, 106.005, 0.005),
	)
	res, err := svc.Estimate(context.Background(), fc, NewPreliminary(c))
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}
	// Two 10x10 squares inside a 40x40 bbox window.
	if res.Statistics.Pixels != 200 {
		t.Errorf("Pixels = %d, want 200", res.Statistics.Pixels)
	}
}

func TestService_Estimate_OneHectare(t *testing.T) {
	c := newCatalog(t, nil, func(row, col int) float32 { return float32(80 + row + col) })
	svc := newService(c)

	// 10x10 catalog pixels, one hectare at the reported 10 m pixel size.
	res, err := svc.Estimate(context.Background(), collection(t, square(106.003, 0.003, 106.004, 0.004)), NewPreliminary(c))
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}

	st := res.Statistics
	if math.Abs(st.Area-1) > 0.01 {
		t.Errorf("Area = %g ha, want 1 ± one pixel", st.Area)
	}
	if !(st.MinDensity <= st.MeanDensity && st.MeanDensity <= st.MaxDensity) {
		t.Errorf("want min <= mean <= max, got %g, %g, %g", st.MinDensity, st.MeanDensity, st.MaxDensity)
	}
	if math.Abs(st.TotalBiomass*0.47-st.CarbonStock) > 1e-9 {
		t.Errorf("CarbonStock = %g, want %g", st.CarbonStock, st.TotalBiomass*0.47)
	}

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range res.Raster.Data {
		if math.IsNaN(float64(v)) {
			continue
		}
		lo, hi = min(lo, v), max(hi, v)
	}
	if lo != 0 || hi != 1 {
		t.Errorf("normalized range = [%g, %g], want [0, 1]", lo, hi)
	}
}

// countingStrategy records how often the data source is reached.
type countingStrategy struct {
	calls *int
}

func (s countingStrategy) Name() string { return "counting" }

func (s countingStrategy) RawEstimate(ctx context.Context, bbox orb.Bound, entry *catalog.Entry) (*Grid, error) {
	*s.calls++
	return nil, errors.New("unexpected fetch")
}

func TestService_Estimate_RejectsBeforeFetch(t *testing.T) {
	tests := []struct {
		name    string
		ring    [][]float64
		wantErr error
	}{
		{name: "area too large", ring: square(106.0, 0.0, 106.1, 0.1), wantErr: region.ErrAreaTooLarge},
		{name: "outside catalog", ring: square(106.009, 0.002, 106.011, 0.004), wantErr: catalog.ErrUnsupportedArea},
	}

	c := newCatalog(t, nil, constant(1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := newService(c).Estimate(context.Background(), collection(t, tt.ring), countingStrategy{calls: &calls})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Estimate() error = %v, want %v", err, tt.wantErr)
			}
			if calls != 0 {
				t.Errorf("data source reached %d times before rejection", calls)
			}
		})
	}
}

func TestService_Estimate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		fill     func(row, col int) float32
		nodata   *float64
		fc       func(t *testing.T) *geojson.FeatureCollection
		strategy func(c *catalog.Catalog) Strategy
		wantErr  error
		class    Class
	}{
		{
			name: "outside catalog",
			fc: func(t *testing.T) *geojson.FeatureCollection {
				return collection(t, square(106.009, 0.002, 106.011, 0.004))
			},
			wantErr: catalog.ErrUnsupportedArea,
			class:   ClassValidation,
		},
		{
			name: "area too large",
			fc: func(t *testing.T) *geojson.FeatureCollection {
				return collection(t, square(106.0, 0.0, 106.1, 0.1))
			},
			wantErr: region.ErrAreaTooLarge,
			class:   ClassValidation,
		},
		{
			name: "not a polygon",
			fc: func(t *testing.T) *geojson.FeatureCollection {
				return &geojson.FeatureCollection{
					Type: geojson.TypeFeatureCollection,
					Features: []*geojson.Feature{{
						Type:     geojson.TypeFeature,
						Geometry: &geojson.Geometry{Type: "Point", Coordinates: json.RawMessage(`[106.001, 0.001]`)},
					}},
				}
			},
			wantErr: geojson.ErrUnsupportedGeometry,
			class:   ClassValidation,
		},
		{
			name:   "only nodata",
			fill:   constant(-9999),
			nodata: func() *float64 { v := -9999.0; return &v }(),
			fc: func(t *testing.T) *geojson.FeatureCollection {
				return collection(t, square(106.002, 0.002, 106.004, 0.004))
			},
			wantErr: stats.ErrEmptyRegion,
			class:   ClassValidation,
		},
		{
			name: "malformed grid",
			fc: func(t *testing.T) *geojson.FeatureCollection {
				return collection(t, square(106.002, 0.002, 106.004, 0.004))
			},
			strategy: func(*catalog.Catalog) Strategy {
				return fakeStrategy{grid: &Grid{Data: make([]float32, 3), Width: 2, Height: 2}}
			},
			wantErr: raster.ErrShape,
			class:   ClassContract,
		},
		{
			name: "upstream failure",
			fc: func(t *testing.T) *geojson.FeatureCollection {
				return collection(t, square(106.002, 0.002, 106.004, 0.004))
			},
			strategy: func(*catalog.Catalog) Strategy {
				return fakeStrategy{err: fmt.Errorf("fetch: %w", raster.ErrRemote)}
			},
			wantErr: raster.ErrRemote,
			class:   ClassInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill := tt.fill
			if fill == nil {
				fill = constant(1)
			}
			c := newCatalog(t, tt.nodata, fill)
			var strategy Strategy = NewPreliminary(c)
			if tt.strategy != nil {
				strategy = tt.strategy(c)
			}

			_, err := newService(c).Estimate(context.Background(), tt.fc(t), strategy)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Estimate() error = %v, want %v", err, tt.wantErr)
			}
			if got := Classify(err); got != tt.class {
				t.Errorf("Classify() = %s, want %s", got, tt.class)
			}
		})
	}
}

type fakeStrategy struct {
	grid *Grid
	err  error
}

func (f fakeStrategy) Name() string { return "fake" }

func (f fakeStrategy) RawEstimate(ctx context.Context, bbox orb.Bound, entry *catalog.Entry) (*Grid, error) {
	return f.grid, f.err
}

type slowStrategy struct{}

func (slowStrategy) Name() string { return "slow" }

func (slowStrategy) RawEstimate(ctx context.Context, bbox orb.Bound, entry *catalog.Entry) (*Grid, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_Estimate_Timeout(t *testing.T) {
	c := newCatalog(t, nil, constant(1))
	svc := NewService(Options{Catalog: c, Timeout: 10 * time.Millisecond, Logger: testLogger()})

	_, err := svc.Estimate(context.Background(), collection(t, square(106.002, 0.002, 106.004, 0.004)), slowStrategy{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Estimate() error = %v, want deadline exceeded", err)
	}
}

func TestService_Estimate_Runtime(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := newCatalog(t, nil, constant(1))
	sensors := config.DefaultSensors()
	stac := satellitetest.NewServer(t, sensors, satellitetest.Options{Coverage: coverage})
	defer stac.Close()

	client := satellite.NewClient(stac.URL, 10*time.Second).WithLogger(testLogger())
	source := satellite.NewSource(client, sensors, satellite.SourceOptions{
		MaxCloudCover: 20,
		Opener:        stac.Opener(),
		Logger:        testLogger(),
	})
	runtime := NewRuntime(source, inferencetest.Engine(7))

	fc := collection(t, square(106.002, 0.002, 106.003, 0.003))
	res, err := newService(c).Estimate(context.Background(), fc, runtime)
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}

	grid := satellite.NewGrid(res.Region.BBox, 10)
	p := res.Raster.Profile
	if p.Width != grid.Width || p.Height != grid.Height {
		t.Errorf("raster = %dx%d, want the radar grid %dx%d", p.Width, p.Height, grid.Width, grid.Height)
	}
	if res.Statistics.Pixels == 0 || res.Strategy != "runtime" {
		t.Errorf("unexpected result: %d pixels, strategy %s", res.Statistics.Pixels, res.Strategy)
	}
	for i, v := range res.Raster.Data {
		if math.IsNaN(float64(v)) {
			continue
		}
		if v < 0 || v > 1 {
			t.Fatalf("normalized[%d] = %g outside [0, 1]", i, v)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{&region.ValidationError{Err: region.ErrDegenerate}, ClassValidation},
		{fmt.Errorf("find: %w", catalog.ErrUnsupportedArea), ClassValidation},
		{fmt.Errorf("%w: mask", ErrMask), ClassValidation},
		{raster.ErrInvalidWindow, ClassValidation},
		{stats.ErrEmptyRegion, ClassValidation},
		{fmt.Errorf("regressor: %w", inference.ErrShapeMismatch), ClassContract},
		{raster.ErrShape, ClassContract},
		{satellite.ErrNoScene, ClassInternal},
		{errors.New("boom"), ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
			if IsValidation(tt.err) != (tt.want == ClassValidation) {
				t.Errorf("IsValidation(%v) disagrees with Classify", tt.err)
			}
		})
	}
}
