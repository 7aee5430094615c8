package estimation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robert-malhotra/biomass-estimator/internal/catalog"
	"github.com/robert-malhotra/biomass-estimator/internal/inference"
	"github.com/robert-malhotra/biomass-estimator/internal/metrics"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/internal/satellite"
)

// Grid is an unreferenced biomass density grid produced by a strategy. The
// service places it over the region bbox.
type Grid struct {
	Data          []float32
	Width, Height int
}

// Strategy produces the raw biomass grid for a bbox. It is the only step that
// differs between estimation modes.
type Strategy interface {
	Name() string
	RawEstimate(ctx context.Context, bbox orb.Bound, entry *catalog.Entry) (*Grid, error)
}

// Preliminary reads precomputed biomass from the catalog raster.
type Preliminary struct {
	catalog *catalog.Catalog
}

// NewPreliminary creates the catalog backed strategy.
func NewPreliminary(c *catalog.Catalog) *Preliminary {
	return &Preliminary{catalog: c}
}

// Name returns the strategy name.
func (p *Preliminary) Name() string {
	return "preliminary"
}

// RawEstimate reads band 1 of the entry raster restricted to bbox. Catalog
// nodata values become NaN.
func (p *Preliminary) RawEstimate(ctx context.Context, bbox orb.Bound, entry *catalog.Entry) (g *Grid, err error) {
	ctx, span := tracer.Start(ctx, "preliminary.read-window")
	defer func() { endSpan(span, err) }()

	win, err := raster.WindowFromBounds(entry.Profile.Transform, bbox)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("catalog.ref", entry.Ref),
		attribute.String("window", win.String()),
	)

	d, err := p.catalog.Open(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog raster %q: %w", entry.Ref, err)
	}
	defer d.Close()

	data, err := d.ReadWindow(1, win)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog raster %q: %w", entry.Ref, err)
	}

	profile := d.Profile()
	nan := float32(math.NaN())
	for i, v := range data {
		if profile.IsNoData(float64(v)) {
			data[i] = nan
		}
	}
	return &Grid{Data: data, Width: win.Width, Height: win.Height}, nil
}

// Runtime runs the fusion model over freshly fetched satellite bands.
type Runtime struct {
	source *satellite.Source
	engine *inference.Engine
}

// NewRuntime creates the model backed strategy.
func NewRuntime(source *satellite.Source, engine *inference.Engine) *Runtime {
	return &Runtime{source: source, engine: engine}
}

// Name returns the strategy name.
func (r *Runtime) Name() string {
	return "runtime"
}

// RawEstimate fetches the band groups over bbox and predicts biomass density on
// the radar grid.
func (r *Runtime) RawEstimate(ctx context.Context, bbox orb.Bound, _ *catalog.Entry) (g *Grid, err error) {
	fetchCtx, span := tracer.Start(ctx, "runtime.fetch-bands")
	start := time.Now()
	bands, err := r.source.Fetch(fetchCtx, bbox)
	metrics.SceneFetchDuration.Observe(time.Since(start).Seconds())
	endSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch satellite bands: %w", err)
	}

	inferCtx, span := tracer.Start(ctx, "runtime.inference")
	span.SetAttributes(
		attribute.Int("grid.width", bands.Grid.Width),
		attribute.Int("grid.height", bands.Grid.Height),
	)
	start = time.Now()
	out, err := r.engine.Estimate(inferCtx, bands.Inputs)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	endSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return &Grid{Data: out.Data, Width: out.W, Height: out.H}, nil
}
