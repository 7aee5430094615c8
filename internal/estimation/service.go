// Package estimation orchestrates biomass estimates: region validation, catalog
// resolution, a strategy specific raw estimate, polygon masking and statistics.
package estimation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robert-malhotra/biomass-estimator/internal/catalog"
	"github.com/robert-malhotra/biomass-estimator/internal/metrics"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/internal/region"
	"github.com/robert-malhotra/biomass-estimator/internal/stats"
	"github.com/robert-malhotra/biomass-estimator/pkg/geojson"
)

var tracer = otel.Tracer("biomass-estimator/estimation")

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Result is a finished estimate. The raster is normalized; the statistics are
// computed from the raw densities.
type Result struct {
	ID         uuid.UUID
	Strategy   string
	Region     *region.Region
	Entry      *catalog.Entry
	Raster     *raster.GeoRaster
	Statistics *stats.Statistics
}

// Options configures a Service.
type Options struct {
	Validator   *region.Validator
	Catalog     *catalog.Catalog
	CarbonRatio float64
	// Timeout bounds a whole estimate; zero means no limit beyond the caller's context.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Service runs estimates with any strategy.
type Service struct {
	validator   *region.Validator
	catalog     *catalog.Catalog
	carbonRatio float64
	timeout     time.Duration
	logger      *slog.Logger
}

// NewService creates an estimation service.
func NewService(opts Options) *Service {
	s := &Service{
		validator:   opts.Validator,
		catalog:     opts.Catalog,
		carbonRatio: opts.CarbonRatio,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
	if s.validator == nil {
		s.validator = region.NewValidator(0)
	}
	if s.carbonRatio <= 0 {
		s.carbonRatio = stats.DefaultCarbonRatio
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Catalog returns the catalog the service resolves regions against.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Estimate validates fc, resolves its catalog entry, runs strategy over the
// region bbox and masks the result to the region polygons. Errors are logged
// and counted by class before being returned.
func (s *Service) Estimate(ctx context.Context, fc *geojson.FeatureCollection, strategy Strategy) (res *Result, err error) {
	id := uuid.New()
	ctx, span := tracer.Start(ctx, "estimate", trace.WithAttributes(
		attribute.String("estimation.id", id.String()),
		attribute.String("estimation.strategy", strategy.Name()),
	))
	start := time.Now()
	defer func() {
		s.record(ctx, id, strategy.Name(), start, res, err)
		endSpan(span, err)
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reg, err := s.validator.Validate(fc)
	if err != nil {
		return nil, err
	}
	entry, err := s.catalog.Find(reg.BBox)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("region.area_m2", reg.Area),
		attribute.Int("catalog.index", entry.Index),
	)

	grid, err := strategy.RawEstimate(ctx, reg.BBox, entry)
	if err != nil {
		return nil, err
	}
	r, err := s.place(reg, entry, grid)
	if err != nil {
		return nil, err
	}

	st, err := stats.Compute(r, s.carbonRatio)
	if err != nil {
		return nil, err
	}
	if err := stats.Normalize(r); err != nil {
		return nil, err
	}

	return &Result{
		ID:         id,
		Strategy:   strategy.Name(),
		Region:     reg,
		Entry:      entry,
		Raster:     r,
		Statistics: st,
	}, nil
}

// place georeferences grid over the region bbox, masks it to the region
// polygons and wraps it with the catalog entry profile.
func (s *Service) place(reg *region.Region, entry *catalog.Entry, grid *Grid) (*raster.GeoRaster, error) {
	if grid.Width <= 0 || grid.Height <= 0 || len(grid.Data) != grid.Width*grid.Height {
		return nil, fmt.Errorf("%w: estimate grid %dx%d holds %d samples", raster.ErrShape, grid.Width, grid.Height, len(grid.Data))
	}

	b := reg.BBox
	transform := raster.FromBounds(b.Min[0], b.Min[1], b.Max[0], b.Max[1], grid.Width, grid.Height)

	mask, err := raster.GeometryMask(reg.MultiPolygon, grid.Height, grid.Width, transform)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMask, err)
	}
	if err := raster.ApplyMask(grid.Data, mask); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMask, err)
	}

	// The catalog CRS carries over. Samples are float32 whatever the catalog
	// dtype since masked pixels hold NaN, and the encoder writes deflate strips.
	profile := entry.Profile
	profile.Driver = "GTiff"
	profile.DType = raster.Float32
	profile.Count = 1
	profile.Width = grid.Width
	profile.Height = grid.Height
	profile.Transform = transform
	profile.NoData = raster.NaN()
	profile.Compress = "deflate"

	r := &raster.GeoRaster{Data: grid.Data, Profile: profile}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) record(ctx context.Context, id uuid.UUID, strategy string, start time.Time, res *Result, err error) {
	elapsed := time.Since(start)
	metrics.EstimationDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())

	attrs := []any{
		slog.String("estimation_id", id.String()),
		slog.String("strategy", strategy),
		slog.Duration("duration", elapsed),
	}
	if err == nil {
		metrics.EstimationsTotal.WithLabelValues(strategy, metrics.OutcomeSuccess).Inc()
		metrics.EstimatedArea.WithLabelValues(strategy).Observe(res.Statistics.Area)
		s.logger.InfoContext(ctx, "estimation completed", append(attrs,
			slog.Int("pixels", res.Statistics.Pixels),
			slog.Float64("total_biomass", res.Statistics.TotalBiomass),
		)...)
		return
	}

	attrs = append(attrs, slog.String("error", err.Error()))
	switch Classify(err) {
	case ClassValidation:
		metrics.EstimationsTotal.WithLabelValues(strategy, metrics.OutcomeRejected).Inc()
		s.logger.InfoContext(ctx, "estimation rejected", attrs...)
	case ClassContract:
		metrics.EstimationsTotal.WithLabelValues(strategy, metrics.OutcomeError).Inc()
		s.logger.ErrorContext(ctx, "estimation failed", append(attrs, slog.Bool("contract_violation", true))...)
	default:
		metrics.EstimationsTotal.WithLabelValues(strategy, metrics.OutcomeError).Inc()
		s.logger.ErrorContext(ctx, "estimation failed", attrs...)
	}
}
