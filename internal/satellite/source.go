package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/robert-malhotra/biomass-estimator/internal/config"
	"github.com/robert-malhotra/biomass-estimator/internal/inference"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
)

// maxConcurrentReads bounds the band assets read at once.
const maxConcurrentReads = 8

// SourceOptions configures a Source.
type SourceOptions struct {
	MaxCloudCover float64
	// Lookback bounds the scene search interval; zero searches all time.
	Lookback time.Duration
	// Opener reads band assets. Defaults to HTTP range reads through the client.
	Opener raster.Opener
	Logger *slog.Logger
}

// Source assembles model inputs from the most recent scenes of every band group.
type Source struct {
	client        *Client
	sensors       *config.SensorRegistry
	opener        raster.Opener
	maxCloudCover float64
	lookback      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewSource creates a band source.
func NewSource(client *Client, sensors *config.SensorRegistry, opts SourceOptions) *Source {
	s := &Source{
		client:        client,
		sensors:       sensors,
		opener:        opts.Opener,
		maxCloudCover: opts.MaxCloudCover,
		lookback:      opts.Lookback,
		logger:        opts.Logger,
		now:           time.Now,
	}
	if s.opener == nil {
		s.opener = raster.OpenerFunc(func(ctx context.Context, ref string) (*raster.Dataset, error) {
			return raster.Open(ctx, ref, client.HTTPClient())
		})
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Bands holds the sampled band groups of one estimate.
type Bands struct {
	// Grid is the output grid, at the radar resolution.
	Grid   Grid
	Inputs inference.Inputs
	Scenes map[string]*Scene
}

type groupSample struct {
	tensor   *inference.Tensor
	grid     Grid
	maxValue float32
	crs      raster.CRS
}

// Fetch selects a scene for every band group intersecting bbox and samples its
// assets. Groups sharing a query share a scene. Any failure cancels the rest.
func (s *Source) Fetch(ctx context.Context, bbox orb.Bound) (*Bands, error) {
	if err := s.sensors.Complete(); err != nil {
		return nil, err
	}

	scenes, err := s.findScenes(ctx, bbox)
	if err != nil {
		return nil, err
	}

	samples := make(map[string]*groupSample, len(config.RequiredGroups))
	for _, id := range config.RequiredGroups {
		group := s.sensors.Get(id)
		grid := NewGrid(bbox, group.Resolution)
		samples[id] = &groupSample{
			tensor: inference.NewTensor(len(group.Assets), grid.Height, grid.Width),
			grid:   grid,
		}
	}

	type job struct {
		group, key, href string
		band             int
		lons, lats       []float64
	}
	var jobs []job
	for _, id := range config.RequiredGroups {
		group := s.sensors.Get(id)
		lons, lats := samples[id].grid.Centers()
		for band, key := range group.Assets {
			href, err := scenes[id].AssetHref(key)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job{group: id, key: key, href: href, band: band, lons: lons, lats: lats})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for _, j := range jobs {
		j := j
		sample := samples[j.group]
		g.Go(func() error {
			values, profile, err := s.sampleAsset(gctx, j.href, j.lons, j.lats)
			if err != nil {
				return fmt.Errorf("group %s asset %s: %w", j.group, j.key, err)
			}
			copy(sample.tensor.Plane(j.band), values)
			// The first band of a group carries its encoding and CRS.
			if j.band == 0 {
				sample.crs = profile.CRS
				if !profile.DType.IsFloat() {
					sample.maxValue = float32(profile.DType.MaxValue())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	radar := samples[config.GroupRadar]
	coords, err := s.coordinates(radar.grid, radar.crs)
	if err != nil {
		return nil, err
	}

	return &Bands{
		Grid: radar.grid,
		Inputs: inference.Inputs{
			Coords:    inference.Sample{Tensor: coords},
			Radar:     inference.Sample{Tensor: radar.tensor, MaxValue: radar.maxValue},
			Optical10: inference.Sample{Tensor: samples[config.GroupOptical10].tensor},
			Optical20: inference.Sample{Tensor: samples[config.GroupOptical20].tensor},
			Optical60: inference.Sample{Tensor: samples[config.GroupOptical60].tensor},
		},
		Scenes: scenes,
	}, nil
}

// findScenes runs one search per distinct query.
func (s *Source) findScenes(ctx context.Context, bbox orb.Bound) (map[string]*Scene, error) {
	var start time.Time
	end := s.now()
	if s.lookback > 0 {
		start = end.Add(-s.lookback)
	}

	groupKeys := make(map[string]string)
	queries := make(map[string]*config.BandGroup)
	for _, id := range config.RequiredGroups {
		group := s.sensors.Get(id)
		key := SceneQuery(group, bbox, s.maxCloudCover, start, end).key()
		groupKeys[id] = key
		if _, ok := queries[key]; !ok {
			queries[key] = group
		}
	}

	var mu sync.Mutex
	found := make(map[string]*Scene, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for key, group := range queries {
		key, group := key, group
		g.Go(func() error {
			scene, err := s.client.Latest(gctx, group, bbox, s.maxCloudCover, start, end)
			if err != nil {
				return err
			}
			mu.Lock()
			found[key] = scene
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scenes := make(map[string]*Scene, len(groupKeys))
	for id, key := range groupKeys {
		scene := found[key]
		scenes[id] = &Scene{Group: id, Item: scene.Item}
		attrs := []any{slog.String("group", id), slog.String("item", scene.Item.Id)}
		if t, ok := scene.Datetime(); ok {
			attrs = append(attrs, slog.Time("datetime", t))
		}
		s.logger.InfoContext(ctx, "selected scene", attrs...)
	}
	return scenes, nil
}

func (s *Source) sampleAsset(ctx context.Context, href string, lons, lats []float64) ([]float32, raster.Profile, error) {
	d, err := s.opener.Open(ctx, href)
	if err != nil {
		return nil, raster.Profile{}, err
	}
	defer d.Close()

	profile := d.Profile()
	xs, ys, err := Project(profile.CRS, lons, lats)
	if err != nil {
		return nil, raster.Profile{}, err
	}
	values, err := d.SampleBilinear(1, xs, ys)
	if err != nil {
		return nil, raster.Profile{}, err
	}
	return values, profile, nil
}

// coordinates returns the projected pixel centres of grid in crs as two
// channels (x, y).
func (s *Source) coordinates(grid Grid, crs raster.CRS) (*inference.Tensor, error) {
	lons, lats := grid.Centers()
	xs, ys, err := Project(crs, lons, lats)
	if err != nil {
		return nil, fmt.Errorf("failed to project coordinates: %w", err)
	}
	t := inference.NewTensor(2, grid.Height, grid.Width)
	for i := range xs {
		t.Plane(0)[i] = float32(xs[i])
		t.Plane(1)[i] = float32(ys[i])
	}
	return t, nil
}
