// Package server provides a public API for embedding the biomass estimation service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/biomass-estimator/internal/api"
	"github.com/robert-malhotra/biomass-estimator/internal/auth"
	"github.com/robert-malhotra/biomass-estimator/internal/catalog"
	"github.com/robert-malhotra/biomass-estimator/internal/config"
	"github.com/robert-malhotra/biomass-estimator/internal/estimation"
	"github.com/robert-malhotra/biomass-estimator/internal/inference"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/internal/region"
	"github.com/robert-malhotra/biomass-estimator/internal/satellite"
)

// Options configures the biomass estimation server.
type Options struct {
	// CatalogManifest is the path of the preliminary raster manifest (required).
	CatalogManifest string

	// AreaLimit is the largest accepted geodesic bbox area in m².
	// Default: 2,000,000
	AreaLimit float64

	// CarbonRatio is the carbon fraction of dry biomass.
	// Default: 0.47
	CarbonRatio float64

	// Timeout bounds a single estimation.
	// Default: 240s
	Timeout time.Duration

	// MaxBodyBytes caps uploaded GeoJSON documents.
	// Default: 10 MiB
	MaxBodyBytes int64

	// STACURL is the STAC API searched for runtime scenes.
	// Default: "https://earth-search.aws.element84.com/v1"
	STACURL string

	// SatelliteTimeout is the upstream request timeout for STAC searches and
	// raster reads.
	// Default: 60s
	SatelliteTimeout time.Duration

	// SensorsFile is a YAML band group definition.
	// Default: "" (uses built-in Sentinel-1/Sentinel-2 groups)
	SensorsFile string

	// MaxCloudCover is the largest accepted optical scene cloud cover, in percent.
	// Default: 20
	MaxCloudCover float64

	// Lookback bounds how far back scenes are searched.
	// Default: 0 (all time)
	Lookback time.Duration

	// SR20Path, SR60Path and RegressorPath locate the fusion model weights.
	// Runtime estimation is enabled when all three are set.
	SR20Path      string
	SR60Path      string
	RegressorPath string

	// AuthSecret signs the bearer tokens accepted by the runtime endpoint.
	// Required when runtime estimation is enabled.
	AuthSecret string

	// AuthAlgorithm is the HMAC token algorithm.
	// Default: "HS256"
	AuthAlgorithm string

	// EnableCatalog enables the /api/biomass/catalog endpoint.
	EnableCatalog bool

	// EnableMetrics enables the /metrics endpoint and HTTP instrumentation.
	EnableMetrics bool

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a biomass estimation server that can be embedded in another application.
type Server struct {
	router  chi.Router
	clients []*http.Client
}

// New creates a new biomass estimation server with the given options.
func New(ctx context.Context, opts Options) (*Server, error) {
	// Apply defaults
	if opts.AreaLimit == 0 {
		opts.AreaLimit = region.DefaultAreaLimit
	}
	if opts.CarbonRatio == 0 {
		opts.CarbonRatio = 0.47
	}
	if opts.Timeout == 0 {
		opts.Timeout = 240 * time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.STACURL == "" {
		opts.STACURL = "https://earth-search.aws.element84.com/v1"
	}
	if opts.SatelliteTimeout == 0 {
		opts.SatelliteTimeout = 60 * time.Second
	}
	if opts.MaxCloudCover == 0 {
		opts.MaxCloudCover = 20
	}
	if opts.AuthAlgorithm == "" {
		opts.AuthAlgorithm = "HS256"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Build internal config
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxBodyBytes: opts.MaxBodyBytes,
		},
		Estimation: config.EstimationConfig{
			CatalogManifest: opts.CatalogManifest,
			AreaLimit:       opts.AreaLimit,
			CarbonRatio:     opts.CarbonRatio,
			Timeout:         opts.Timeout,
		},
		Satellite: config.SatelliteConfig{
			STACURL:       opts.STACURL,
			Timeout:       opts.SatelliteTimeout,
			SensorsFile:   opts.SensorsFile,
			MaxCloudCover: opts.MaxCloudCover,
			Lookback:      opts.Lookback,
		},
		Model: config.ModelConfig{
			Enabled:       opts.SR20Path != "" && opts.SR60Path != "" && opts.RegressorPath != "",
			SR20Path:      opts.SR20Path,
			SR60Path:      opts.SR60Path,
			RegressorPath: opts.RegressorPath,
		},
		Auth: config.AuthConfig{
			Secret:    opts.AuthSecret,
			Algorithm: opts.AuthAlgorithm,
		},
		Features: config.FeatureConfig{
			EnableCatalog: opts.EnableCatalog,
			EnableMetrics: opts.EnableMetrics,
		},
	}
	if cfg.Model.Enabled && cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required when runtime estimation is enabled")
	}

	return NewFromConfig(ctx, cfg, opts.Logger)
}

// NewFromConfig creates a server from a loaded configuration. The catalog
// rasters and, when enabled, the model weights are read before it returns.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{}

	// Catalog rasters are read with HTTP range requests or from disk.
	catalogClient := &http.Client{Timeout: cfg.Satellite.Timeout}
	s.clients = append(s.clients, catalogClient)
	opener := raster.OpenerFunc(func(ctx context.Context, ref string) (*raster.Dataset, error) {
		return raster.Open(ctx, ref, catalogClient)
	})

	cat, err := catalog.Load(ctx, cfg.Estimation.CatalogManifest, opener, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded catalog", "entries", cat.Len())

	service := estimation.NewService(estimation.Options{
		Validator:   region.NewValidator(cfg.Estimation.AreaLimit),
		Catalog:     cat,
		CarbonRatio: cfg.Estimation.CarbonRatio,
		Timeout:     cfg.Estimation.Timeout,
		Logger:      logger,
	})

	var runtime estimation.Strategy
	var verifier *auth.Verifier
	if cfg.Model.Enabled {
		rt, err := s.newRuntime(cfg, logger)
		if err != nil {
			return nil, err
		}
		runtime = rt
		verifier = auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Algorithm)
	} else {
		logger.Info("runtime estimation disabled")
	}

	// Create handlers
	handlers := api.NewHandlers(cfg, service, estimation.NewPreliminary(cat), runtime, logger)

	// Create router
	s.router = api.NewRouter(handlers, verifier, logger)

	return s, nil
}

func (s *Server) newRuntime(cfg *config.Config, logger *slog.Logger) (*estimation.Runtime, error) {
	// Load sensor definitions
	sensors := config.DefaultSensors()
	if cfg.Satellite.SensorsFile != "" {
		loaded, err := config.LoadSensors(cfg.Satellite.SensorsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load sensors: %w", err)
		}
		sensors = loaded
	}
	if err := sensors.Complete(); err != nil {
		return nil, fmt.Errorf("invalid sensors: %w", err)
	}
	logger.Info("loaded sensors", "groups", sensors.Count(), "collections", sensors.Collections())

	engine, err := inference.LoadEngine(cfg.Model.SR20Path, cfg.Model.SR60Path, cfg.Model.RegressorPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	logger.Info("loaded fusion model",
		"sr20", cfg.Model.SR20Path,
		"sr60", cfg.Model.SR60Path,
		"regressor", cfg.Model.RegressorPath,
	)

	client := satellite.NewClient(cfg.Satellite.STACURL, cfg.Satellite.Timeout).WithLogger(logger)
	s.clients = append(s.clients, client.HTTPClient())
	source := satellite.NewSource(client, sensors, satellite.SourceOptions{
		MaxCloudCover: cfg.Satellite.MaxCloudCover,
		Lookback:      cfg.Satellite.Lookback,
		Logger:        logger,
	})
	logger.Info("runtime estimation enabled", "stac_url", cfg.Satellite.STACURL)

	return estimation.NewRuntime(source, engine), nil
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Close releases idle upstream connections.
func (s *Server) Close() {
	for _, c := range s.clients {
		c.CloseIdleConnections()
	}
}
