// Package config provides configuration management for the biomass estimation service.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the complete application configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig     `envPrefix:"SERVER_"`
	Estimation EstimationConfig `envPrefix:"ESTIMATION_"`
	Satellite  SatelliteConfig  `envPrefix:"SATELLITE_"`
	Model      ModelConfig      `envPrefix:"MODEL_"`
	Auth       AuthConfig       `envPrefix:"AUTH_"`
	Features   FeatureConfig    `envPrefix:"FEATURE_"`
	Telemetry  TelemetryConfig  `envPrefix:"TELEMETRY_"`
	Logging    LoggingConfig    `envPrefix:"LOG_"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"300s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// MaxBodyBytes caps the size of uploaded GeoJSON documents.
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"10485760"`
}

// EstimationConfig contains the estimation pipeline settings.
type EstimationConfig struct {
	// CatalogManifest lists the preliminary rasters, one path or URL per line (required).
	CatalogManifest string `env:"CATALOG_MANIFEST"`
	// AreaLimit is the largest accepted geodesic bbox area in m².
	AreaLimit   float64       `env:"AREA_LIMIT" envDefault:"2000000"`
	CarbonRatio float64       `env:"CARBON_RATIO" envDefault:"0.47"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"240s"`
}

// SatelliteConfig contains the STAC API client configuration for runtime estimates.
type SatelliteConfig struct {
	STACURL       string        `env:"STAC_URL" envDefault:"https://earth-search.aws.element84.com/v1"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"60s"`
	SensorsFile   string        `env:"SENSORS_FILE" envDefault:""`
	MaxCloudCover float64       `env:"MAX_CLOUD_COVER" envDefault:"20"`
	// Lookback bounds how far back scenes are searched; zero searches all time.
	Lookback time.Duration `env:"LOOKBACK" envDefault:"2160h"`
}

// ModelConfig contains the fusion model weight locations.
type ModelConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"false"`
	SR20Path      string `env:"SR20_PATH" envDefault:""`
	SR60Path      string `env:"SR60_PATH" envDefault:""`
	RegressorPath string `env:"REGRESSOR_PATH" envDefault:""`
}

// AuthConfig contains the token verification settings.
type AuthConfig struct {
	Secret    string `env:"SECRET" envDefault:""`
	Algorithm string `env:"ALGORITHM" envDefault:"HS256"`
}

// FeatureConfig contains feature flags.
type FeatureConfig struct {
	EnableCatalog bool `env:"ENABLE_CATALOG" envDefault:"true"`
	EnableMetrics bool `env:"ENABLE_METRICS" envDefault:"true"`
}

// TelemetryConfig contains tracing configuration. Tracing is off when
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string  `env:"OTLP_ENDPOINT" envDefault:""`
	ServiceName  string  `env:"SERVICE_NAME" envDefault:"biomass-estimator"`
	SampleRatio  float64 `env:"SAMPLE_RATIO" envDefault:"1"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load parses configuration from environment variables.
// It returns an error if required fields are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}

	opts := env.Options{
		RequiredIfNoDef: true,
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive, got %s", c.Server.ReadTimeout)
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive, got %s", c.Server.WriteTimeout)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server max body bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}

	// Validate estimation config
	if c.Estimation.CatalogManifest == "" {
		return fmt.Errorf("catalog manifest is required")
	}

	if c.Estimation.AreaLimit <= 0 {
		return fmt.Errorf("area limit must be positive, got %g", c.Estimation.AreaLimit)
	}

	if c.Estimation.CarbonRatio <= 0 || c.Estimation.CarbonRatio > 1 {
		return fmt.Errorf("carbon ratio must be in (0, 1], got %g", c.Estimation.CarbonRatio)
	}

	if c.Estimation.Timeout <= 0 {
		return fmt.Errorf("estimation timeout must be positive, got %s", c.Estimation.Timeout)
	}

	// Validate satellite config
	if c.Satellite.STACURL == "" {
		return fmt.Errorf("satellite STAC URL is required")
	}

	if c.Satellite.Timeout <= 0 {
		return fmt.Errorf("satellite timeout must be positive, got %s", c.Satellite.Timeout)
	}

	if c.Satellite.MaxCloudCover < 0 || c.Satellite.MaxCloudCover > 100 {
		return fmt.Errorf("max cloud cover must be between 0 and 100, got %g", c.Satellite.MaxCloudCover)
	}

	if c.Satellite.Lookback < 0 {
		return fmt.Errorf("satellite lookback must not be negative, got %s", c.Satellite.Lookback)
	}

	// Validate model and auth config
	if c.Model.Enabled {
		if c.Model.SR20Path == "" || c.Model.SR60Path == "" || c.Model.RegressorPath == "" {
			return fmt.Errorf("model enabled but SR20, SR60 and regressor weight paths are not all set")
		}
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth secret is required when the model is enabled")
		}
	}

	validAlgorithms := map[string]bool{
		"HS256": true,
		"HS384": true,
		"HS512": true,
	}
	if !validAlgorithms[c.Auth.Algorithm] {
		return fmt.Errorf("invalid auth algorithm %q, must be one of: HS256, HS384, HS512", c.Auth.Algorithm)
	}

	// Validate telemetry config
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be between 0 and 1, got %g", c.Telemetry.SampleRatio)
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, text", c.Logging.Format)
	}

	return nil
}

// Address returns the server listen address in the format "host:port".
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
