package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultConfigPath = "~/.config/skydiff/config.yaml"
	defaultParallel   = 2
	envPrefix         = "SKYDIFF_"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds user-editable settings for the engine.
type Config struct {
	Processing Processing       `koanf:"processing" json:"processing"`
	Logging    Logging          `koanf:"logging" json:"logging"`
	Paths      Paths            `koanf:"paths" json:"paths"`
	Alignment  AlignmentConfig  `koanf:"alignment" json:"alignment"`
	Noise      NoiseConfig      `koanf:"noise" json:"noise"`
	Detection  DetectionConfig  `koanf:"detection" json:"detection"`
	Tracking   TrackingConfig   `koanf:"tracking" json:"tracking"`
	Validation ValidationConfig `koanf:"validation" json:"validation"`
	Catalog    CatalogConfig    `koanf:"catalog" json:"catalog"`
	Output     OutputConfig     `koanf:"output" json:"output"`
	Server     ServerConfig     `koanf:"server" json:"server"`
	BadPixels  []BadPixelRegion `koanf:"bad_pixels" json:"bad_pixels"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int           `koanf:"parallel_jobs" json:"parallel_jobs"` // concurrent batches in the job queue
	MapWorkers   int           `koanf:"map_workers" json:"map_workers"`
	UnitTimeout  time.Duration `koanf:"unit_timeout" json:"unit_timeout"`
	MaxRetries   int           `koanf:"max_retries" json:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff" json:"retry_backoff"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format     string `koanf:"format" json:"format"` // text, json, traditional
	FileOutput bool   `koanf:"file_output" json:"file_output"`
	LogDir     string `koanf:"log_dir" json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `koanf:"database_path" json:"database_path"`
	InboxDir     string `koanf:"inbox_dir" json:"inbox_dir"`
}

// AlignmentConfig controls resampling and photometric matching.
type AlignmentConfig struct {
	Interpolation    string  `koanf:"interpolation" json:"interpolation"`     // bilinear, nearest
	ScaleEstimator   string  `koanf:"scale_estimator" json:"scale_estimator"` // median_ratio, fixed
	FixedScale       float64 `koanf:"fixed_scale" json:"fixed_scale"`
	MinOverlap       float64 `koanf:"min_overlap" json:"min_overlap"`
	ScaleMin         float64 `koanf:"scale_min" json:"scale_min"`
	ScaleMax         float64 `koanf:"scale_max" json:"scale_max"`
	MinReferenceFlux float64 `koanf:"min_reference_flux" json:"min_reference_flux"`
	StackSigma       float64 `koanf:"stack_sigma" json:"stack_sigma"` // clip threshold when combining reference exposures
	StackMinSamples  int     `koanf:"stack_min_samples" json:"stack_min_samples"`
}

// NoiseConfig selects and parameterises the per-pixel noise model.
type NoiseConfig struct {
	Model              string  `koanf:"model" json:"model"` // quadrature, clipped
	ScienceGain        float64 `koanf:"science_gain" json:"science_gain"`
	ScienceReadNoise   float64 `koanf:"science_read_noise" json:"science_read_noise"`
	ReferenceGain      float64 `koanf:"reference_gain" json:"reference_gain"`
	ReferenceReadNoise float64 `koanf:"reference_read_noise" json:"reference_read_noise"`
	Floor              float64 `koanf:"floor" json:"floor"`
	ClipSigma          float64 `koanf:"clip_sigma" json:"clip_sigma"`
	ClipIterations     int     `koanf:"clip_iterations" json:"clip_iterations"`
}

// DetectionConfig controls candidate extraction.
type DetectionConfig struct {
	Threshold    float64 `koanf:"threshold" json:"threshold"`
	MinPixels    int     `koanf:"min_pixels" json:"min_pixels"`
	Connectivity int     `koanf:"connectivity" json:"connectivity"`
	MinSNR       float64 `koanf:"min_snr" json:"min_snr"`
	BorderPixels int     `koanf:"border_pixels" json:"border_pixels"`
}

// TrackingConfig controls the reduce stage.
type TrackingConfig struct {
	LinkToleranceArcsec float64       `koanf:"link_tolerance_arcsec" json:"link_tolerance_arcsec"`
	MaxGap              time.Duration `koanf:"max_gap" json:"max_gap"`
	HitsToConfirm       int           `koanf:"hits_to_confirm" json:"hits_to_confirm"`
	MaxSpreadArcsec     float64       `koanf:"max_spread_arcsec" json:"max_spread_arcsec"`
	PartitionCellArcsec float64       `koanf:"partition_cell_arcsec" json:"partition_cell_arcsec"`
	ReduceWorkers       int           `koanf:"reduce_workers" json:"reduce_workers"`
	PartitionTimeout    time.Duration `koanf:"partition_timeout" json:"partition_timeout"`
	PartitionRetries    int           `koanf:"partition_retries" json:"partition_retries"`
}

// ValidationConfig controls catalog cross-matching.
type ValidationConfig struct {
	MatchRadiusArcsec float64       `koanf:"match_radius_arcsec" json:"match_radius_arcsec"`
	MaxRetries        int           `koanf:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" json:"initial_backoff"`
	LookupTimeout     time.Duration `koanf:"lookup_timeout" json:"lookup_timeout"`
	Workers           int           `koanf:"workers" json:"workers"`
}

// CatalogConfig points at the external reference catalog.
type CatalogConfig struct {
	SQLitePath string `koanf:"sqlite_path" json:"sqlite_path"`
	Table      string `koanf:"table" json:"table"`
}

// OutputConfig configures where finalised track records go besides the database.
type OutputConfig struct {
	S3Bucket    string `koanf:"s3_bucket" json:"s3_bucket"`
	S3Prefix    string `koanf:"s3_prefix" json:"s3_prefix"`
	S3Region    string `koanf:"s3_region" json:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint" json:"s3_endpoint"`
	S3PathStyle bool   `koanf:"s3_path_style" json:"s3_path_style"`
}

// ServerConfig configures the HTTP API and gRPC map workers.
type ServerConfig struct {
	HTTPAddr      string   `koanf:"http_addr" json:"http_addr"`
	GRPCAddr      string   `koanf:"grpc_addr" json:"grpc_addr"`
	RemoteWorkers []string `koanf:"remote_workers" json:"remote_workers"`

	// Transport security towards remote workers and of the worker listener.
	TLSCertPath string `koanf:"tls_cert_path" json:"tls_cert_path"`
	TLSKeyPath  string `koanf:"tls_key_path" json:"tls_key_path"`
	CACertPath  string `koanf:"ca_cert_path" json:"ca_cert_path"`
	Insecure    bool   `koanf:"insecure" json:"insecure"`
}

// BadPixelRegion is a known-defective rectangle of one sensor region, inclusive bounds.
type BadPixelRegion struct {
	SensorRegion string `koanf:"sensor_region" json:"sensor_region"`
	MinX         int    `koanf:"min_x" json:"min_x"`
	MinY         int    `koanf:"min_y" json:"min_y"`
	MaxX         int    `koanf:"max_x" json:"max_x"`
	MaxY         int    `koanf:"max_y" json:"max_y"`
}

// Load builds a Config by layering defaults, an optional YAML file and
// SKYDIFF_ environment variables, in that order of precedence.
// Nested keys use a double underscore: SKYDIFF_DETECTION__THRESHOLD=4.5.
func Load() (*Config, error) {
	base := defaultConfig()
	k := koanf.New(".")

	configPath := os.Getenv("SKYDIFF_CONFIG")
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(expanded); statErr == nil {
		if err := k.Load(file.Provider(expanded), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", expanded, err)
		}
	} else if explicit || !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", expanded, statErr)
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}
	// SKYDIFF_CONFIG itself lands under "config"; it is not a setting.
	k.Delete("config")

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(c.Processing.MapWorkers > 0, "processing.map_workers must be positive")
	check(c.Processing.ParallelJobs > 0, "processing.parallel_jobs must be positive")
	check(c.Processing.MaxRetries >= 0, "processing.max_retries must not be negative")
	check(c.Detection.Threshold > 0, "detection.threshold must be positive")
	check(c.Detection.MinPixels >= 1, "detection.min_pixels must be at least 1")
	check(c.Detection.Connectivity == 4 || c.Detection.Connectivity == 8, "detection.connectivity must be 4 or 8")
	check(c.Detection.BorderPixels >= 0, "detection.border_pixels must not be negative")
	check(c.Alignment.MinOverlap >= 0 && c.Alignment.MinOverlap <= 1, "alignment.min_overlap must be in [0,1]")
	check(c.Alignment.ScaleMin > 0 && c.Alignment.ScaleMin < c.Alignment.ScaleMax, "alignment.scale_min must be positive and below scale_max")
	check(c.Alignment.Interpolation == "bilinear" || c.Alignment.Interpolation == "nearest", "alignment.interpolation must be bilinear or nearest")
	check(c.Alignment.ScaleEstimator == "median_ratio" || c.Alignment.ScaleEstimator == "fixed", "alignment.scale_estimator must be median_ratio or fixed")
	check(c.Noise.Model == "quadrature" || c.Noise.Model == "clipped", "noise.model must be quadrature or clipped")
	check(c.Tracking.LinkToleranceArcsec > 0, "tracking.link_tolerance_arcsec must be positive")
	check(c.Tracking.MaxGap > 0, "tracking.max_gap must be positive")
	check(c.Tracking.HitsToConfirm >= 2, "tracking.hits_to_confirm must be at least 2")
	check(c.Tracking.PartitionCellArcsec >= 2*c.Tracking.LinkToleranceArcsec, "tracking.partition_cell_arcsec must be at least twice the link tolerance")
	check(c.Tracking.ReduceWorkers > 0, "tracking.reduce_workers must be positive")
	check(c.Validation.MatchRadiusArcsec > 0, "validation.match_radius_arcsec must be positive")
	check(c.Validation.MaxRetries >= 0, "validation.max_retries must not be negative")
	check(c.Validation.Workers > 0, "validation.workers must be positive")
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			MapWorkers:   runtime.NumCPU(),
			UnitTimeout:  2 * time.Minute,
			MaxRetries:   2,
			RetryBackoff: 500 * time.Millisecond,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "skydiff.db"),
			InboxDir:     filepath.Join(os.TempDir(), "skydiff-inbox"),
		},
		Alignment: AlignmentConfig{
			Interpolation:    "bilinear",
			ScaleEstimator:   "median_ratio",
			FixedScale:       1.0,
			MinOverlap:       0.5,
			ScaleMin:         0.1,
			ScaleMax:         10,
			MinReferenceFlux: 1e-6,
			StackSigma:       3.0,
			StackMinSamples:  2,
		},
		Noise: NoiseConfig{
			Model:              "quadrature",
			ScienceGain:        1.0,
			ScienceReadNoise:   5.0,
			ReferenceGain:      1.0,
			ReferenceReadNoise: 5.0,
			ClipSigma:          3.0,
			ClipIterations:     5,
		},
		Detection: DetectionConfig{
			Threshold:    5.0,
			MinPixels:    10,
			Connectivity: 8,
		},
		Tracking: TrackingConfig{
			LinkToleranceArcsec: 1.0,
			MaxGap:              72 * time.Hour,
			HitsToConfirm:       2,
			MaxSpreadArcsec:     0,
			PartitionCellArcsec: 60,
			ReduceWorkers:       runtime.NumCPU(),
			PartitionTimeout:    30 * time.Second,
			PartitionRetries:    1,
		},
		Validation: ValidationConfig{
			MatchRadiusArcsec: 2.0,
			MaxRetries:        3,
			InitialBackoff:    200 * time.Millisecond,
			LookupTimeout:     10 * time.Second,
			Workers:           4,
		},
		Catalog: CatalogConfig{
			Table: "sources",
		},
		Output: OutputConfig{
			S3Prefix: "tracks/",
			S3Region: "us-east-1",
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
