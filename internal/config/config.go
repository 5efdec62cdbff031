// Package config provides YAML file and environment configuration for
// motiondex.
//
// Precedence, lowest to highest:
//  1. Hardcoded defaults (Default)
//  2. Config file (Load)
//  3. Environment variables (ApplyEnv, MOTIONDEX_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/motiondex/motiondex/internal/errors"
)

// Duration wraps time.Duration so YAML accepts human-readable values
// like "90s" or "2m" as well as integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalYAML renders the duration as a string like "1h30m".
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts duration strings and integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	case int64:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Config is the complete motiondex configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Encoder EncoderConfig `yaml:"encoder"`
	Index   IndexConfig   `yaml:"index"`
	Cache   CacheConfig   `yaml:"cache"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Search  SearchConfig  `yaml:"search"`
	Anomaly AnomalyConfig `yaml:"anomaly"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures on-disk layout.
type StorageConfig struct {
	// Root is the storage root. Temporal features, the query cache, the
	// vector index and the metadata database all live below it.
	Root string `yaml:"root"`
	// TempDir holds transient downloaded source bytes.
	TempDir string `yaml:"temp_dir"`
	// MetadataURL is the metadata store connection URL. The scheme
	// selects the driver; sqlite file paths are supported directly.
	MetadataURL string `yaml:"metadata_url"`
}

// EncoderConfig configures the embedding encoder gateway.
type EncoderConfig struct {
	// Backend selects the encoder implementation: "http" or "static".
	Backend string `yaml:"backend"`
	// Endpoint is the encoder sidecar base URL (http backend).
	Endpoint string `yaml:"endpoint"`
	// Model is the encoder model identifier.
	Model string `yaml:"model"`
	// Device selects the compute device: auto, cpu, or an accelerator name.
	Device string `yaml:"device"`
	// Dimensions is the global vector dimension D.
	Dimensions int `yaml:"dimensions"`
	// TimeSteps is the number of temporal steps T per clip.
	TimeSteps int `yaml:"time_steps"`
	// FrameSize is the square frame edge in pixels fed to the model.
	FrameSize int `yaml:"frame_size"`
	// BatchSize is the encoder batch size.
	BatchSize int `yaml:"batch_size"`
	// MixedPrecision enables reduced-precision inference.
	MixedPrecision bool `yaml:"mixed_precision"`
	// Instances is the number of encoder instances in the pool. Each
	// instance is single-threaded internally.
	Instances int `yaml:"instances"`
	// EncodeTimeout bounds a single encode call.
	EncodeTimeout Duration `yaml:"encode_timeout"`
	// EnableShotSegmentation runs the shot segmenter before encoding.
	EnableShotSegmentation bool `yaml:"enable_shot_segmentation"`
	// EnableROIDetection runs the region-of-interest detector before encoding.
	EnableROIDetection bool `yaml:"enable_roi_detection"`
	// PreprocessEndpoint is the shot-segmenter / ROI sidecar base URL.
	PreprocessEndpoint string `yaml:"preprocess_endpoint"`
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	// Path is the on-disk index file below the storage root.
	Path string `yaml:"path"`
	// M is the HNSW graph connectivity parameter.
	M int `yaml:"m"`
	// EfSearch is the HNSW search expansion factor.
	EfSearch int `yaml:"ef_search"`
	// SearchTimeout bounds a single index search.
	SearchTimeout Duration `yaml:"search_timeout"`
}

// CacheConfig configures the two-tier query cache.
type CacheConfig struct {
	// MemoryBudgetBytes bounds the in-memory tier.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes"`
	// DiskBudgetBytes bounds the on-disk tier.
	DiskBudgetBytes int64 `yaml:"disk_budget_bytes"`
}

// JobsConfig configures the indexing job scheduler.
type JobsConfig struct {
	// Workers is the indexing worker pool size.
	Workers int `yaml:"workers"`
	// BackgroundWorkers enables the worker pool at startup.
	BackgroundWorkers bool `yaml:"background_workers"`
	// BrokerURL selects the durable queue backend. Empty means the
	// in-process queue; a redis:// URL selects the Redis list queue.
	BrokerURL string `yaml:"broker_url"`
	// MaxRetries bounds per-video retry attempts for transient failures.
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseDelay is the first retry delay; it doubles per attempt.
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	// GCInterval runs the garbage collector periodically. Zero disables
	// the interval; startup and on-demand runs still happen.
	GCInterval Duration `yaml:"gc_interval"`
	// MetadataTimeout bounds a single metadata store operation.
	MetadataTimeout Duration `yaml:"metadata_timeout"`
}

// SearchConfig configures the query pipeline.
type SearchConfig struct {
	// CandidateK is the ANN candidate fan-out before re-ranking.
	CandidateK int `yaml:"candidate_k"`
	// ResultK is the default number of results returned to the user.
	ResultK int `yaml:"result_k"`
	// DTWRadius constrains the fast DTW alignment window.
	DTWRadius int `yaml:"dtw_radius"`
}

// AnomalyConfig configures the anomaly detector.
type AnomalyConfig struct {
	// Threshold is the default anomaly score cutoff.
	Threshold float64 `yaml:"threshold"`
	// WindowSize is the sliding window length for windowed detection.
	WindowSize int `yaml:"window_size"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RequestsPerMinute is the per-IP rate limit. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// MaxUploadBytes bounds /search/upload request bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
	Stderr    bool   `yaml:"stderr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:    "./storage",
			TempDir: "./storage/tmp",
		},
		Encoder: EncoderConfig{
			Backend:            "http",
			Endpoint:           "http://localhost:9710",
			Model:              "vjepa2-vitl-fpc64-256",
			Device:             "auto",
			Dimensions:         1024,
			TimeSteps:          64,
			FrameSize:          256,
			BatchSize:          8,
			MixedPrecision:     true,
			Instances:          1,
			EncodeTimeout:      Duration(120 * time.Second),
			PreprocessEndpoint: "http://localhost:9711",
		},
		Index: IndexConfig{
			Path:          "vectors.hnsw",
			M:             16,
			EfSearch:      100,
			SearchTimeout: Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			MemoryBudgetBytes: 64 << 20,
			DiskBudgetBytes:   500 << 20,
		},
		Jobs: JobsConfig{
			Workers:           4,
			BackgroundWorkers: true,
			MaxRetries:        3,
			RetryBaseDelay:    Duration(60 * time.Second),
			GCInterval:        Duration(time.Hour),
			MetadataTimeout:   Duration(2 * time.Second),
		},
		Search: SearchConfig{
			CandidateK: 50,
			ResultK:    20,
			DTWRadius:  10,
		},
		Anomaly: AnomalyConfig{
			Threshold:  2.0,
			WindowSize: 16,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			RequestsPerMinute: 600,
			MaxUploadBytes:    1 << 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
			Stderr:    true,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(errors.KindIO, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "parse config file", err)
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from MOTIONDEX_* environment variables.
func (c *Config) ApplyEnv() {
	envString("MOTIONDEX_STORAGE_PATH", &c.Storage.Root)
	envString("MOTIONDEX_TEMP_PATH", &c.Storage.TempDir)
	envString("MOTIONDEX_METADATA_URL", &c.Storage.MetadataURL)

	envString("MOTIONDEX_ENCODER_BACKEND", &c.Encoder.Backend)
	envString("MOTIONDEX_ENCODER_ENDPOINT", &c.Encoder.Endpoint)
	envString("MOTIONDEX_MODEL_NAME", &c.Encoder.Model)
	envString("MOTIONDEX_DEVICE", &c.Encoder.Device)
	envInt("MOTIONDEX_VECTOR_DIM", &c.Encoder.Dimensions)
	envInt("MOTIONDEX_NUM_FRAMES", &c.Encoder.TimeSteps)
	envInt("MOTIONDEX_FRAME_SIZE", &c.Encoder.FrameSize)
	envInt("MOTIONDEX_BATCH_SIZE", &c.Encoder.BatchSize)
	envBool("MOTIONDEX_USE_MIXED_PRECISION", &c.Encoder.MixedPrecision)
	envInt("MOTIONDEX_ENCODER_INSTANCES", &c.Encoder.Instances)
	envBool("MOTIONDEX_ENABLE_SHOT_SEGMENTATION", &c.Encoder.EnableShotSegmentation)
	envBool("MOTIONDEX_ENABLE_ROI_DETECTION", &c.Encoder.EnableROIDetection)
	envString("MOTIONDEX_PREPROCESS_ENDPOINT", &c.Encoder.PreprocessEndpoint)

	envString("MOTIONDEX_INDEX_PATH", &c.Index.Path)
	envInt("MOTIONDEX_INDEX_EF_SEARCH", &c.Index.EfSearch)

	envBytes("MOTIONDEX_QUERY_CACHE_MEMORY_BYTES", &c.Cache.MemoryBudgetBytes)
	envBytes("MOTIONDEX_QUERY_CACHE_DISK_BYTES", &c.Cache.DiskBudgetBytes)

	envInt("MOTIONDEX_WORKERS", &c.Jobs.Workers)
	envBool("MOTIONDEX_BACKGROUND_WORKERS", &c.Jobs.BackgroundWorkers)
	envString("MOTIONDEX_BROKER_URL", &c.Jobs.BrokerURL)

	envInt("MOTIONDEX_SEARCH_CANDIDATE_K", &c.Search.CandidateK)
	envInt("MOTIONDEX_SEARCH_RESULT_K", &c.Search.ResultK)

	envString("MOTIONDEX_HOST", &c.Server.Host)
	envInt("MOTIONDEX_PORT", &c.Server.Port)

	envString("MOTIONDEX_LOG_LEVEL", &c.Logging.Level)
	envString("MOTIONDEX_LOG_FILE", &c.Logging.File)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return errors.New(errors.KindInternal, "storage.root must not be empty")
	}
	switch c.Encoder.Backend {
	case "http", "static":
	default:
		return errors.Newf(errors.KindInternal, "encoder.backend must be http or static, got %q", c.Encoder.Backend)
	}
	if c.Encoder.Dimensions <= 0 {
		return errors.New(errors.KindInternal, "encoder.dimensions must be positive")
	}
	if c.Encoder.TimeSteps <= 0 {
		return errors.New(errors.KindInternal, "encoder.time_steps must be positive")
	}
	if c.Encoder.Instances <= 0 {
		return errors.New(errors.KindInternal, "encoder.instances must be positive")
	}
	if c.Jobs.Workers <= 0 {
		return errors.New(errors.KindInternal, "jobs.workers must be positive")
	}
	if c.Jobs.MaxRetries < 0 {
		return errors.New(errors.KindInternal, "jobs.max_retries must not be negative")
	}
	if c.Search.CandidateK <= 0 {
		return errors.New(errors.KindInternal, "search.candidate_k must be positive")
	}
	if c.Search.ResultK < 0 {
		return errors.New(errors.KindInternal, "search.result_k must not be negative")
	}
	if c.Search.DTWRadius <= 0 {
		return errors.New(errors.KindInternal, "search.dtw_radius must be positive")
	}
	if c.Anomaly.WindowSize <= 0 {
		return errors.New(errors.KindInternal, "anomaly.window_size must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf(errors.KindInternal, "server.port out of range: %d", c.Server.Port)
	}
	if c.BrokerURL() != "" && !strings.HasPrefix(c.BrokerURL(), "redis://") {
		return errors.Newf(errors.KindInternal, "jobs.broker_url must be a redis:// URL, got %q", c.Jobs.BrokerURL)
	}
	return nil
}

// BrokerURL returns the configured broker URL.
func (c *Config) BrokerURL() string {
	return c.Jobs.BrokerURL
}

// MetadataPath resolves the metadata database location. An explicit
// sqlite URL wins; otherwise the database lives under the storage root.
func (c *Config) MetadataPath() string {
	u := c.Storage.MetadataURL
	switch {
	case u == "":
		return filepath.Join(c.Storage.Root, "metadata.db")
	case strings.HasPrefix(u, "sqlite://"):
		return strings.TrimPrefix(u, "sqlite://")
	default:
		return u
	}
}

// IndexPath resolves the vector index file location.
func (c *Config) IndexPath() string {
	if filepath.IsAbs(c.Index.Path) {
		return c.Index.Path
	}
	return filepath.Join(c.Storage.Root, c.Index.Path)
}

// TemporalDir returns the temporal feature directory.
func (c *Config) TemporalDir() string {
	return filepath.Join(c.Storage.Root, "temporal_features")
}

// QueryCacheDir returns the query cache directory.
func (c *Config) QueryCacheDir() string {
	return filepath.Join(c.Storage.Root, "query_cache")
}

// VideoTempDir returns the directory for downloaded source bytes.
func (c *Config) VideoTempDir() string {
	if c.Storage.TempDir != "" {
		return c.Storage.TempDir
	}
	return filepath.Join(c.Storage.Root, "videos")
}

// Write saves the config as YAML.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal config", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.KindIO, "create config directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.KindIO, "write config file", err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBytes(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		}
	}
}

// String renders a short human-readable summary for the stats command.
func (c *Config) String() string {
	return fmt.Sprintf("storage=%s encoder=%s model=%s dim=%d workers=%d",
		c.Storage.Root, c.Encoder.Backend, c.Encoder.Model, c.Encoder.Dimensions, c.Jobs.Workers)
}
