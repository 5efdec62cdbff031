package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.Encoder.Dimensions)
	assert.Equal(t, 64, cfg.Encoder.TimeSteps)
	assert.Equal(t, 50, cfg.Search.CandidateK)
	assert.Equal(t, 20, cfg.Search.ResultK)
	assert.Equal(t, 2.0, cfg.Anomaly.Threshold)
	assert.Equal(t, 16, cfg.Anomaly.WindowSize)
	assert.Equal(t, 120*time.Second, cfg.Encoder.EncodeTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Jobs.RetryBaseDelay.Std())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Encoder.Dimensions, cfg.Encoder.Dimensions)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motiondex.yaml")
	content := `
storage:
  root: /data/motiondex
encoder:
  backend: static
  dimensions: 256
  time_steps: 16
jobs:
  workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/motiondex", cfg.Storage.Root)
	assert.Equal(t, "static", cfg.Encoder.Backend)
	assert.Equal(t, 256, cfg.Encoder.Dimensions)
	assert.Equal(t, 16, cfg.Encoder.TimeSteps)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	// Untouched fields keep defaults.
	assert.Equal(t, 50, cfg.Search.CandidateK)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motiondex.yaml")
	content := `
encoder:
  encode_timeout: 90s
jobs:
  gc_interval: 30m
  retry_base_delay: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Encoder.EncodeTimeout.Std())
	assert.Equal(t, 30*time.Minute, cfg.Jobs.GCInterval.Std())
	assert.Equal(t, time.Minute, cfg.Jobs.RetryBaseDelay.Std())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MOTIONDEX_STORAGE_PATH", "/env/storage")
	t.Setenv("MOTIONDEX_MODEL_NAME", "vjepa2-vitg")
	t.Setenv("MOTIONDEX_VECTOR_DIM", "512")
	t.Setenv("MOTIONDEX_USE_MIXED_PRECISION", "false")
	t.Setenv("MOTIONDEX_ENABLE_SHOT_SEGMENTATION", "true")
	t.Setenv("MOTIONDEX_BROKER_URL", "redis://localhost:6379/0")
	t.Setenv("MOTIONDEX_QUERY_CACHE_DISK_BYTES", "1048576")
	t.Setenv("MOTIONDEX_PORT", "9000")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "/env/storage", cfg.Storage.Root)
	assert.Equal(t, "vjepa2-vitg", cfg.Encoder.Model)
	assert.Equal(t, 512, cfg.Encoder.Dimensions)
	assert.False(t, cfg.Encoder.MixedPrecision)
	assert.True(t, cfg.Encoder.EnableShotSegmentation)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Jobs.BrokerURL)
	assert.Equal(t, int64(1048576), cfg.Cache.DiskBudgetBytes)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestApplyEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("MOTIONDEX_VECTOR_DIM", "not-a-number")
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 1024, cfg.Encoder.Dimensions)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage root", func(c *Config) { c.Storage.Root = "" }},
		{"bad backend", func(c *Config) { c.Encoder.Backend = "grpc" }},
		{"zero dimensions", func(c *Config) { c.Encoder.Dimensions = 0 }},
		{"zero time steps", func(c *Config) { c.Encoder.TimeSteps = 0 }},
		{"zero workers", func(c *Config) { c.Jobs.Workers = 0 }},
		{"negative result k", func(c *Config) { c.Search.ResultK = -1 }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"non-redis broker", func(c *Config) { c.Jobs.BrokerURL = "amqp://x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	cfg.Storage.Root = "/data"
	cfg.Storage.TempDir = ""

	assert.Equal(t, "/data/metadata.db", cfg.MetadataPath())
	assert.Equal(t, "/data/vectors.hnsw", cfg.IndexPath())
	assert.Equal(t, "/data/temporal_features", cfg.TemporalDir())
	assert.Equal(t, "/data/query_cache", cfg.QueryCacheDir())
	assert.Equal(t, "/data/videos", cfg.VideoTempDir())

	cfg.Storage.MetadataURL = "sqlite:///var/db/meta.db"
	assert.Equal(t, "/var/db/meta.db", cfg.MetadataPath())
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "motiondex.yaml")
	cfg := Default()
	cfg.Encoder.Backend = "static"
	require.NoError(t, cfg.Write(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "static", loaded.Encoder.Backend)
}
