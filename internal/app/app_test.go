package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/config"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/jobs"
	"github.com/motiondex/motiondex/internal/logging"
	"github.com/motiondex/motiondex/internal/pipeline"
	"github.com/motiondex/motiondex/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.TempDir = filepath.Join(cfg.Storage.Root, "tmp")
	cfg.Encoder.Backend = "static"
	cfg.Encoder.Dimensions = 32
	cfg.Encoder.TimeSteps = 4
	cfg.Jobs.Workers = 2
	cfg.Jobs.GCInterval = 0
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func writeClip(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewBuildsAllComponents(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.NotNil(t, a.Vectors)
	assert.NotNil(t, a.Temporal)
	assert.NotNil(t, a.Metadata)
	assert.NotNil(t, a.Cache)
	assert.NotNil(t, a.Indexer)
	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Detector)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Server)
	assert.Equal(t, 32, a.Encoder.Dimensions())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encoder.Dimensions = 0

	_, err := New(cfg, logging.Discard())
	require.Error(t, err)
}

func TestStorageLockIsExclusive(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)

	_, err = New(cfg, logging.Discard())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	require.NoError(t, a.Close())
	b, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestStartAndIndexThroughScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestApp(t, testConfig(t))
	require.NoError(t, a.Start(ctx))

	jobID, err := a.Scheduler.SubmitBatch(ctx, []jobs.VideoSubmission{
		{VideoID: "vid-1", VideoURL: writeClip(t, "clip one")},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := a.Scheduler.Status(ctx, jobID)
		return err == nil && status.Status == store.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, a.Vectors.Contains("vid-1"))
	require.NoError(t, a.WaitUntilIdle(ctx, time.Millisecond))
}

func TestIndexPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Indexer.IndexVideo(context.Background(), pipeline.Request{
		VideoID:  "vid-1",
		VideoURL: writeClip(t, "durable clip"),
	}))
	require.NoError(t, a.Close())

	b, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	defer b.Close()
	assert.True(t, b.Vectors.Contains("vid-1"))
}
