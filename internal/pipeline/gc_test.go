package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/logging"
	"github.com/motiondex/motiondex/internal/store"
)

func newGCFixture(t *testing.T) (*GC, *fixture) {
	t.Helper()
	fx := newFixture(t, nil)
	gc := NewGC(fx.vectors, fx.temporal, fx.metadata, logging.Discard())
	return gc, fx
}

func testMatrix() [][]float32 {
	m := make([][]float32, testTimeSteps)
	for i := range m {
		m[i] = make([]float32, testDims)
		m[i][0] = float32(i)
	}
	return m
}

func testVector() []float32 {
	v := make([]float32, testDims)
	v[0] = 1
	return v
}

func TestGCCleanTreeIsUntouched(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)
	path := writeVideoFile(t, "healthy clip")

	require.NoError(t, fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path}))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repairs())
	assert.True(t, fx.vectors.Contains("vid-1"))
	assert.True(t, fx.temporal.Exists("vid-1"))
}

func TestGCRemovesOrphanTemporal(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)

	// Crash between the temporal write and the vector insert: the
	// temporal file exists, nothing else does.
	require.NoError(t, fx.temporal.Put(ctx, "vid-orphan", testMatrix()))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-orphan"}, report.OrphanTemporal)
	assert.False(t, fx.temporal.Exists("vid-orphan"))
}

func TestGCRemovesUncommittedVector(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)

	// Crash between the vector insert and the metadata upsert: the
	// temporal file and the vector exist, the completed row does not.
	require.NoError(t, fx.temporal.Put(ctx, "vid-uncommitted", testMatrix()))
	require.NoError(t, fx.vectors.Insert(ctx, "vid-uncommitted", testVector(), store.Attributes{}))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-uncommitted"}, report.UncommittedVectors)
	assert.False(t, fx.vectors.Contains("vid-uncommitted"))
	assert.False(t, fx.temporal.Exists("vid-uncommitted"))
}

func TestGCDemotesCompletedRowWithMissingTemporal(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)
	path := writeVideoFile(t, "losing its features")

	require.NoError(t, fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path}))
	require.NoError(t, fx.temporal.Delete(ctx, "vid-1"))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-1"}, report.DemotedVideos)

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "temporal features missing", rec.ErrorMessage)
}

func TestGCLeavesInFlightCommitAlone(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)

	// A worker mid-commit: the row is processing, the temporal file
	// and the vector are written, the completed upsert has not landed.
	require.NoError(t, fx.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID:  "vid-inflight",
		VideoURL: "/videos/inflight.mp4",
		Status:   store.StatusProcessing,
	}))
	require.NoError(t, fx.temporal.Put(ctx, "vid-inflight", testMatrix()))
	require.NoError(t, fx.vectors.Insert(ctx, "vid-inflight", testVector(), store.Attributes{}))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repairs())
	assert.True(t, fx.vectors.Contains("vid-inflight"))
	assert.True(t, fx.temporal.Exists("vid-inflight"))

	// The worker finishes; a following pass must not demote it.
	require.NoError(t, fx.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID:              "vid-inflight",
		VideoURL:             "/videos/inflight.mp4",
		Status:               store.StatusCompleted,
		TemporalFeaturesPath: fx.temporal.Path("vid-inflight"),
	}))

	report, err = gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repairs())

	rec, err := fx.metadata.GetVideo(ctx, "vid-inflight")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestGCLeavesPendingVideoArtifactsAlone(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)

	// A queued retry may still have the previous attempt's temporal
	// file on disk; the re-run overwrites it by id.
	require.NoError(t, fx.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID:  "vid-queued",
		VideoURL: "/videos/queued.mp4",
		Status:   store.StatusPending,
	}))
	require.NoError(t, fx.temporal.Put(ctx, "vid-queued", testMatrix()))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.OrphanTemporal)
	assert.True(t, fx.temporal.Exists("vid-queued"))
}

func TestGCFailedVideosAreNotCommitted(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)

	// A pending row alone does not protect debris from collection.
	require.NoError(t, fx.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID: "vid-pending",
		Status:  store.StatusPending,
	}))
	require.NoError(t, fx.temporal.Put(ctx, "vid-pending", testMatrix()))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-pending"}, report.OrphanTemporal)

	// The row itself stays; a retry may still index the video.
	rec, err := fx.metadata.GetVideo(ctx, "vid-pending")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
}

func TestGCReindexHealsDemotedVideo(t *testing.T) {
	ctx := context.Background()
	gc, fx := newGCFixture(t)
	path := writeVideoFile(t, "heals after reindex")

	require.NoError(t, fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path}))
	require.NoError(t, fx.temporal.Delete(ctx, "vid-1"))

	_, err := gc.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path}))

	report, err := gc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repairs())

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}
