package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/cache"
	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/logging"
	"github.com/motiondex/motiondex/internal/store"
)

const (
	testDims      = 32
	testTimeSteps = 8
)

type engineFixture struct {
	engine   *Engine
	enc      encoder.Encoder
	vectors  *store.VectorIndex
	temporal *store.TemporalStore
	metadata *store.MetadataStore
	dir      string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	root := t.TempDir()

	enc := encoder.NewStaticEncoder(testDims, testTimeSteps)
	vectors, err := store.NewVectorIndex(store.VectorIndexConfig{Dimensions: testDims})
	require.NoError(t, err)
	temporal, err := store.NewTemporalStore(filepath.Join(root, "temporal_features"))
	require.NoError(t, err)
	metadata, err := store.NewMetadataStore(filepath.Join(root, "metadata.db"))
	require.NoError(t, err)
	qc, err := cache.New(enc, filepath.Join(root, "query_cache"), 0, 0, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = metadata.Close()
		_ = vectors.Close()
	})

	engine := NewEngine(qc, vectors, temporal, metadata, Options{
		CandidateK: 10,
		ResultK:    5,
	}, logging.Discard())
	return &engineFixture{
		engine:   engine,
		enc:      enc,
		vectors:  vectors,
		temporal: temporal,
		metadata: metadata,
		dir:      root,
	}
}

// indexClip writes a synthetic clip, encodes it, and commits it to all
// three stores as a completed video.
func (fx *engineFixture) indexClip(t *testing.T, videoID, content string) string {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(fx.dir, videoID+".mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	enc, err := fx.enc.Encode(ctx, path)
	require.NoError(t, err)

	require.NoError(t, fx.temporal.Put(ctx, videoID, enc.Temporal))
	require.NoError(t, fx.vectors.Insert(ctx, videoID, enc.Global, store.Attributes{
		VideoPath:       path,
		DurationSeconds: 30,
	}))
	require.NoError(t, fx.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID:  videoID,
		VideoURL: path,
		Title:    "clip " + videoID,
		Status:   store.StatusCompleted,
	}))
	return path
}

func TestSearchExactMatchRanksFirst(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	target := fx.indexClip(t, "vid-target", "the target clip content")
	for i := 0; i < 4; i++ {
		fx.indexClip(t, fmt.Sprintf("vid-other-%d", i), fmt.Sprintf("unrelated clip %d", i))
	}

	resp, err := fx.engine.Search(ctx, Request{VideoPath: target, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "vid-target", resp.Results[0].VideoID)
	assert.GreaterOrEqual(t, float64(resp.Results[0].Score), 0.999)
	assert.Equal(t, "clip vid-target", resp.Results[0].Title)
}

func TestSearchRerankExactMatch(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	target := fx.indexClip(t, "vid-target", "the target clip content")
	fx.indexClip(t, "vid-other", "a different clip")

	resp, err := fx.engine.Search(ctx, Request{VideoPath: target, TopK: 5, Rerank: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.True(t, resp.Reranked)

	top := resp.Results[0]
	assert.Equal(t, "vid-target", top.VideoID)
	require.NotNil(t, top.TemporalScore)
	require.NotNil(t, top.DTWSimilarity)
	assert.InDelta(t, 1.0, float64(*top.TemporalScore), 1e-3)
	assert.GreaterOrEqual(t, float64(top.Score), 0.999)
}

func TestSearchTopKZeroSkipsEncode(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	// The path does not exist; a zero TopK must not try to encode it.
	resp, err := fx.engine.Search(ctx, Request{VideoPath: "/nonexistent.mp4", TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.QueryID)
}

func TestSearchTruncatesToTopK(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	query := fx.indexClip(t, "vid-0", "query clip")
	for i := 1; i < 6; i++ {
		fx.indexClip(t, fmt.Sprintf("vid-%d", i), fmt.Sprintf("filler clip %d", i))
	}

	resp, err := fx.engine.Search(ctx, Request{VideoPath: query, TopK: 3})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, 6, resp.TotalCandidates)
}

func TestSearchDropsCandidatesWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	query := fx.indexClip(t, "vid-query", "query clip")
	fx.indexClip(t, "vid-ghost", "ghost clip")

	// Simulate a delete racing the search: vector present, row gone.
	require.NoError(t, fx.metadata.DeleteVideo(ctx, "vid-ghost"))

	resp, err := fx.engine.Search(ctx, Request{VideoPath: query, TopK: 10})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "vid-ghost", r.VideoID)
	}
}

func TestSearchRerankKeepsGlobalScoreWithoutTemporal(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	query := fx.indexClip(t, "vid-query", "query clip")
	fx.indexClip(t, "vid-unreranked", "other clip")
	require.NoError(t, fx.temporal.Delete(ctx, "vid-unreranked"))

	resp, err := fx.engine.Search(ctx, Request{VideoPath: query, TopK: 10, Rerank: true})
	require.NoError(t, err)

	for _, r := range resp.Results {
		if r.VideoID == "vid-unreranked" {
			assert.Nil(t, r.TemporalScore)
			assert.Equal(t, r.GlobalScore, r.Score)
		}
	}
}

func TestSearchAppliesFilters(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	query := fx.indexClip(t, "vid-query", "query clip")

	// Re-insert the other clip with a long duration attribute.
	path := fx.indexClip(t, "vid-long", "long clip")
	enc, err := fx.enc.Encode(ctx, path)
	require.NoError(t, err)
	require.NoError(t, fx.vectors.Insert(ctx, "vid-long", enc.Global, store.Attributes{
		VideoPath:       path,
		DurationSeconds: 600,
	}))

	maxDur := 60.0
	resp, err := fx.engine.Search(ctx, Request{
		VideoPath: query,
		TopK:      10,
		Filters:   &store.Filters{DurationMax: &maxDur},
	})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "vid-long", r.VideoID)
	}
	assert.NotEmpty(t, resp.Results)
}

func TestSearchLogsQuery(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t)

	query := fx.indexClip(t, "vid-query", "query clip")
	resp, err := fx.engine.Search(ctx, Request{VideoPath: query, TopK: 5})
	require.NoError(t, err)

	n, err := fx.metadata.CountQueries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, fx.engine.LogClick(ctx, resp.QueryID, "vid-query", 1, 0.99))
}

func TestSearchMissingQueryVideo(t *testing.T) {
	fx := newEngineFixture(t)
	_, err := fx.engine.Search(context.Background(), Request{
		VideoPath: filepath.Join(t.TempDir(), "absent.mp4"),
		TopK:      5,
	})
	require.Error(t, err)
}
