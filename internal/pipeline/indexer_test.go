package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/logging"
	"github.com/motiondex/motiondex/internal/store"
)

const (
	testDims      = 32
	testTimeSteps = 4
)

type fixture struct {
	indexer  *Indexer
	vectors  *store.VectorIndex
	temporal *store.TemporalStore
	metadata *store.MetadataStore
}

// fastRetry keeps transient-failure tests quick.
var fastRetry = errors.RetryConfig{
	MaxRetries:   3,
	InitialDelay: time.Millisecond,
	MaxDelay:     10 * time.Millisecond,
	Multiplier:   2.0,
}

func newFixture(t *testing.T, enc encoder.Encoder) *fixture {
	t.Helper()
	root := t.TempDir()

	vectors, err := store.NewVectorIndex(store.VectorIndexConfig{Dimensions: testDims})
	require.NoError(t, err)
	temporal, err := store.NewTemporalStore(filepath.Join(root, "temporal_features"))
	require.NoError(t, err)
	metadata, err := store.NewMetadataStore(filepath.Join(root, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = metadata.Close()
		_ = vectors.Close()
	})

	if enc == nil {
		enc = encoder.NewStaticEncoder(testDims, testTimeSteps)
	}
	ix := NewIndexer(enc, vectors, temporal, metadata, Options{
		TempDir: filepath.Join(root, "videos"),
		Retry:   fastRetry,
	}, logging.Discard())
	return &fixture{indexer: ix, vectors: vectors, temporal: temporal, metadata: metadata}
}

func writeVideoFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIndexVideoCompletes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	path := writeVideoFile(t, "clip content")

	err := fx.indexer.IndexVideo(ctx, Request{
		VideoID:  "vid-1",
		VideoURL: path,
		Title:    "a clip",
		JobID:    "job-1",
		Tags:     []string{"sports"},
	})
	require.NoError(t, err)

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.False(t, rec.IndexedAt.IsZero())
	assert.Equal(t, fx.temporal.Path("vid-1"), rec.TemporalFeaturesPath)
	assert.Greater(t, rec.FileSize, int64(0))
	assert.Equal(t, []string{"sports"}, rec.Tags)

	assert.True(t, fx.vectors.Contains("vid-1"))
	assert.True(t, fx.temporal.Exists("vid-1"))

	matrix, err := fx.temporal.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Len(t, matrix, testTimeSteps)
}

func TestIndexVideoEmptyFileFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	path := writeVideoFile(t, "")

	err := fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path})
	require.Error(t, err)
	assert.Equal(t, errors.KindDecode, errors.KindOf(err))

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.False(t, fx.vectors.Contains("vid-1"))
	assert.False(t, fx.temporal.Exists("vid-1"))
}

func TestIndexVideoMissingFileFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	err := fx.indexer.IndexVideo(ctx, Request{
		VideoID:  "vid-1",
		VideoURL: filepath.Join(t.TempDir(), "absent.mp4"),
	})
	require.Error(t, err)

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

// flakyEncoder fails with a transient kind a fixed number of times.
type flakyEncoder struct {
	encoder.Encoder
	failures int32
	calls    atomic.Int32
}

func (f *flakyEncoder) Encode(ctx context.Context, path string) (*encoder.Encoding, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New(errors.KindIO, "encoder connection reset")
	}
	return f.Encoder.Encode(ctx, path)
}

func TestIndexVideoRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	enc := &flakyEncoder{Encoder: encoder.NewStaticEncoder(testDims, testTimeSteps), failures: 2}
	fx := newFixture(t, enc)
	path := writeVideoFile(t, "flaky clip")

	err := fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path})
	require.NoError(t, err)
	assert.EqualValues(t, 3, enc.calls.Load())

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

// terminalEncoder always rejects input as undecodable.
type terminalEncoder struct {
	encoder.Encoder
	calls atomic.Int32
}

func (f *terminalEncoder) Encode(ctx context.Context, path string) (*encoder.Encoding, error) {
	f.calls.Add(1)
	return nil, errors.New(errors.KindDecode, "not a video")
}

func TestIndexVideoDecodeErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	enc := &terminalEncoder{Encoder: encoder.NewStaticEncoder(testDims, testTimeSteps)}
	fx := newFixture(t, enc)
	path := writeVideoFile(t, "undecodable")

	err := fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path})
	require.Error(t, err)
	assert.EqualValues(t, 1, enc.calls.Load(), "decode errors must not retry")

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestIndexVideoIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	path := writeVideoFile(t, "same clip")

	req := Request{VideoID: "vid-1", VideoURL: path}
	require.NoError(t, fx.indexer.IndexVideo(ctx, req))
	require.NoError(t, fx.indexer.IndexVideo(ctx, req))

	n, err := fx.metadata.CountVideos(ctx, store.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := fx.temporal.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-1"}, ids)
}

func TestIndexVideoDownloadsRemoteSource(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote clip bytes"))
	}))
	defer srv.Close()

	err := fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: srv.URL + "/clip.mp4"})
	require.NoError(t, err)

	rec, err := fx.metadata.GetVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)

	// The downloaded copy is removed after ingest.
	entries, err := os.ReadDir(fx.indexer.opts.TempDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestIndexVideoRemoteNotFound(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: srv.URL + "/gone.mp4"})
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestDeleteVideoRemovesAllStores(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	path := writeVideoFile(t, "to be deleted")

	require.NoError(t, fx.indexer.IndexVideo(ctx, Request{VideoID: "vid-1", VideoURL: path}))
	require.NoError(t, fx.indexer.DeleteVideo(ctx, "vid-1"))

	assert.False(t, fx.vectors.Contains("vid-1"))
	assert.False(t, fx.temporal.Exists("vid-1"))
	_, err := fx.metadata.GetVideo(ctx, "vid-1")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestDeleteVideoUnknownID(t *testing.T) {
	fx := newFixture(t, nil)
	err := fx.indexer.DeleteVideo(context.Background(), "unknown")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
