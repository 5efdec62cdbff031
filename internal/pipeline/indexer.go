// Package pipeline implements the per-video indexing procedure and the
// garbage collector that repairs partial commits across the three
// stores.
//
// The commit order is fixed: temporal features first, then the vector
// index, then the metadata row. Each earlier store is cheaper to
// garbage-collect than the next, so a crash at any point leaves debris
// the collector can identify and remove.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/store"
)

// Request is one video submission entering the pipeline.
type Request struct {
	VideoID  string
	VideoURL string
	Title    string
	JobID    string
	Tags     []string
	Extra    map[string]string
}

// Options configures an Indexer.
type Options struct {
	// TempDir receives remote downloads; files are removed after ingest.
	TempDir string
	// Retry is the transient-failure policy for the commit sequence.
	Retry errors.RetryConfig
	// Segmenter and ROI are optional pre-processors. Both are
	// best-effort: failures log a warning and ingest continues.
	Segmenter encoder.ShotSegmenter
	ROI       encoder.ROIDetector
	// Prober measures video duration. Nil selects the MP4 prober.
	Prober DurationProber
	// DownloadTimeout bounds one remote fetch.
	DownloadTimeout time.Duration
}

// Indexer runs the per-video ingest procedure against the three stores.
type Indexer struct {
	enc      encoder.Encoder
	vectors  *store.VectorIndex
	temporal *store.TemporalStore
	metadata *store.MetadataStore
	opts     Options
	client   *http.Client
	logger   *slog.Logger
}

// NewIndexer wires an indexer over the encoder and the three stores.
func NewIndexer(enc encoder.Encoder, vectors *store.VectorIndex, temporal *store.TemporalStore, metadata *store.MetadataStore, opts Options, logger *slog.Logger) *Indexer {
	if opts.Prober == nil {
		opts.Prober = MP4Prober{}
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Minute
	}
	return &Indexer{
		enc:      enc,
		vectors:  vectors,
		temporal: temporal,
		metadata: metadata,
		opts:     opts,
		client:   &http.Client{},
		logger:   logger,
	}
}

// IndexVideo takes one video from pending to a terminal status. The
// returned error is the terminal failure, already recorded in the
// metadata row; callers use it only for accounting.
func (ix *Indexer) IndexVideo(ctx context.Context, req Request) error {
	start := time.Now()
	log := ix.logger.With(slog.String("video_id", req.VideoID), slog.String("job_id", req.JobID))

	if err := ix.ensureRecord(ctx, req); err != nil {
		return err
	}
	if err := ix.metadata.SetVideoStatus(ctx, req.VideoID, store.StatusProcessing, ""); err != nil {
		return err
	}

	localPath, cleanup, err := ix.materialize(ctx, req)
	if err != nil {
		return ix.fail(ctx, req.VideoID, start, err)
	}
	defer cleanup()

	ix.preprocess(ctx, log, localPath)

	// The commit sequence retries as a unit on transient failures.
	// Each attempt starts clean: the temporal write and vector insert
	// are idempotent by id, so re-running overwrites prior partials.
	err = errors.Retry(ctx, ix.opts.Retry, func() error {
		return ix.commit(ctx, req, localPath, start)
	})
	if err != nil {
		return ix.fail(ctx, req.VideoID, start, err)
	}

	log.Info("video indexed", slog.Duration("elapsed", time.Since(start)))
	metrics.VideosIndexedTotal.WithLabelValues(string(store.StatusCompleted)).Inc()
	metrics.ObserveIndex("completed", time.Since(start))
	return nil
}

// ensureRecord guarantees a metadata row exists for the video.
func (ix *Indexer) ensureRecord(ctx context.Context, req Request) error {
	_, err := ix.metadata.GetVideo(ctx, req.VideoID)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	return ix.metadata.UpsertVideo(ctx, &store.VideoRecord{
		VideoID:  req.VideoID,
		VideoURL: req.VideoURL,
		Title:    req.Title,
		Status:   store.StatusPending,
		JobID:    req.JobID,
		Tags:     req.Tags,
		Extra:    req.Extra,
	})
}

// materialize resolves the submission to a local file, downloading
// remote sources to the temp directory. The cleanup removes any
// downloaded copy.
func (ix *Indexer) materialize(ctx context.Context, req Request) (string, func(), error) {
	noop := func() {}

	u, err := url.Parse(req.VideoURL)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		// Flaky sources get the same backoff treatment as the commit.
		local, err := errors.RetryWithResult(ctx, ix.opts.Retry, func() (string, error) {
			return ix.download(ctx, req.VideoID, req.VideoURL)
		})
		if err != nil {
			return "", noop, err
		}
		return local, func() { _ = os.Remove(local) }, nil
	}

	info, err := os.Stat(req.VideoURL)
	if err != nil {
		if os.IsNotExist(err) {
			return "", noop, errors.Newf(errors.KindNotFound, "video file %s not found", req.VideoURL)
		}
		return "", noop, errors.Wrap(errors.KindIO, "stat video file", err)
	}
	if info.Size() == 0 {
		return "", noop, errors.Newf(errors.KindDecode, "video file %s is empty", req.VideoURL)
	}
	return req.VideoURL, noop, nil
}

func (ix *Indexer) download(ctx context.Context, videoID, videoURL string) (string, error) {
	if err := os.MkdirAll(ix.opts.TempDir, 0o755); err != nil {
		return "", errors.Wrap(errors.KindIO, "create temp directory", err)
	}
	dest := filepath.Join(ix.opts.TempDir, videoID+filepath.Ext(videoURL))

	dlCtx, cancel := context.WithTimeout(ctx, ix.opts.DownloadTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(dlCtx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "build download request", err)
	}
	resp, err := ix.client.Do(httpReq)
	if err != nil {
		if dlCtx.Err() != nil {
			return "", errors.Wrap(errors.KindTimeout, "download video", err)
		}
		return "", errors.Wrap(errors.KindIO, "download video", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", errors.Newf(errors.KindNotFound, "video %s not found at source", videoURL)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf(errors.KindIO, "download video: source returned %d", resp.StatusCode)
	}

	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "create download file", err)
	}
	defer pf.Cleanup() //nolint:errcheck // no-op after successful replace

	n, err := io.Copy(pf, resp.Body)
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "write download file", err)
	}
	if n == 0 {
		return "", errors.Newf(errors.KindDecode, "video %s is empty", videoURL)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", errors.Wrap(errors.KindIO, "finish download file", err)
	}
	return dest, nil
}

// preprocess runs the optional segmentation and ROI passes. Neither
// outcome gates ingest.
func (ix *Indexer) preprocess(ctx context.Context, log *slog.Logger, localPath string) {
	if ix.opts.Segmenter != nil {
		shots, err := ix.opts.Segmenter.Segment(ctx, localPath)
		if err != nil {
			log.Warn("shot segmentation failed", slog.String("error", err.Error()))
		} else {
			log.Debug("shot segmentation", slog.Int("shots", len(shots)))
		}
	}
	if ix.opts.ROI != nil {
		roi, err := ix.opts.ROI.DetectPrimarySubject(ctx, localPath)
		if err != nil {
			log.Warn("roi detection failed", slog.String("error", err.Error()))
		} else if roi != nil {
			log.Debug("roi detected", slog.Float64("confidence", roi.Confidence))
		}
	}
}

// commit runs encode plus the ordered three-store write.
func (ix *Indexer) commit(ctx context.Context, req Request, localPath string, start time.Time) error {
	encStart := time.Now()
	enc, err := ix.enc.Encode(ctx, localPath)
	if err != nil {
		return err
	}
	metrics.ObserveEncode(ix.enc.ModelName(), time.Since(encStart))

	duration, err := ix.opts.Prober.Probe(localPath)
	if err != nil {
		// Duration is advisory; unknown is acceptable.
		duration = 0
	}

	info, statErr := os.Stat(localPath)
	var fileSize int64
	if statErr == nil {
		fileSize = info.Size()
	}

	if err := ix.temporal.Put(ctx, req.VideoID, enc.Temporal); err != nil {
		return err
	}

	attrs := store.Attributes{
		VideoPath:       req.VideoURL,
		DurationSeconds: duration,
		CreatedAt:       time.Now().UTC(),
		Tags:            req.Tags,
	}
	if err := ix.vectors.Insert(ctx, req.VideoID, enc.Global, attrs); err != nil {
		// The temporal file is now an orphan until GC; remove it
		// eagerly when the insert failure is terminal.
		if !errors.IsRetryable(err) {
			_ = ix.temporal.Delete(ctx, req.VideoID)
		}
		return err
	}

	rec := &store.VideoRecord{
		VideoID:              req.VideoID,
		VideoURL:             req.VideoURL,
		Title:                req.Title,
		DurationSeconds:      duration,
		FileSize:             fileSize,
		IndexedAt:            time.Now().UTC(),
		Status:               store.StatusCompleted,
		TemporalFeaturesPath: ix.temporal.Path(req.VideoID),
		ProcessingTimeMS:     float64(time.Since(start).Milliseconds()),
		JobID:                req.JobID,
		Tags:                 req.Tags,
		Extra:                req.Extra,
	}
	return ix.metadata.UpsertVideo(ctx, rec)
}

// fail records the terminal failure and cleans partial outputs.
func (ix *Indexer) fail(ctx context.Context, videoID string, start time.Time, cause error) error {
	_ = ix.temporal.Delete(ctx, videoID)
	_ = ix.vectors.Delete(ctx, videoID)

	msg := errors.Message(cause)
	if msg == "" {
		msg = fmt.Sprintf("indexing failed: %v", cause)
	}
	if err := ix.metadata.SetVideoStatus(ctx, videoID, store.StatusFailed, msg); err != nil {
		ix.logger.Error("record failure status",
			slog.String("video_id", videoID), slog.String("error", err.Error()))
	}

	ix.logger.Warn("video indexing failed",
		slog.String("video_id", videoID),
		slog.String("kind", string(errors.KindOf(cause))),
		slog.String("error", msg))
	metrics.VideosIndexedTotal.WithLabelValues(string(store.StatusFailed)).Inc()
	metrics.ObserveIndex("failed", time.Since(start))
	return cause
}

// DeleteVideo removes a video from all three stores, metadata last so
// a crash leaves debris the collector recognizes.
func (ix *Indexer) DeleteVideo(ctx context.Context, videoID string) error {
	if _, err := ix.metadata.GetVideo(ctx, videoID); err != nil {
		return err
	}
	if err := ix.temporal.Delete(ctx, videoID); err != nil {
		return err
	}
	if err := ix.vectors.Delete(ctx, videoID); err != nil {
		return err
	}
	return ix.metadata.DeleteVideo(ctx, videoID)
}
