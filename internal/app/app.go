// Package app assembles the configured components into a running
// service: stores, encoder pool, query cache, pipeline, scheduler,
// search engine, anomaly detector, and the HTTP surface.
package app

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/motiondex/motiondex/internal/anomaly"
	"github.com/motiondex/motiondex/internal/api"
	"github.com/motiondex/motiondex/internal/cache"
	"github.com/motiondex/motiondex/internal/config"
	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/jobs"
	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/pipeline"
	"github.com/motiondex/motiondex/internal/search"
	"github.com/motiondex/motiondex/internal/store"
)

// lockFileName guards the storage root against concurrent processes.
const lockFileName = "motiondex.lock"

// App is the assembled service.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Encoder   encoder.Encoder
	Vectors   *store.VectorIndex
	Temporal  *store.TemporalStore
	Metadata  *store.MetadataStore
	Cache     *cache.QueryCache
	Indexer   *pipeline.Indexer
	GC        *pipeline.GC
	Engine    *search.Engine
	Detector  *anomaly.Detector
	Queue     jobs.Queue
	Scheduler *jobs.Scheduler
	Server    *api.Server

	lock    *flock.Flock
	started bool
}

// New builds the application from the configuration. The storage root
// is locked for exclusive use until Close.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Storage.Root, cfg.VideoTempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(errors.KindIO, "create storage directory", err)
		}
	}

	lock := flock.New(storageLockPath(cfg))
	held, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "acquire storage lock", err)
	}
	if !held {
		return nil, errors.Newf(errors.KindConflict, "storage root %s is in use by another process", cfg.Storage.Root)
	}

	a := &App{Config: cfg, Logger: logger, lock: lock}
	if err := a.build(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return a, nil
}

// storageLockPath returns the lock file location for a storage root.
func storageLockPath(cfg *config.Config) string {
	return cfg.Storage.Root + string(os.PathSeparator) + lockFileName
}

func (a *App) build() error {
	cfg := a.Config

	vectors, err := store.NewVectorIndex(store.VectorIndexConfig{
		Dimensions: cfg.Encoder.Dimensions,
		Path:       cfg.IndexPath(),
		M:          cfg.Index.M,
		EfSearch:   cfg.Index.EfSearch,
	})
	if err != nil {
		return err
	}
	if err := vectors.Load(); err != nil {
		return err
	}
	a.Vectors = vectors

	if a.Temporal, err = store.NewTemporalStore(cfg.TemporalDir()); err != nil {
		return err
	}
	if a.Metadata, err = store.NewMetadataStore(cfg.MetadataPath(),
		store.WithOpTimeout(cfg.Jobs.MetadataTimeout.Std())); err != nil {
		return err
	}

	if a.Encoder, err = buildEncoder(cfg); err != nil {
		return err
	}

	if a.Cache, err = cache.New(a.Encoder, cfg.QueryCacheDir(),
		cfg.Cache.MemoryBudgetBytes, cfg.Cache.DiskBudgetBytes, a.Logger); err != nil {
		return err
	}

	retry := errors.DefaultRetryConfig()
	retry.MaxRetries = cfg.Jobs.MaxRetries
	if cfg.Jobs.RetryBaseDelay > 0 {
		retry.InitialDelay = cfg.Jobs.RetryBaseDelay.Std()
	}

	var segmenter encoder.ShotSegmenter
	var roi encoder.ROIDetector
	if cfg.Encoder.EnableShotSegmentation || cfg.Encoder.EnableROIDetection {
		pre := encoder.NewHTTPPreprocessor(cfg.Encoder.PreprocessEndpoint)
		if cfg.Encoder.EnableShotSegmentation {
			segmenter = pre
		}
		if cfg.Encoder.EnableROIDetection {
			roi = pre
		}
	}

	a.Indexer = pipeline.NewIndexer(a.Encoder, a.Vectors, a.Temporal, a.Metadata, pipeline.Options{
		TempDir:   cfg.VideoTempDir(),
		Retry:     retry,
		Segmenter: segmenter,
		ROI:       roi,
	}, a.Logger)
	a.GC = pipeline.NewGC(a.Vectors, a.Temporal, a.Metadata, a.Logger)

	a.Engine = search.NewEngine(a.Cache, a.Vectors, a.Temporal, a.Metadata, search.Options{
		CandidateK:    cfg.Search.CandidateK,
		ResultK:       cfg.Search.ResultK,
		DTWRadius:     cfg.Search.DTWRadius,
		SearchTimeout: cfg.Index.SearchTimeout.Std(),
	}, a.Logger)

	a.Detector = anomaly.NewDetector(a.Encoder, a.Metadata, anomaly.Options{
		Threshold:  cfg.Anomaly.Threshold,
		WindowSize: cfg.Anomaly.WindowSize,
	}, a.Logger)

	if a.Queue, err = jobs.NewQueue(cfg.BrokerURL()); err != nil {
		return err
	}
	a.Scheduler = jobs.NewScheduler(a.Queue, a.Indexer, a.Metadata, cfg.Jobs.Workers, a.Logger)

	a.Server = api.NewServer(a.Encoder, a.Vectors, a.Temporal, a.Metadata, a.Cache,
		a.Engine, a.Scheduler, a.Indexer, a.GC, a.Detector, api.Options{
			Device:            cfg.Encoder.Device,
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
			MaxUploadBytes:    cfg.Server.MaxUploadBytes,
			UploadDir:         cfg.VideoTempDir(),
		}, a.Logger)
	return nil
}

// buildEncoder constructs the configured backend behind an instance pool.
func buildEncoder(cfg *config.Config) (encoder.Encoder, error) {
	instances := make([]encoder.Encoder, 0, cfg.Encoder.Instances)
	for i := 0; i < cfg.Encoder.Instances; i++ {
		switch cfg.Encoder.Backend {
		case "static":
			instances = append(instances, encoder.NewStaticEncoder(cfg.Encoder.Dimensions, cfg.Encoder.TimeSteps))
		default:
			inst, err := encoder.NewHTTPEncoder(encoder.HTTPConfig{
				Endpoint:      cfg.Encoder.Endpoint,
				Model:         cfg.Encoder.Model,
				Dimensions:    cfg.Encoder.Dimensions,
				TimeSteps:     cfg.Encoder.TimeSteps,
				EncodeTimeout: cfg.Encoder.EncodeTimeout.Std(),
			})
			if err != nil {
				return nil, err
			}
			instances = append(instances, inst)
		}
	}
	return encoder.NewPool(instances)
}

// Start recovers interrupted work and launches the background pieces:
// a startup consistency pass, the periodic collector, and the workers.
func (a *App) Start(ctx context.Context) error {
	if report, err := a.GC.Run(ctx); err != nil {
		a.Logger.Warn("startup consistency pass failed", slog.String("error", err.Error()))
	} else if report.Repairs() > 0 {
		a.Logger.Info("startup consistency pass repaired state",
			slog.Int("repairs", report.Repairs()),
			slog.Duration("duration", report.Duration))
	}
	if a.Config.Jobs.GCInterval > 0 {
		go a.GC.RunPeriodic(ctx, a.Config.Jobs.GCInterval.Std())
	}

	if err := a.Detector.LoadBaseline(ctx); err != nil && !errors.IsNotFound(err) {
		a.Logger.Warn("load anomaly baseline", slog.String("error", err.Error()))
	}

	if a.Config.Jobs.BackgroundWorkers {
		recovered, err := a.Scheduler.Recover(ctx)
		if err != nil {
			a.Logger.Warn("recover interrupted jobs", slog.String("error", err.Error()))
		} else if recovered > 0 {
			a.Logger.Info("re-enqueued interrupted videos", slog.Int("videos", recovered))
		}
		a.Scheduler.Start(ctx)
		a.started = true
	}

	metrics.IndexedVideos.Set(float64(a.Vectors.Count()))
	return nil
}

// Run starts the background pieces and serves HTTP until the context is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	addr := net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port))
	return a.Server.Serve(ctx, addr)
}

// Close flushes and releases everything. Safe to call once.
func (a *App) Close() error {
	if a.started {
		a.Scheduler.Stop()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.Vectors != nil {
		keep(a.Vectors.Save())
		keep(a.Vectors.Close())
	}
	if a.Metadata != nil {
		keep(a.Metadata.Close())
	}
	if a.Encoder != nil {
		keep(a.Encoder.Close())
	}
	if a.lock != nil {
		keep(a.lock.Unlock())
	}
	return firstErr
}

// WaitUntilIdle blocks until the queue drains or the context expires.
// Used by the CLI index command to finish before exiting.
func (a *App) WaitUntilIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		depth, err := a.Queue.Len(ctx)
		if err != nil {
			return err
		}
		if depth == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.FromContext(ctx.Err())
		case <-ticker.C:
		}
	}
}
