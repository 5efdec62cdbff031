// Package api is the HTTP surface: indexing, search, anomaly, and
// admin endpoints over a chi router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/motiondex/motiondex/internal/anomaly"
	"github.com/motiondex/motiondex/internal/cache"
	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/jobs"
	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/pipeline"
	"github.com/motiondex/motiondex/internal/search"
	"github.com/motiondex/motiondex/internal/store"
)

// Options configures the HTTP surface.
type Options struct {
	// Device is the reported compute device (from the encoder config).
	Device string
	// RequestsPerMinute is the per-IP rate limit. Zero disables it.
	RequestsPerMinute int
	// MaxUploadBytes bounds /search/upload bodies.
	MaxUploadBytes int64
	// UploadDir receives uploaded query videos (removed after search).
	UploadDir string
}

// Server holds the wired components behind the HTTP handlers.
type Server struct {
	enc        encoder.Encoder
	vectors    *store.VectorIndex
	temporal   *store.TemporalStore
	metadata   *store.MetadataStore
	queryCache *cache.QueryCache
	engine     *search.Engine
	scheduler  *jobs.Scheduler
	indexer    *pipeline.Indexer
	gc         *pipeline.GC
	detector   *anomaly.Detector
	opts       Options
	logger     *slog.Logger
}

// NewServer wires the HTTP surface over the given components.
func NewServer(
	enc encoder.Encoder,
	vectors *store.VectorIndex,
	temporal *store.TemporalStore,
	metadata *store.MetadataStore,
	queryCache *cache.QueryCache,
	engine *search.Engine,
	scheduler *jobs.Scheduler,
	indexer *pipeline.Indexer,
	gc *pipeline.GC,
	detector *anomaly.Detector,
	opts Options,
	logger *slog.Logger,
) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	if opts.UploadDir != "" {
		_ = os.MkdirAll(opts.UploadDir, 0o755)
	}
	return &Server{
		enc:        enc,
		vectors:    vectors,
		temporal:   temporal,
		metadata:   metadata,
		queryCache: queryCache,
		engine:     engine,
		scheduler:  scheduler,
		indexer:    indexer,
		gc:         gc,
		detector:   detector,
		opts:       opts,
		logger:     logger,
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(metrics.Middleware)
	if s.opts.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.opts.RequestsPerMinute, time.Minute))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Post("/index", s.handleIndexBatch)
	r.Post("/index/single", s.handleIndexSingle)
	r.Get("/index/status/{job_id}", s.handleIndexStatus)
	r.Post("/index/cancel/{job_id}", s.handleIndexCancel)

	r.Post("/search", s.handleSearch)
	r.Post("/search/upload", s.handleSearchUpload)
	r.Post("/search/click", s.handleSearchClick)

	r.Delete("/videos/{video_id}", s.handleDeleteVideo)
	r.Delete("/v1/videos", s.handleClearAll)

	r.Post("/anomaly/baseline", s.handleAnomalyBaseline)
	r.Post("/anomaly/detect", s.handleAnomalyDetect)

	r.Post("/admin/gc", s.handleGC)

	return r
}

// Serve runs the HTTP server until the context is cancelled, then
// drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
