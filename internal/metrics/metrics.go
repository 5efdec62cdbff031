// Package metrics exposes the Prometheus instrumentation for the
// indexing pipeline, the search pipeline, the query cache, and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VideosIndexedTotal counts videos finishing the indexing pipeline
	// by terminal status.
	VideosIndexedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motiondex_videos_indexed_total",
		Help: "Videos that reached a terminal indexing status",
	}, []string{"status"})

	// EncodeDuration tracks encoder round-trip time by backend.
	EncodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motiondex_encode_duration_seconds",
		Help:    "Time spent encoding one video",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"backend"})

	// IndexDuration tracks the full per-video pipeline time by outcome.
	IndexDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motiondex_index_duration_seconds",
		Help:    "End-to-end time for one video through the indexing pipeline",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	// SearchDuration tracks query latency by stage (global, rerank, total).
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motiondex_search_duration_seconds",
		Help:    "Search pipeline latency per stage",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"stage"})

	// CacheRequestsTotal counts query cache lookups by tier outcome.
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motiondex_query_cache_requests_total",
		Help: "Query cache lookups by outcome (memory_hit, disk_hit, miss)",
	}, []string{"outcome"})

	// QueueDepth is the number of indexing tasks waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "motiondex_index_queue_depth",
		Help: "Indexing tasks waiting in the queue",
	})

	// IndexedVideos is the number of completed videos in the index.
	IndexedVideos = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "motiondex_indexed_videos",
		Help: "Videos currently searchable",
	})

	// AnomaliesDetectedTotal counts detections above the threshold.
	AnomaliesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "motiondex_anomalies_detected_total",
		Help: "Videos flagged as anomalous",
	})

	// GCRepairsTotal counts garbage collector repairs by finding.
	GCRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motiondex_gc_repairs_total",
		Help: "Consistency repairs applied by the garbage collector",
	}, []string{"finding"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motiondex_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// ObserveEncode records one encode round trip.
func ObserveEncode(backend string, d time.Duration) {
	EncodeDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveIndex records one video's pipeline run.
func ObserveIndex(outcome string, d time.Duration) {
	IndexDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveSearch records one search stage.
func ObserveSearch(stage string, d time.Duration) {
	SearchDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for the HTTP histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with the duration histogram,
// labeled by registered route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
