package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/motiondex/motiondex/internal/cache"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/store"
)

// Options configures the engine's fan-out and defaults.
type Options struct {
	// CandidateK is the ANN fan-out before re-ranking.
	CandidateK int
	// ResultK is the default result count when the request omits TopK.
	ResultK int
	// DTWRadius constrains the warping window.
	DTWRadius int
	// SearchTimeout bounds the vector index search.
	SearchTimeout time.Duration
}

// Request is one similarity query.
type Request struct {
	// VideoPath is the local path of the query video.
	VideoPath string
	// TopK is the number of results to return. Zero or negative
	// returns an empty result set without encoding the query;
	// callers apply their own default before building the request.
	TopK    int
	Filters *store.Filters
	// Rerank enables temporal re-ranking of the candidates.
	Rerank bool
	UserID string
}

// Result is one scored hit.
type Result struct {
	VideoID         string   `json:"video_id"`
	Score           float32  `json:"score"`
	GlobalScore     float32  `json:"global_score"`
	TemporalScore   *float32 `json:"temporal_score,omitempty"`
	DTWSimilarity   *float32 `json:"dtw_similarity,omitempty"`
	Title           string   `json:"title"`
	VideoURL        string   `json:"video_url"`
	DurationSeconds float64  `json:"duration_seconds"`
	Tags            []string `json:"tags,omitempty"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
}

// Response is one completed query.
type Response struct {
	QueryID          string   `json:"query_id"`
	Results          []Result `json:"results"`
	TotalCandidates  int      `json:"total_candidates"`
	Reranked         bool     `json:"reranked"`
	ProcessingTimeMS float64  `json:"processing_time_ms"`
}

// Engine runs the query pipeline over the cache and the three stores.
type Engine struct {
	cache    *cache.QueryCache
	vectors  *store.VectorIndex
	temporal *store.TemporalStore
	metadata *store.MetadataStore
	opts     Options
	logger   *slog.Logger
}

// NewEngine wires a search engine.
func NewEngine(qc *cache.QueryCache, vectors *store.VectorIndex, temporal *store.TemporalStore, metadata *store.MetadataStore, opts Options, logger *slog.Logger) *Engine {
	if opts.CandidateK <= 0 {
		opts.CandidateK = 50
	}
	if opts.ResultK <= 0 {
		opts.ResultK = 20
	}
	if opts.DTWRadius <= 0 {
		opts.DTWRadius = 10
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 5 * time.Second
	}
	return &Engine{
		cache:    qc,
		vectors:  vectors,
		temporal: temporal,
		metadata: metadata,
		opts:     opts,
		logger:   logger,
	}
}

// DefaultTopK returns the configured default result count.
func (e *Engine) DefaultTopK() int {
	return e.opts.ResultK
}

// Search runs the full query pipeline and logs the query.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	queryID := uuid.NewString()

	topK := req.TopK

	resp := &Response{QueryID: queryID, Results: []Result{}, Reranked: req.Rerank}
	if topK <= 0 {
		// Nothing to return; skip the encode entirely.
		resp.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000
		return resp, nil
	}

	entry, err := e.cache.GetOrEncode(ctx, req.VideoPath)
	if err != nil {
		return nil, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	globalStart := time.Now()
	candidates, err := e.vectors.Search(searchCtx, entry.Global, e.opts.CandidateK, req.Filters)
	if err != nil {
		if searchCtx.Err() != nil {
			return nil, errors.Wrap(errors.KindTimeout, "vector search", err)
		}
		return nil, err
	}
	metrics.ObserveSearch("global", time.Since(globalStart))
	resp.TotalCandidates = len(candidates)

	results := e.reconcile(ctx, candidates)

	if req.Rerank {
		rerankStart := time.Now()
		e.rerank(ctx, entry.Temporal, results)
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].VideoID < results[j].VideoID
		})
		metrics.ObserveSearch("rerank", time.Since(rerankStart))
	}

	if len(results) > topK {
		results = results[:topK]
	}
	resp.Results = results
	resp.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000

	e.logQuery(ctx, queryID, req, resp)
	metrics.ObserveSearch("total", time.Since(start))
	return resp, nil
}

// reconcile joins candidates with their metadata rows. A candidate
// whose row vanished (a delete between index search and here) is
// dropped before anything user-visible is emitted.
func (e *Engine) reconcile(ctx context.Context, candidates []store.Candidate) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		rec, err := e.metadata.GetVideo(ctx, c.VideoID)
		if err != nil {
			if !errors.IsNotFound(err) {
				e.logger.Warn("candidate metadata lookup failed",
					slog.String("video_id", c.VideoID), slog.String("error", err.Error()))
			}
			continue
		}
		results = append(results, Result{
			VideoID:         c.VideoID,
			Score:           c.Similarity,
			GlobalScore:     c.Similarity,
			Title:           rec.Title,
			VideoURL:        rec.VideoURL,
			DurationSeconds: rec.DurationSeconds,
			Tags:            rec.Tags,
			ThumbnailURL:    rec.ThumbnailURL,
		})
	}
	return results
}

// rerank recomputes each result's score from the temporal fusion. A
// candidate with no temporal file keeps its global score.
func (e *Engine) rerank(ctx context.Context, query [][]float32, results []Result) {
	for i := range results {
		matrix, err := e.temporal.Get(ctx, results[i].VideoID)
		if err != nil {
			if !errors.IsNotFound(err) {
				e.logger.Warn("temporal load failed",
					slog.String("video_id", results[i].VideoID),
					slog.String("error", err.Error()))
			}
			continue
		}
		scores := fuseTemporal(query, matrix, e.opts.DTWRadius)
		results[i].Score = finalScore(scores.Temporal, results[i].GlobalScore)
		temporal := scores.Temporal
		dtw := scores.DTW
		results[i].TemporalScore = &temporal
		results[i].DTWSimilarity = &dtw
	}
}

// logQuery appends the query record; failures only warn.
func (e *Engine) logQuery(ctx context.Context, queryID string, req Request, resp *Response) {
	filters := "{}"
	if !req.Filters.Empty() {
		filters = fmt.Sprintf("{\"duration_min\":%v,\"duration_max\":%v,\"tags\":%q}",
			deref(req.Filters.DurationMin), deref(req.Filters.DurationMax), req.Filters.Tags)
	}
	err := e.metadata.LogQuery(ctx, &store.QueryLog{
		QueryID:          queryID,
		UserID:           req.UserID,
		QueryVideoURL:    req.VideoPath,
		Filters:          filters,
		NumResults:       len(resp.Results),
		ProcessingTimeMS: resp.ProcessingTimeMS,
	})
	if err != nil {
		e.logger.Warn("query log failed", slog.String("error", err.Error()))
	}
}

// LogClick records a user click on one result of a prior query.
func (e *Engine) LogClick(ctx context.Context, queryID, videoID string, rank int, score float64) error {
	return e.metadata.LogClick(ctx, &store.ClickLog{
		QueryID:         queryID,
		ResultVideoID:   videoID,
		Rank:            rank,
		SimilarityScore: score,
	})
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
