package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/jobs"
	"github.com/motiondex/motiondex/internal/pipeline"
	"github.com/motiondex/motiondex/internal/search"
	"github.com/motiondex/motiondex/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.enc.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  errors.Message(err),
		})
		return
	}
	status := http.StatusOK
	if !health.ModelLoaded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	totalQueries, err := s.metadata.CountQueries(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_videos":  s.vectors.Count(),
		"model_name":    s.enc.ModelName(),
		"device":        s.opts.Device,
		"vector_dim":    s.enc.Dimensions(),
		"total_queries": totalQueries,
		"cache":         s.queryCache.Stats(),
	})
}

type indexVideoBody struct {
	VideoID  string            `json:"video_id"`
	VideoURL string            `json:"video_url"`
	Title    string            `json:"title,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type indexBatchBody struct {
	Videos []indexVideoBody `json:"videos"`
}

func (s *Server) handleIndexBatch(w http.ResponseWriter, r *http.Request) {
	var body indexBatchBody
	if err := decodeJSON(r.Body, &body); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	subs := make([]jobs.VideoSubmission, 0, len(body.Videos))
	for _, v := range body.Videos {
		if v.VideoID == "" || v.VideoURL == "" {
			s.badRequest(w, "each video needs a video_id and a video_url")
			return
		}
		subs = append(subs, jobs.VideoSubmission{
			VideoID:  v.VideoID,
			VideoURL: v.VideoURL,
			Title:    v.Title,
			Tags:     v.Tags,
			Extra:    v.Metadata,
		})
	}

	jobID, err := s.scheduler.SubmitBatch(r.Context(), subs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       jobID,
		"status":       "queued",
		"total_videos": len(subs),
	})
}

func (s *Server) handleIndexSingle(w http.ResponseWriter, r *http.Request) {
	videoPath := r.URL.Query().Get("video_path")
	if videoPath == "" {
		s.badRequest(w, "video_path query parameter is required")
		return
	}
	videoID := r.URL.Query().Get("video_id")
	if videoID == "" {
		base := filepath.Base(videoPath)
		videoID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	skip, _ := strconv.ParseBool(r.URL.Query().Get("skip_if_exists"))
	if skip {
		if rec, err := s.metadata.GetVideo(r.Context(), videoID); err == nil && rec.Status == store.StatusCompleted {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":   "skipped",
				"video_id": videoID,
			})
			return
		}
	}

	if err := s.indexer.IndexVideo(r.Context(), pipeline.Request{
		VideoID:  videoID,
		VideoURL: videoPath,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"video_id": videoID,
	})
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleIndexCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.scheduler.Cancel(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"status": "cancelled",
	})
}

type searchFilters struct {
	DurationMin *float64 `json:"duration_min,omitempty"`
	DurationMax *float64 `json:"duration_max,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type searchOptions struct {
	EnableReranking *bool `json:"enable_reranking,omitempty"`
}

type searchBody struct {
	QueryVideoURL string         `json:"query_video_url"`
	TopK          *int           `json:"top_k,omitempty"`
	Filters       *searchFilters `json:"filters,omitempty"`
	Options       *searchOptions `json:"options,omitempty"`
}

type searchResult struct {
	VideoID         string          `json:"video_id"`
	SimilarityScore float32         `json:"similarity_score"`
	Distance        float32         `json:"distance"`
	VideoPath       string          `json:"video_path"`
	Metadata        resultMetadata  `json:"metadata"`
}

type resultMetadata struct {
	Title           string   `json:"title"`
	DurationSeconds float64  `json:"duration_seconds"`
	Tags            []string `json:"tags,omitempty"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
	TemporalScore   *float32 `json:"temporal_score,omitempty"`
	DTWSimilarity   *float32 `json:"dtw_similarity,omitempty"`
}

type searchResponse struct {
	QueryID          string         `json:"query_id"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
	Results          []searchResult `json:"results"`
	TotalResults     int            `json:"total_results"`
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, req search.Request) {
	resp, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := searchResponse{
		QueryID:          resp.QueryID,
		ProcessingTimeMS: resp.ProcessingTimeMS,
		Results:          make([]searchResult, 0, len(resp.Results)),
		TotalResults:     len(resp.Results),
	}
	for _, res := range resp.Results {
		out.Results = append(out.Results, searchResult{
			VideoID:         res.VideoID,
			SimilarityScore: res.Score,
			// Cosine distance of the global vectors, in [0, 2].
			Distance:  2 * (1 - res.GlobalScore),
			VideoPath: res.VideoURL,
			Metadata: resultMetadata{
				Title:           res.Title,
				DurationSeconds: res.DurationSeconds,
				Tags:            res.Tags,
				ThumbnailURL:    res.ThumbnailURL,
				TemporalScore:   res.TemporalScore,
				DTWSimilarity:   res.DTWSimilarity,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := decodeJSON(r.Body, &body); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if body.QueryVideoURL == "" {
		s.badRequest(w, "query_video_url is required")
		return
	}

	req := search.Request{
		VideoPath: body.QueryVideoURL,
		TopK:      s.engine.DefaultTopK(),
		Rerank:    true,
	}
	if body.TopK != nil {
		req.TopK = *body.TopK
	}
	if body.Options != nil && body.Options.EnableReranking != nil {
		req.Rerank = *body.Options.EnableReranking
	}
	if body.Filters != nil {
		req.Filters = &store.Filters{
			DurationMin: body.Filters.DurationMin,
			DurationMax: body.Filters.DurationMax,
			Tags:        body.Filters.Tags,
		}
	}
	s.runSearch(w, r, req)
}

func (s *Server) handleSearchUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	dir := s.opts.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	tmp, err := os.CreateTemp(dir, "query-*"+filepath.Ext(header.Filename))
	if err != nil {
		s.writeError(w, errors.Wrap(errors.KindIO, "stage uploaded query video", err))
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		s.writeError(w, errors.Wrap(errors.KindIO, "write uploaded query video", err))
		return
	}
	if err := tmp.Close(); err != nil {
		s.writeError(w, errors.Wrap(errors.KindIO, "write uploaded query video", err))
		return
	}

	req := search.Request{
		VideoPath: tmp.Name(),
		TopK:      s.engine.DefaultTopK(),
		Rerank:    true,
	}
	if raw := r.FormValue("top_k"); raw != "" {
		topK, err := strconv.Atoi(raw)
		if err != nil {
			s.badRequest(w, "top_k must be an integer")
			return
		}
		req.TopK = topK
	}
	if raw := r.FormValue("enable_reranking"); raw != "" {
		rerank, err := strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(w, "enable_reranking must be a boolean")
			return
		}
		req.Rerank = rerank
	}
	s.runSearch(w, r, req)
}

type clickBody struct {
	QueryID string  `json:"query_id"`
	VideoID string  `json:"video_id"`
	Rank    int     `json:"rank"`
	Score   float64 `json:"score"`
}

func (s *Server) handleSearchClick(w http.ResponseWriter, r *http.Request) {
	var body clickBody
	if err := decodeJSON(r.Body, &body); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if body.QueryID == "" || body.VideoID == "" {
		s.badRequest(w, "query_id and video_id are required")
		return
	}
	if err := s.engine.LogClick(r.Context(), body.QueryID, body.VideoID, body.Rank, body.Score); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded"})
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video_id")
	if err := s.indexer.DeleteVideo(r.Context(), videoID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "deleted",
		"video_id": videoID,
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.vectors.Clear(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.temporal.Clear(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.metadata.Clear(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.queryCache.Clear(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (s *Server) handleAnomalyBaseline(w http.ResponseWriter, r *http.Request) {
	var paths []string
	if err := decodeJSON(r.Body, &paths); err != nil {
		s.badRequest(w, "request body must be a JSON array of video paths")
		return
	}
	baseline, err := s.detector.BuildBaseline(r.Context(), paths)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"baseline": map[string]any{
			"mean_motion_magnitude": baseline.MeanMotion,
			"std_motion_magnitude":  baseline.StdMotion,
			"num_videos":            baseline.NumVideos,
		},
	})
}

func (s *Server) handleAnomalyDetect(w http.ResponseWriter, r *http.Request) {
	videoPath := r.URL.Query().Get("video_path")
	if videoPath == "" {
		s.badRequest(w, "video_path query parameter is required")
		return
	}
	threshold := s.detector.Threshold()
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			s.badRequest(w, "threshold must be a positive number")
			return
		}
		threshold = parsed
	}
	windowed, _ := strconv.ParseBool(r.URL.Query().Get("windowed"))

	det, err := s.detector.DetectWith(r.Context(), videoPath, threshold, windowed)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := map[string]any{
		"is_anomaly":       det.IsAnomaly,
		"anomaly_score":    det.AnomalyScore,
		"motion_z_score":   det.ZMotion,
		"variance_z_score": det.ZVariance,
		"confidence":       det.Confidence,
		"threshold":        threshold,
		"video_path":       det.VideoPath,
	}
	if len(det.Intervals) > 0 {
		out["intervals"] = det.Intervals
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	report, err := s.gc.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
