package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/store"
)

// Report lists the findings of one garbage collection pass.
type Report struct {
	// UncommittedVectors are index entries whose metadata row is
	// terminal-failed or absent; both the vector and the temporal
	// file were removed.
	UncommittedVectors []string `json:"uncommitted_vectors"`
	// OrphanTemporal are temporal files referenced by neither the
	// index, a completed row, nor an in-flight row; the files were
	// removed.
	OrphanTemporal []string `json:"orphan_temporal"`
	// DemotedVideos are completed metadata rows whose temporal file
	// vanished; they were demoted to failed for re-indexing.
	DemotedVideos []string `json:"demoted_videos"`
	// Errors are non-fatal problems encountered while repairing.
	Errors []string `json:"errors,omitempty"`
	// Duration is the wall time of the pass.
	Duration time.Duration `json:"duration"`
}

// Repairs returns the total number of repairs applied.
func (r *Report) Repairs() int {
	return len(r.UncommittedVectors) + len(r.OrphanTemporal) + len(r.DemotedVideos)
}

// GC repairs partial commits left by crashes between pipeline steps.
// It runs at startup, on demand, and optionally on an interval.
type GC struct {
	vectors  *store.VectorIndex
	temporal *store.TemporalStore
	metadata *store.MetadataStore
	logger   *slog.Logger
}

// NewGC wires a collector over the three stores.
func NewGC(vectors *store.VectorIndex, temporal *store.TemporalStore, metadata *store.MetadataStore, logger *slog.Logger) *GC {
	return &GC{vectors: vectors, temporal: temporal, metadata: metadata, logger: logger}
}

// Run executes one collection pass. Repairs are best-effort: a failed
// repair is recorded in the report and the pass continues.
func (g *GC) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	completed, err := g.metadata.ListVideos(ctx, store.StatusCompleted)
	if err != nil {
		return nil, err
	}
	committed := make(map[string]bool, len(completed))
	for _, rec := range completed {
		committed[rec.VideoID] = true
	}

	// A pending or processing row means a worker owns the video right
	// now: its temporal file and vector are a commit in progress, not
	// crash remnants. Only terminal-or-absent rows are repairable.
	active := make(map[string]bool)
	for _, status := range []store.VideoStatus{store.StatusPending, store.StatusProcessing} {
		rows, err := g.metadata.ListVideos(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, rec := range rows {
			active[rec.VideoID] = true
		}
	}

	// A vector without a completed metadata row means the crash hit
	// between the index insert and the metadata upsert. The temporal
	// file from the same attempt goes with it.
	for _, id := range g.vectors.AllIDs() {
		if committed[id] || active[id] {
			continue
		}
		if err := g.vectors.Delete(ctx, id); err != nil {
			report.Errors = append(report.Errors, "delete vector "+id+": "+err.Error())
			continue
		}
		if err := g.temporal.Delete(ctx, id); err != nil {
			report.Errors = append(report.Errors, "delete temporal "+id+": "+err.Error())
		}
		report.UncommittedVectors = append(report.UncommittedVectors, id)
		metrics.GCRepairsTotal.WithLabelValues("uncommitted_vector").Inc()
	}

	// A temporal file with neither a vector nor a completed row means
	// the crash hit between the temporal write and the index insert.
	temporalIDs, err := g.temporal.List()
	if err != nil {
		return nil, err
	}
	for _, id := range temporalIDs {
		if committed[id] || active[id] || g.vectors.Contains(id) {
			continue
		}
		if err := g.temporal.Delete(ctx, id); err != nil {
			report.Errors = append(report.Errors, "delete temporal "+id+": "+err.Error())
			continue
		}
		report.OrphanTemporal = append(report.OrphanTemporal, id)
		metrics.GCRepairsTotal.WithLabelValues("orphan_temporal").Inc()
	}

	// A completed row whose temporal file is gone cannot serve
	// re-ranking. Demote it so a re-index can heal the video.
	for _, rec := range completed {
		if g.temporal.Exists(rec.VideoID) {
			continue
		}
		err := g.metadata.SetVideoStatus(ctx, rec.VideoID, store.StatusFailed, "temporal features missing")
		if err != nil {
			report.Errors = append(report.Errors, "demote "+rec.VideoID+": "+err.Error())
			continue
		}
		report.DemotedVideos = append(report.DemotedVideos, rec.VideoID)
		metrics.GCRepairsTotal.WithLabelValues("demoted_video").Inc()
	}

	report.Duration = time.Since(start)
	if report.Repairs() > 0 || len(report.Errors) > 0 {
		g.logger.Info("garbage collection pass",
			slog.Int("uncommitted_vectors", len(report.UncommittedVectors)),
			slog.Int("orphan_temporal", len(report.OrphanTemporal)),
			slog.Int("demoted_videos", len(report.DemotedVideos)),
			slog.Int("errors", len(report.Errors)),
			slog.Duration("elapsed", report.Duration))
	}
	return report, nil
}

// RunPeriodic runs collection passes on the interval until the context
// is cancelled. A zero interval returns immediately.
func (g *GC) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Run(ctx); err != nil {
				g.logger.Error("garbage collection failed", slog.String("error", err.Error()))
			}
		}
	}
}
