// Package store provides the three persistent stores behind motiondex:
// the vector index over global embeddings (VectorIndex), the per-video
// temporal feature files (TemporalStore), and the relational metadata
// record (MetadataStore).
//
// The stores are deliberately independent; the indexing pipeline binds
// them together with a fixed commit order and the garbage collector
// repairs any partial state left by a crash.
package store

import (
	"fmt"
	"time"
)

// VideoStatus is the indexing state of a video.
type VideoStatus string

const (
	// StatusPending means the video is queued but not yet picked up.
	StatusPending VideoStatus = "pending"
	// StatusProcessing means a worker owns the video.
	StatusProcessing VideoStatus = "processing"
	// StatusCompleted means all three stores hold the video.
	StatusCompleted VideoStatus = "completed"
	// StatusFailed means ingest failed terminally.
	StatusFailed VideoStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s VideoStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobStatus is the state of a batch indexing job.
type JobStatus string

const (
	// JobQueued means the job row exists but no unit has started.
	JobQueued JobStatus = "queued"
	// JobProcessing means at least one unit has started.
	JobProcessing JobStatus = "processing"
	// JobCompleted means every unit succeeded.
	JobCompleted JobStatus = "completed"
	// JobCompletedWithErrors means the job finished with at least one failure.
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	// JobFailed means the scheduler itself could not enqueue the job.
	JobFailed JobStatus = "failed"
)

// Terminal reports whether the job status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobFailed
}

// VideoRecord is the metadata row for one video.
type VideoRecord struct {
	VideoID              string
	VideoURL             string
	Title                string
	DurationSeconds      float64
	Resolution           string
	FPS                  float64
	FileSize             int64
	CreatedAt            time.Time
	IndexedAt            time.Time
	Status               VideoStatus
	ErrorMessage         string
	TemporalFeaturesPath string
	ThumbnailURL         string
	ProcessingTimeMS     float64
	JobID                string
	Tags                 []string
	// Extra is the forward-compatible free-form metadata envelope.
	Extra map[string]string
}

// Job is the metadata row for one batch indexing job.
type Job struct {
	JobID        string
	TotalVideos  int
	Completed    int
	Failed       int
	Status       JobStatus
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
	Extra        map[string]string
}

// Done returns the number of terminal units.
func (j *Job) Done() int {
	return j.Completed + j.Failed
}

// QueryLog is one append-only search query record.
type QueryLog struct {
	QueryID          string
	UserID           string
	QueryVideoURL    string
	Filters          string
	NumResults       int
	ProcessingTimeMS float64
	CreatedAt        time.Time
}

// ClickLog is one append-only result click record.
type ClickLog struct {
	QueryID         string
	ResultVideoID   string
	Rank            int
	SimilarityScore float64
	ClickedAt       time.Time
}

// BaselineRecord is a persisted anomaly baseline.
type BaselineRecord struct {
	Name         string
	MeanVariance []float32
	StdVariance  []float32
	MeanMotion   float64
	StdMotion    float64
	NumVideos    int
	Dim          int
	CreatedAt    time.Time
}

// Attributes are the filterable attributes stored next to each vector.
type Attributes struct {
	VideoPath       string
	DurationSeconds float64
	CreatedAt       time.Time
	Tags            []string
}

// Filters restrict a vector search. Zero values mean unrestricted.
type Filters struct {
	// DurationMin and DurationMax bound the duration range in seconds.
	// A nil bound is open.
	DurationMin *float64
	DurationMax *float64
	// Tags requires a non-empty intersection with the candidate's tags.
	Tags []string
}

// Empty reports whether no filter predicate is set.
func (f *Filters) Empty() bool {
	return f == nil || (f.DurationMin == nil && f.DurationMax == nil && len(f.Tags) == 0)
}

// Match reports whether the attributes satisfy the filters.
func (f *Filters) Match(attrs Attributes) bool {
	if f == nil {
		return true
	}
	if f.DurationMin != nil && attrs.DurationSeconds < *f.DurationMin {
		return false
	}
	if f.DurationMax != nil && attrs.DurationSeconds > *f.DurationMax {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range attrs.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Candidate is one scored vector search hit.
type Candidate struct {
	VideoID string
	// Similarity is (1 + cosine) / 2, clipped to [0, 1].
	Similarity float32
	// Distance is 1 - cosine, in [0, 2].
	Distance float32
	Attrs    Attributes
}

// ErrDimensionMismatch reports a vector with the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
