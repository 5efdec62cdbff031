// Package anomaly implements motion anomaly detection over temporal
// features: a baseline is fit on a corpus of normal videos, and
// candidates are scored by how far their motion statistics deviate
// from it.
package anomaly

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/metrics"
	"github.com/motiondex/motiondex/internal/store"
)

// epsilon guards divisions by near-zero deviations.
const epsilon = 1e-8

// windowThreshold flags a window as anomalous when its |z| exceeds it.
const windowThreshold = 2.0

// Options configures a Detector.
type Options struct {
	// Threshold is the anomaly score cutoff τ.
	Threshold float64
	// WindowSize is the sliding window length for interval detection.
	WindowSize int
}

// Baseline holds the statistics of the normal corpus.
type Baseline struct {
	// MeanVariance and StdVariance are per-dimension statistics of
	// the temporal variance vectors across the corpus.
	MeanVariance []float32
	StdVariance  []float32
	// MeanMotion and StdMotion summarize the scalar motion magnitude.
	MeanMotion float64
	StdMotion  float64
	NumVideos  int
}

// Interval is one anomalous stretch of a video, in normalized time.
type Interval struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	ZMotion float64 `json:"z_motion"`
}

// Detection is the scored outcome for one candidate video.
type Detection struct {
	VideoPath    string     `json:"video_path"`
	AnomalyScore float64    `json:"anomaly_score"`
	ZMotion      float64    `json:"z_motion"`
	ZVariance    float64    `json:"z_variance"`
	IsAnomaly    bool       `json:"is_anomaly"`
	// Confidence maps the score to a 0-100 scale capped at 100.
	Confidence float64    `json:"confidence"`
	Intervals  []Interval `json:"intervals,omitempty"`
}

// Detector scores videos against a baseline. The current baseline is
// held in memory and persisted through the metadata store.
type Detector struct {
	enc      encoder.Encoder
	metadata *store.MetadataStore
	opts     Options
	logger   *slog.Logger

	mu       sync.RWMutex
	baseline *Baseline
}

// NewDetector wires a detector; call LoadBaseline or BuildBaseline
// before detecting.
func NewDetector(enc encoder.Encoder, metadata *store.MetadataStore, opts Options, logger *slog.Logger) *Detector {
	if opts.Threshold <= 0 {
		opts.Threshold = 2.0
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 16
	}
	return &Detector{enc: enc, metadata: metadata, opts: opts, logger: logger}
}

// BuildBaseline encodes the normal corpus, fits the statistics, and
// persists them. At least one video is required.
func (d *Detector) BuildBaseline(ctx context.Context, videoPaths []string) (*Baseline, error) {
	if len(videoPaths) == 0 {
		return nil, errors.New(errors.KindInternal, "baseline requires at least one video")
	}

	dims := d.enc.Dimensions()
	varianceVectors := make([][]float32, 0, len(videoPaths))
	motions := make([]float64, 0, len(videoPaths))

	for _, path := range videoPaths {
		enc, err := d.enc.Encode(ctx, path)
		if err != nil {
			return nil, err
		}
		varianceVectors = append(varianceVectors, varianceVector(enc.Temporal))
		motions = append(motions, motionMagnitude(enc.Temporal))
	}

	baseline := &Baseline{
		MeanVariance: make([]float32, dims),
		StdVariance:  make([]float32, dims),
		NumVideos:    len(videoPaths),
	}
	for k := 0; k < dims; k++ {
		var mean float64
		for _, v := range varianceVectors {
			mean += float64(v[k])
		}
		mean /= float64(len(varianceVectors))
		var sq float64
		for _, v := range varianceVectors {
			diff := float64(v[k]) - mean
			sq += diff * diff
		}
		baseline.MeanVariance[k] = float32(mean)
		baseline.StdVariance[k] = float32(math.Sqrt(sq / float64(len(varianceVectors))))
	}
	baseline.MeanMotion, baseline.StdMotion = meanStd(motions)

	if err := d.metadata.SaveBaseline(ctx, &store.BaselineRecord{
		MeanVariance: baseline.MeanVariance,
		StdVariance:  baseline.StdVariance,
		MeanMotion:   baseline.MeanMotion,
		StdMotion:    baseline.StdMotion,
		NumVideos:    baseline.NumVideos,
		Dim:          dims,
	}); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.baseline = baseline
	d.mu.Unlock()

	d.logger.Info("anomaly baseline built",
		slog.Int("videos", baseline.NumVideos),
		slog.Float64("mean_motion", baseline.MeanMotion))
	return baseline, nil
}

// LoadBaseline restores the persisted baseline into memory.
func (d *Detector) LoadBaseline(ctx context.Context) error {
	rec, err := d.metadata.GetBaseline(ctx, "")
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.baseline = &Baseline{
		MeanVariance: rec.MeanVariance,
		StdVariance:  rec.StdVariance,
		MeanMotion:   rec.MeanMotion,
		StdMotion:    rec.StdMotion,
		NumVideos:    rec.NumVideos,
	}
	d.mu.Unlock()
	return nil
}

// Threshold returns the configured default anomaly threshold.
func (d *Detector) Threshold() float64 {
	return d.opts.Threshold
}

// HasBaseline reports whether a baseline is loaded.
func (d *Detector) HasBaseline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baseline != nil
}

// Detect scores one candidate video against the baseline with the
// configured threshold.
func (d *Detector) Detect(ctx context.Context, videoPath string) (*Detection, error) {
	return d.DetectWith(ctx, videoPath, d.opts.Threshold, false)
}

// DetectWindowed scores the video and additionally reports anomalous
// intervals from a sliding motion window.
func (d *Detector) DetectWindowed(ctx context.Context, videoPath string) (*Detection, error) {
	return d.DetectWith(ctx, videoPath, d.opts.Threshold, true)
}

// DetectWith scores with an explicit threshold, optionally reporting
// windowed intervals.
func (d *Detector) DetectWith(ctx context.Context, videoPath string, threshold float64, windowed bool) (*Detection, error) {
	if threshold <= 0 {
		threshold = d.opts.Threshold
	}
	d.mu.RLock()
	baseline := d.baseline
	d.mu.RUnlock()
	if baseline == nil {
		return nil, errors.New(errors.KindNotFound, "no anomaly baseline; build one first")
	}

	enc, err := d.enc.Encode(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	variance := varianceVector(enc.Temporal)
	motion := motionMagnitude(enc.Temporal)

	zMotion := (motion - baseline.MeanMotion) / (baseline.StdMotion + epsilon)

	var zVariance float64
	for k := range variance {
		zVariance += math.Abs(float64(variance[k])-float64(baseline.MeanVariance[k])) /
			(float64(baseline.StdVariance[k]) + epsilon)
	}
	zVariance /= float64(len(variance))

	score := (math.Abs(zMotion) + zVariance) / 2
	det := &Detection{
		VideoPath:    videoPath,
		AnomalyScore: score,
		ZMotion:      zMotion,
		ZVariance:    zVariance,
		IsAnomaly:    score > threshold,
		Confidence:   math.Min(100, score/threshold*100),
	}
	if det.IsAnomaly {
		metrics.AnomaliesDetectedTotal.Inc()
	}

	if windowed {
		det.Intervals = d.windows(enc.Temporal, baseline)
	}
	return det, nil
}

// windows slides a fixed-size window over the temporal rows and flags
// windows whose motion z-score exceeds the window threshold.
func (d *Detector) windows(matrix [][]float32, baseline *Baseline) []Interval {
	w := d.opts.WindowSize
	total := len(matrix)
	if total < w {
		return nil
	}

	intervals := []Interval{}
	for start := 0; start+w <= total; start++ {
		motion := motionMagnitude(matrix[start : start+w])
		z := (motion - baseline.MeanMotion) / (baseline.StdMotion + epsilon)
		if math.Abs(z) > windowThreshold {
			intervals = append(intervals, Interval{
				Start:   float64(start) / float64(total),
				End:     float64(start+w) / float64(total),
				ZMotion: z,
			})
		}
	}
	return mergeIntervals(intervals)
}

// mergeIntervals collapses overlapping windows into single intervals,
// keeping the strongest z-score of each run.
func mergeIntervals(in []Interval) []Interval {
	if len(in) == 0 {
		return in
	}
	out := []Interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			if math.Abs(iv.ZMotion) > math.Abs(last.ZMotion) {
				last.ZMotion = iv.ZMotion
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// varianceVector is the per-dimension variance of the rows over time.
func varianceVector(matrix [][]float32) []float32 {
	if len(matrix) == 0 {
		return nil
	}
	dims := len(matrix[0])
	mean := make([]float64, dims)
	for _, row := range matrix {
		for k, v := range row {
			mean[k] += float64(v)
		}
	}
	n := float64(len(matrix))
	for k := range mean {
		mean[k] /= n
	}

	out := make([]float32, dims)
	for _, row := range matrix {
		for k, v := range row {
			diff := float64(v) - mean[k]
			out[k] += float32(diff * diff / n)
		}
	}
	return out
}

// motionMagnitude is the mean L2 norm of the first difference of the
// temporal rows: how much the representation moves per step.
func motionMagnitude(matrix [][]float32) float64 {
	if len(matrix) < 2 {
		return 0
	}
	var total float64
	for t := 1; t < len(matrix); t++ {
		var sq float64
		for k := range matrix[t] {
			diff := float64(matrix[t][k]) - float64(matrix[t-1][k])
			sq += diff * diff
		}
		total += math.Sqrt(sq)
	}
	return total / float64(len(matrix)-1)
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sq float64
	for _, v := range values {
		diff := v - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
