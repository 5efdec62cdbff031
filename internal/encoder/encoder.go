// Package encoder provides the gateway to the video embedding model.
//
// An Encoder turns a local video file into two artifacts: one L2-normalized
// global vector of dimension D, and a [T, D] temporal matrix whose rows are
// deliberately left unnormalized. The output is deterministic for a given
// (content, model revision) pair.
package encoder

import (
	"context"
	"math"
)

// Encoding is the output of a single encode call.
type Encoding struct {
	// Global is the L2-normalized global vector, length D.
	Global []float32
	// Temporal is the [T, D] per-time-step matrix. Rows are not normalized.
	Temporal [][]float32
	// ProcessingMS is the encoder-side processing time in milliseconds.
	ProcessingMS float64
}

// HealthStatus reports encoder readiness.
type HealthStatus struct {
	Status      string  `json:"status"`
	ModelLoaded bool    `json:"model_loaded"`
	Device      string  `json:"device"`
	GPUMemoryMB float64 `json:"gpu_memory_mb,omitempty"`
}

// Encoder is the contract to the embedding function.
//
// Encode is synchronous and may block for the full encode deadline; callers
// own retry policy. Implementations classify failures as decode_error
// (unparseable input), resource_error (memory or accelerator exhaustion),
// or encoder_error (the model itself failed).
type Encoder interface {
	// Encode embeds the video at the given local path.
	Encode(ctx context.Context, videoPath string) (*Encoding, error)

	// Dimensions returns the global vector dimension D.
	Dimensions() int

	// TimeSteps returns the temporal step count T.
	TimeSteps() int

	// ModelName returns the model identifier.
	ModelName() string

	// Health reports whether the encoder is ready.
	Health(ctx context.Context) (*HealthStatus, error)

	// Close releases resources.
	Close() error
}

// NormalizeVector returns a unit-length copy of v. A zero vector is
// returned unchanged.
func NormalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	return math.Sqrt(sumSquares)
}
