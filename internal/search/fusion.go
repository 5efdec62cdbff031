package search

import "math"

// epsilon guards divisions throughout the fusion arithmetic.
const epsilon = 1e-8

// Fusion weights. The temporal score mixes the three temporal
// similarities; the final score blends it with the global cosine
// score from the vector index.
const (
	weightDTW      = 0.5
	weightCosine   = 0.3
	weightVariance = 0.2

	weightTemporal = 0.7
	weightGlobal   = 0.3
)

// TemporalScores are the per-candidate re-ranking terms.
type TemporalScores struct {
	DTW      float32
	Cosine   float32
	Variance float32
	Temporal float32
}

// fuseTemporal computes the three temporal similarities between the
// query and candidate matrices and mixes them into the temporal score.
func fuseTemporal(query, candidate [][]float32, radius int) TemporalScores {
	d := fastDTW(query, candidate, radius)
	sDTW := float32(0)
	if !math.IsInf(float64(d), 1) {
		sDTW = 1 / (1 + d)
	}

	sCos := cosineSimilarity(meanRows(query), meanRows(candidate))

	vq := meanVariance(query)
	vc := meanVariance(candidate)
	sVar := 1 - abs32(vq-vc)/(vq+vc+epsilon)

	return TemporalScores{
		DTW:      sDTW,
		Cosine:   sCos,
		Variance: sVar,
		Temporal: weightDTW*sDTW + weightCosine*sCos + weightVariance*sVar,
	}
}

// finalScore blends the temporal score with the global cosine score.
func finalScore(temporal, global float32) float32 {
	return weightTemporal*temporal + weightGlobal*global
}

// meanRows averages a matrix over time, producing one row.
func meanRows(m [][]float32) []float32 {
	if len(m) == 0 {
		return nil
	}
	out := make([]float32, len(m[0]))
	for _, row := range m {
		for k, v := range row {
			out[k] += v
		}
	}
	n := float32(len(m))
	for k := range out {
		out[k] /= n
	}
	return out
}

// meanVariance is the mean over dimensions of the per-dimension
// temporal variance.
func meanVariance(m [][]float32) float32 {
	if len(m) == 0 || len(m[0]) == 0 {
		return 0
	}
	mean := meanRows(m)
	n := float32(len(m))
	var total float32
	for _, row := range m {
		for k, v := range row {
			d := v - mean[k]
			total += d * d
		}
	}
	return total / n / float32(len(m[0]))
}

// cosineSimilarity is the plain cosine of two vectors with an epsilon
// guard against zero norms.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float32
	for k := range a {
		dot += a[k] * b[k]
		na += a[k] * a[k]
		nb += b[k] * b[k]
	}
	denom := float32(math.Sqrt(float64(na)))*float32(math.Sqrt(float64(nb))) + epsilon
	return dot / denom
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
