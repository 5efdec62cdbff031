// Package search implements the query pipeline: cached query encoding,
// approximate candidate retrieval over global vectors, and temporal
// re-ranking that fuses dynamic time warping, average-cosine, and
// variance similarities with the global score.
package search

import (
	"math"
)

// dtwCoord is one cell of the warping search window.
type dtwCoord struct {
	i, j int
}

// rowDistance is the Euclidean distance between two feature rows.
// Arithmetic stays in 32-bit floats.
func rowDistance(a, b []float32) float32 {
	var sum float32
	for k := range a {
		d := a[k] - b[k]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// fastDTW computes an approximate constrained DTW distance between two
// feature sequences. The sequences are recursively halved, aligned at
// the coarse resolution, and the coarse path (widened by radius)
// constrains the alignment at the finer resolution.
func fastDTW(a, b [][]float32, radius int) float32 {
	if len(a) == 0 || len(b) == 0 {
		return float32(math.Inf(1))
	}
	minSize := radius + 2
	if len(a) <= minSize || len(b) <= minSize {
		dist, _ := dtwWindowed(a, b, nil)
		return dist
	}

	coarseA := reduceByHalf(a)
	coarseB := reduceByHalf(b)
	_, coarsePath := dtwWindowed(coarseA, coarseB, nil)
	window := expandWindow(coarsePath, len(a), len(b), radius)
	dist, _ := dtwWindowed(a, b, window)
	return dist
}

// reduceByHalf averages adjacent rows, halving the time resolution.
func reduceByHalf(m [][]float32) [][]float32 {
	out := make([][]float32, 0, (len(m)+1)/2)
	for i := 0; i < len(m); i += 2 {
		if i+1 >= len(m) {
			out = append(out, m[i])
			break
		}
		row := make([]float32, len(m[i]))
		for k := range row {
			row[k] = (m[i][k] + m[i+1][k]) / 2
		}
		out = append(out, row)
	}
	return out
}

// expandWindow projects a coarse warping path to the finer resolution
// and widens it by radius in both directions.
func expandWindow(path []dtwCoord, lenA, lenB, radius int) map[dtwCoord]bool {
	coarse := make(map[dtwCoord]bool, len(path)*(2*radius+1))
	for _, c := range path {
		for di := -radius; di <= radius; di++ {
			for dj := -radius; dj <= radius; dj++ {
				coarse[dtwCoord{c.i + di, c.j + dj}] = true
			}
		}
	}

	window := make(map[dtwCoord]bool, len(coarse)*4)
	for c := range coarse {
		for _, fine := range [4]dtwCoord{
			{c.i * 2, c.j * 2},
			{c.i * 2, c.j*2 + 1},
			{c.i*2 + 1, c.j * 2},
			{c.i*2 + 1, c.j*2 + 1},
		} {
			if fine.i >= 0 && fine.i < lenA && fine.j >= 0 && fine.j < lenB {
				window[fine] = true
			}
		}
	}
	return window
}

// dtwWindowed runs exact DTW restricted to the window (nil means the
// full matrix) and returns the distance and the optimal warping path.
func dtwWindowed(a, b [][]float32, window map[dtwCoord]bool) (float32, []dtwCoord) {
	inf := float32(math.Inf(1))

	type cell struct {
		cost float32
		prev dtwCoord
	}
	costs := make(map[dtwCoord]cell, len(a)*4)

	inWindow := func(i, j int) bool {
		return window == nil || window[dtwCoord{i, j}]
	}
	costAt := func(i, j int) float32 {
		if c, ok := costs[dtwCoord{i, j}]; ok {
			return c.cost
		}
		return inf
	}

	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if !inWindow(i, j) {
				continue
			}
			if i == 0 && j == 0 {
				costs[dtwCoord{0, 0}] = cell{cost: rowDistance(a[0], b[0]), prev: dtwCoord{-1, -1}}
				continue
			}
			best := costAt(i-1, j-1)
			prev := dtwCoord{i - 1, j - 1}
			if c := costAt(i-1, j); c < best {
				best, prev = c, dtwCoord{i - 1, j}
			}
			if c := costAt(i, j-1); c < best {
				best, prev = c, dtwCoord{i, j - 1}
			}
			if math.IsInf(float64(best), 1) {
				continue
			}
			costs[dtwCoord{i, j}] = cell{cost: best + rowDistance(a[i], b[j]), prev: prev}
		}
	}

	end := dtwCoord{len(a) - 1, len(b) - 1}
	final, ok := costs[end]
	if !ok {
		return inf, nil
	}

	var path []dtwCoord
	for c := end; c.i != -1; c = costs[c].prev {
		path = append(path, c)
	}
	// Reverse into time order.
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return final.cost, path
}
