// Package matcher finds the registered identity closest to a face descriptor.
package matcher

import (
	"math"

	"github.com/andresmejia3/facewatch/internal/types"
)

// DefaultRadius is the acceptance radius used when the host does not set one.
const DefaultRadius = 0.6

// Result is an accepted match.
type Result struct {
	Identity *types.Identity
	Distance float64
}

// EuclideanDist returns the L2 distance between a and b. Vectors of
// different length are infinitely far apart.
func EuclideanDist(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match scans every candidate and returns the globally nearest one if its
// distance is strictly below radius. On equal distances the candidate that
// comes first wins, so callers control ties through iteration order.
func Match(embedding []float64, candidates []*types.Identity, radius float64) (Result, bool) {
	if len(embedding) == 0 || len(candidates) == 0 {
		return Result{}, false
	}

	best := -1
	minDist := math.Inf(1)
	for i, c := range candidates {
		dist := EuclideanDist(embedding, c.Embedding)
		if dist < minDist {
			minDist = dist
			best = i
		}
	}

	if best == -1 || !(minDist < radius) {
		return Result{}, false
	}
	return Result{Identity: candidates[best], Distance: minDist}, true
}
