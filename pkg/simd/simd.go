package simd

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// RuntimeInfo describes the vek32 backend in use.
type RuntimeInfo struct {
	// Features lists CPU features vek32 detected
	Features []string
	// Accelerated indicates whether SIMD kernels are active
	Accelerated bool
}

// DotProduct computes sum(a[i] * b[i]).
//
// Returns 0 if vectors are empty or have different lengths.
func DotProduct(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// CosineSimilarity computes dot(a, b) / (norm(a) * norm(b)).
//
// The result lies in [-1, 1]. Returns 0 if vectors are empty, have
// different lengths, or either has zero magnitude.
//
// Example:
//
//	a := []float32{1, 0, 0}
//	b := []float32{0, 1, 0}
//	result := simd.CosineSimilarity(a, b) // 0 (perpendicular)
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	// vek32 returns NaN for zero vectors, we want 0
	result := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(result)) || math.IsInf(float64(result), 0) {
		return 0
	}
	if result > 1 {
		return 1
	}
	if result < -1 {
		return -1
	}
	return result
}

// Norm computes sqrt(sum(v[i]^2)).
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return vek32.Norm(v)
}

// NormalizeInPlace scales v to unit length. Zero vectors are left unchanged.
//
// Example:
//
//	v := []float32{3, 4}
//	simd.NormalizeInPlace(v)
//	// v is now {0.6, 0.8}
func NormalizeInPlace(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	vek32.DivNumber_Inplace(v, n)
}

// Similarity01 maps cosine similarity onto [0, 1] so it can be used as a
// trust score: opposite vectors score 0, orthogonal 0.5, identical 1.
// Mismatched or empty vectors score 0.
func Similarity01(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return (float64(CosineSimilarity(a, b)) + 1) / 2
}

// BestMatch returns the index and cosine similarity of the candidate most
// similar to query. Candidates with a different dimensionality are skipped.
// Returns -1 when no candidate is comparable.
func BestMatch(query []float32, candidates [][]float32) (int, float32) {
	best, bestSim := -1, float32(-2)
	for i, c := range candidates {
		if len(c) != len(query) || len(c) == 0 {
			continue
		}
		if sim := CosineSimilarity(query, c); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestSim
}

// Info returns information about the active backend.
func Info() RuntimeInfo {
	info := vek32.Info()
	return RuntimeInfo{
		Features:    info.CPUFeatures,
		Accelerated: info.Acceleration,
	}
}
