// Package simd provides the vector similarity primitives used by the
// embedding validators.
//
// All operations delegate to github.com/viterin/vek/vek32, which selects
// AVX2/NEON kernels at runtime where the CPU supports them and falls back
// to pure Go elsewhere. No configuration is required.
//
// # Supported Operations
//
//   - DotProduct: Dot product of two vectors
//   - CosineSimilarity: Cosine similarity between two vectors
//   - Norm: Euclidean norm (L2 norm / magnitude) of a vector
//   - NormalizeInPlace: Normalize a vector to unit length in-place
//   - Similarity01: Cosine similarity rescaled to a [0,1] trust score
//   - BestMatch: Highest cosine similarity against a set of candidates
//
// # Usage
//
//	a := []float32{1.0, 2.0, 3.0, 4.0}
//	b := []float32{5.0, 6.0, 7.0, 8.0}
//
//	sim := simd.CosineSimilarity(a, b)
//	score := simd.Similarity01(a, b) // (sim + 1) / 2
//
// # Thread Safety
//
// All functions in this package are safe for concurrent use.
// They do not modify any global state except the NormalizeInPlace argument.
package simd
