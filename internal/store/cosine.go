package store

import "math"

// CosineSimilarity returns dot(a,b) / (|a|·|b|) accumulated in float64.
// Mismatched dimensions, empty vectors and zero-norm vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	similarity := dot / math.Sqrt(normA*normB)
	// Clamp to [-1, 1] to absorb floating point error.
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return similarity
}
