package math

import (
	"math"
)

// DotProduct computes the inner product of two float32 vectors, accumulating
// in float64. Mismatched or empty inputs give 0.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var sum float64
	n := len(a)

	// Process 4 elements at a time for better CPU pipelining
	i := 0
	for ; i <= n-4; i += 4 {
		sum += float64(a[i])*float64(b[i]) +
			float64(a[i+1])*float64(b[i+1]) +
			float64(a[i+2])*float64(b[i+2]) +
			float64(a[i+3])*float64(b[i+3])
	}

	for ; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}

// Norm returns the L2 magnitude of v.
func Norm(v []float32) float64 {
	return math.Sqrt(DotProduct(v, v))
}

// Norms computes the magnitude of every row of a row-major matrix.
func Norms(data []float32, dim int) []float64 {
	if dim <= 0 {
		return nil
	}
	rows := len(data) / dim
	out := make([]float64, rows)
	for i := range out {
		out[i] = Norm(data[i*dim : (i+1)*dim])
	}
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b in [-1, 1].
// Zero-magnitude inputs, which make the ratio undefined, give 0.
func CosineSimilarity(a, b []float32) float64 {
	return CosineWithNorms(a, b, Norm(a), Norm(b))
}

// CosineWithNorms is CosineSimilarity with precomputed magnitudes.
func CosineWithNorms(a, b []float32, normA, normB float64) float64 {
	denom := normA * normB
	if denom == 0 {
		return 0
	}

	similarity := DotProduct(a, b) / denom
	if math.IsNaN(similarity) {
		return 0
	}

	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}
	return similarity
}

// AbsDiff stores |a[d] - b[d]| into dst[d*stride] for every feature d.
// A stride of 1 writes a contiguous vector; larger strides scatter into a
// tensor whose feature axis is not the innermost one.
func AbsDiff(dst []float32, stride int, a, b []float32) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	i := 0
	for ; i <= n-4; i += 4 {
		dst[i*stride] = abs32(a[i] - b[i])
		dst[(i+1)*stride] = abs32(a[i+1] - b[i+1])
		dst[(i+2)*stride] = abs32(a[i+2] - b[i+2])
		dst[(i+3)*stride] = abs32(a[i+3] - b[i+3])
	}

	for ; i < n; i++ {
		dst[i*stride] = abs32(a[i] - b[i])
	}
}

func abs32(x float32) float32 {
	return math.Float32frombits(math.Float32bits(x) &^ (1 << 31))
}
