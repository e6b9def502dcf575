// Package vmath provides the float32 distance kernels shared by the
// embedding spaces. All kernels are pure Go, unrolled 4x.
package vmath

import "math"

// DistanceFunc computes a distance between two equal-length vectors.
type DistanceFunc func(a, b []float32) float32

// EuclideanDistance returns the L2 distance between a and b.
// Panics on length mismatch; callers fix the dimension at ingest time.
func EuclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredEuclidean(a, b))))
}

// SquaredEuclidean returns the squared L2 distance between a and b.
func SquaredEuclidean(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("vmath: vector length mismatch")
	}
	var sum0, sum1, sum2, sum3 float32
	n := len(a)
	i := 0
	for ; i <= n-4; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		sum0 += d0 * d0
		sum1 += d1 * d1
		sum2 += d2 * d2
		sum3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		sum0 += d * d
	}
	return sum0 + sum1 + sum2 + sum3
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("vmath: vector length mismatch")
	}
	var sum0, sum1, sum2, sum3 float32
	n := len(a)
	i := 0
	for ; i <= n-4; i += 4 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		sum0 += a[i] * b[i]
	}
	return sum0 + sum1 + sum2 + sum3
}

// CosineDistance returns 1 - cosine similarity. Vectors with zero norm
// are treated as maximally distant.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("vmath: vector length mismatch")
	}
	if len(a) == 0 {
		return 1.0
	}
	var dot, normA, normB float32
	n := len(a)
	i := 0
	for ; i <= n-4; i += 4 {
		dot += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
		normA += a[i]*a[i] + a[i+1]*a[i+1] + a[i+2]*a[i+2] + a[i+3]*a[i+3]
		normB += b[i]*b[i] + b[i+1]*b[i+1] + b[i+2]*b[i+2] + b[i+3]*b[i+3]
	}
	for ; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/float32(math.Sqrt(float64(normA)*float64(normB)))
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	var sum0, sum1, sum2, sum3 float32
	n := len(v)
	i := 0
	for ; i <= n-4; i += 4 {
		sum0 += v[i] * v[i]
		sum1 += v[i+1] * v[i+1]
		sum2 += v[i+2] * v[i+2]
		sum3 += v[i+3] * v[i+3]
	}
	for ; i < n; i++ {
		sum0 += v[i] * v[i]
	}
	return float32(math.Sqrt(float64(sum0 + sum1 + sum2 + sum3)))
}
