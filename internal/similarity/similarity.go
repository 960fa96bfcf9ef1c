// Package similarity holds the vector math shared by deduplication and clustering.
package similarity

import "math"

// Epsilon is the tolerance under which two scores count as tied
const Epsilon = 1e-9

// Cosine returns the cosine similarity of a and b, or 0 if either is empty,
// zero-length or the dimensions differ
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Distance returns the cosine distance 1 - Cosine(a, b)
func Distance(a, b []float64) float64 {
	return 1 - Cosine(a, b)
}

// MeanUpdate folds v into a running mean over n previous vectors
func MeanUpdate(mean []float64, n int, v []float64) []float64 {
	if n <= 0 || len(mean) != len(v) {
		return append([]float64(nil), v...)
	}
	out := make([]float64, len(mean))
	for i := range mean {
		out[i] = (mean[i]*float64(n) + v[i]) / float64(n+1)
	}
	return out
}

// Mean returns the element-wise mean of vectors sharing the first one's dimension
func Mean(vectors [][]float64) []float64 {
	var out []float64
	n := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if out == nil {
			out = make([]float64, len(v))
		}
		if len(v) != len(out) {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
		n++
	}
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}
