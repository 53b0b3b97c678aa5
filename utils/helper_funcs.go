package utils

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// RandomArray draws size values uniformly from ±1/sqrt(v).
func RandomArray(rng *rand.Rand, size int, v float64) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rng.Float64()
	}
	return out
}

func ZerosLike(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

func MatrixNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

// Columns copies columns [from, to) of m.
func Columns(m *mat.Dense, from, to int) *mat.Dense {
	r, _ := m.Dims()
	return mat.DenseCopyOf(m.Slice(0, r, from, to))
}

// ColumnVector wraps v as an (n x 1) matrix without copying.
func ColumnVector(v []float64) *mat.Dense {
	return mat.NewDense(len(v), 1, v)
}
