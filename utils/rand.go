package utils

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewRand returns a deterministic generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// GaussianDense fills a new (r x c) matrix with draws from N(0, 1).
func GaussianDense(src rand.Source, r, c int) *mat.Dense {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	data := make([]float64, r*c)
	for i := range data {
		data[i] = n.Rand()
	}
	return mat.NewDense(r, c, data)
}
