package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes every column of a (d x T) input.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1)
	Beta  *Param // (d x 1)

	// cache
	xhat   *mat.Dense // (d x T)
	invStd []float64  // per column
}

func NewLayerNorm(name string, d int, eps float64) *LayerNorm {
	g := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		g.Set(i, 0, 1)
	}
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: NewParam(name+".gamma", g, false),
		Beta:  NewParam(name+".beta", mat.NewDense(d, 1, nil), false),
	}
}

// Fork shares gamma/beta with a private activation cache.
func (ln *LayerNorm) Fork() *LayerNorm {
	return &LayerNorm{D: ln.D, Eps: ln.Eps, Gamma: ln.Gamma, Beta: ln.Beta}
}

func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	gamma, beta := ln.Gamma.W, ln.Beta.W
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, gamma.At(i, 0)*n+beta.At(i, 0))
		}
	}
	ln.xhat = xhat
	ln.invStd = inv
	return out
}

// Backward accumulates gamma/beta gradients and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	gamma := ln.Gamma.W
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		ln.Gamma.G.Set(i, 0, ln.Gamma.G.At(i, 0)+sumDG)
		ln.Beta.G.Set(i, 0, ln.Beta.G.At(i, 0)+sumDB)
	}

	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.invStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * gamma.At(i, 0)
			dX.Set(i, t, (float64(d)*gy-sum1-ln.xhat.At(i, t)*sum2)*(istd/float64(d)))
		}
	}
	return dX
}
