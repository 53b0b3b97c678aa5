package transformer

import (
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// Linear maps (in x T) columns to (out x T): Y = W X + b.
type Linear struct {
	In, Out int
	W       *optimizations.Param // (out x in)
	B       *optimizations.Param // (out x 1)

	lastInput *mat.Dense
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   optimizations.NewParam(name+".w", mat.NewDense(out, in, utils.RandomArray(rng, out*in, float64(in))), true),
		B:   optimizations.NewParam(name+".b", mat.NewDense(out, 1, nil), false),
	}
}

func (l *Linear) Params() []*optimizations.Param {
	return []*optimizations.Param{l.W, l.B}
}

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	l.lastInput = X
	return utils.AddBias(utils.Dot(l.W.W, X), l.B.W)
}

// Backward accumulates dW, db and returns dX.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	l.W.G.Add(l.W.G, utils.Dot(dY, l.lastInput.T()))
	addRowSums(l.B.G, dY)
	return utils.Dot(l.W.W.T(), dY)
}
