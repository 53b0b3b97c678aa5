package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
)

// Attention is bidirectional multi-head self-attention with a key padding mask.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*optimizations.Param
	Wkey    []*optimizations.Param
	Wvalue  []*optimizations.Param
	Woutput *optimizations.Param

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense
	O_cat   *mat.Dense

	parallel bool // parallelize over heads if true
}

func NewAttention(name string, dModel, nHeads int, parallel bool, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:        nHeads,
		DModel:   dModel,
		DHead:    dHead,
		Wquery:   make([]*optimizations.Param, nHeads),
		Wkey:     make([]*optimizations.Param, nHeads),
		Wvalue:   make([]*optimizations.Param, nHeads),
		parallel: parallel,
	}
	attn.resetCache()
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(fmt.Sprintf("%s.q.%d", name, h), mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
		attn.Wkey[h] = optimizations.NewParam(fmt.Sprintf("%s.k.%d", name, h), mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
		attn.Wvalue[h] = optimizations.NewParam(fmt.Sprintf("%s.v.%d", name, h), mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel))), true)
	}
	attn.Woutput = optimizations.NewParam(name+".o", mat.NewDense(dModel, dModel, utils.RandomArray(rng, dModel*dModel, float64(dModel))), true)
	return attn
}

func (attn *Attention) resetCache() {
	attn.Q = make([]*mat.Dense, attn.H)
	attn.K = make([]*mat.Dense, attn.H)
	attn.V = make([]*mat.Dense, attn.H)
	attn.A = make([]*mat.Dense, attn.H)
}

func (attn *Attention) Params() []*optimizations.Param {
	ps := make([]*optimizations.Param, 0, 3*attn.H+1)
	for h := 0; h < attn.H; h++ {
		ps = append(ps, attn.Wquery[h], attn.Wkey[h], attn.Wvalue[h])
	}
	return append(ps, attn.Woutput)
}

// Forward attends every position to every valid key. X is (dModel x T);
// valid has length T or is nil.
func (attn *Attention) Forward(X *mat.Dense, valid []bool) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	mask := utils.PaddingMask(valid, T)

	work := func(h int) {
		q := utils.Dot(attn.Wquery[h].W, X)
		k := utils.Dot(attn.Wkey[h].W, X)
		v := utils.Dot(attn.Wvalue[h].W, X)
		// S = (Q^T K)/sqrt(dHead)
		scores := mat.NewDense(T, T, nil)
		scores.Mul(q.T(), k)
		scores.Scale(rescale, scores)
		a := utils.RowSoftmaxMaskedInPlace(mat.NewDense(T, T, nil), scores, mask)
		// O = V * A^T
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Mul(v, a.T())
		attn.Q[h], attn.K[h], attn.V[h], attn.A[h] = q, k, v, a
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func() { defer wg.Done(); work(h) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.O_cat = headsCat
	return utils.Dot(attn.Woutput.W, headsCat)
}

// Backward accumulates weight gradients and returns dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := attn.X.Dims()

	// Y = Wout * Ocat
	attn.Woutput.G.Add(attn.Woutput.G, utils.Dot(dY, attn.O_cat.T()))
	dOcat := utils.Dot(attn.Woutput.W.T(), dY)

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		row := h * attn.DHead
		dO := dOcat.Slice(row, row+attn.DHead, 0, T)

		// O = V * A^T, A = softmax(S), S = Q^T K / sqrt(dHead)
		dV := utils.Dot(dO, attn.A[h])
		dA := utils.Dot(attn.V[h].T(), dO).T()
		dS := utils.SoftmaxBackward(dA, attn.A[h])
		dQ := utils.Scale(rescale, utils.Dot(attn.K[h], dS.T()))
		dK := utils.Scale(rescale, utils.Dot(attn.Q[h], dS))

		attn.Wquery[h].G.Add(attn.Wquery[h].G, utils.Dot(dQ, attn.X.T()))
		attn.Wkey[h].G.Add(attn.Wkey[h].G, utils.Dot(dK, attn.X.T()))
		attn.Wvalue[h].G.Add(attn.Wvalue[h].G, utils.Dot(dV, attn.X.T()))

		dXtotal.Add(dXtotal, utils.Dot(attn.Wquery[h].W.T(), dQ))
		dXtotal.Add(dXtotal, utils.Dot(attn.Wkey[h].W.T(), dK))
		dXtotal.Add(dXtotal, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dXtotal
}
