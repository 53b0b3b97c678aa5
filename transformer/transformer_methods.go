package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// Encoder is a bidirectional transformer over already-embedded columns.
// It adds a learned positional table and has no token embedding layer.
type Encoder struct {
	DModel int
	MaxLen int
	PosEmb *optimizations.Param // (dModel x maxLen)
	Blocks []TransformerBlock

	lastT int
}

type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

// NewEncoder builds an encoder for sequences of up to maxLen columns.
func NewEncoder(cfg params.TrainingConfig, maxLen int, rng *rand.Rand) *Encoder {
	enc := &Encoder{
		DModel: cfg.DModel,
		MaxLen: maxLen,
		PosEmb: optimizations.NewParam("encoder.pos", mat.NewDense(cfg.DModel, maxLen, utils.RandomArray(rng, cfg.DModel*maxLen, float64(cfg.DModel))), false),
		Blocks: make([]TransformerBlock, cfg.Layers),
	}
	for i := range cfg.Layers {
		name := fmt.Sprintf("encoder.%d", i)
		enc.Blocks[i] = TransformerBlock{
			Attn: NewAttention(name+".attn", cfg.DModel, cfg.NumHeads, params.HeadParallel(), rng),
			Mlp:  NewMLP(name+".mlp", cfg.DModel, cfg.HiddenSize, rng),
			Ln1:  optimizations.NewLayerNorm(name+".ln1", cfg.DModel, 1e-5),
			Ln2:  optimizations.NewLayerNorm(name+".ln2", cfg.DModel, 1e-5),
		}
	}
	return enc
}

// Params lists every trainable tensor in a stable order.
func (e *Encoder) Params() []*optimizations.Param {
	ps := []*optimizations.Param{e.PosEmb}
	for i := range e.Blocks {
		b := &e.Blocks[i]
		ps = append(ps, b.Attn.Params()...)
		ps = append(ps, b.Mlp.Params()...)
		ps = append(ps, b.Ln1.Params()...)
		ps = append(ps, b.Ln2.Params()...)
	}
	return ps
}

// Forward refines X (dModel x T). valid marks the non-padding columns.
func (e *Encoder) Forward(X *mat.Dense, valid []bool) *mat.Dense {
	_, T := X.Dims()
	if T > e.MaxLen {
		panic(fmt.Sprintf("encoder: %d positions exceed max length %d", T, e.MaxLen))
	}
	h := mat.DenseCopyOf(X)
	h.Add(h, e.PosEmb.W.Slice(0, e.DModel, 0, T))
	for i := range e.Blocks {
		h = e.Blocks[i].Forward(h, valid)
	}
	e.lastT = T
	return h
}

// Backward accumulates parameter gradients and returns d loss / d X.
func (e *Encoder) Backward(dY *mat.Dense) *mat.Dense {
	grad := dY
	for i := len(e.Blocks) - 1; i >= 0; i-- {
		grad = e.Blocks[i].Backward(grad)
	}
	dPos := e.PosEmb.G.Slice(0, e.DModel, 0, e.lastT).(*mat.Dense)
	dPos.Add(dPos, grad)
	return grad
}

// Block forward/backward with residuals.
func (b *TransformerBlock) Forward(X *mat.Dense, valid []bool) *mat.Dense {
	c := 1 / math.Sqrt(2)
	attnOut := b.Attn.Forward(b.Ln1.Forward(X), valid)
	xRes := utils.Add(X, utils.Scale(c, attnOut))
	mlpOut := b.Mlp.Forward(b.Ln2.Forward(xRes))
	return utils.Add(xRes, utils.Scale(c, mlpOut))
}

// Y = xRes + c*MLP(Ln2(xRes)); xRes = X + c*Attn(Ln1(X))
func (b *TransformerBlock) Backward(grad *mat.Dense) *mat.Dense {
	c := 1 / math.Sqrt(2)
	dX2 := b.Mlp.Backward(utils.Scale(c, grad))
	dXres := utils.Add(grad, b.Ln2.Backward(dX2))
	dX1 := b.Attn.Backward(utils.Scale(c, dXres))
	return utils.Add(dXres, b.Ln1.Backward(dX1))
}
