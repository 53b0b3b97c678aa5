package transformer

import "github.com/zzduoYI/diffusion-image-captioning/optimizations"

// Fork creates a shallow clone of the encoder where all parameters are
// shared, but per-module caches are private. A fork can run a second pass
// whose backward is still pending on the original, or serve a worker
// goroutine doing forward-only evaluation.
func (e *Encoder) Fork() *Encoder {
	out := &Encoder{
		DModel: e.DModel,
		MaxLen: e.MaxLen,
		PosEmb: e.PosEmb,
		Blocks: make([]TransformerBlock, len(e.Blocks)),
	}
	for i := range e.Blocks {
		src := &e.Blocks[i]
		out.Blocks[i] = TransformerBlock{
			Attn: forkAttention(src.Attn),
			Mlp:  forkMLP(src.Mlp),
			Ln1:  src.Ln1.Fork(),
			Ln2:  src.Ln2.Fork(),
		}
	}
	return out
}

func forkAttention(src *Attention) *Attention {
	a := &Attention{
		H:       src.H,
		DModel:  src.DModel,
		DHead:   src.DHead,
		Wquery:  src.Wquery,
		Wkey:    src.Wkey,
		Wvalue:  src.Wvalue,
		Woutput: src.Woutput,
		// head-level goroutines inside a worker oversubscribe the CPUs
		parallel: false,
	}
	a.resetCache()
	return a
}

func forkMLP(src *MLP) *MLP {
	return &MLP{
		Inputs:        src.Inputs,
		Hiddens:       src.Hiddens,
		Outputs:       src.Outputs,
		HiddenWeights: src.HiddenWeights,
		HiddenBias:    src.HiddenBias,
		OutputWeights: src.OutputWeights,
		OutputBias:    src.OutputBias,
	}
}

// Fork shares the projection weights with a private input cache.
func (l *Linear) Fork() *Linear {
	return &Linear{In: l.In, Out: l.Out, W: l.W, B: l.B}
}

func zeroGrads(ps []*optimizations.Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// ZeroGrad clears every accumulated gradient of the encoder.
func (e *Encoder) ZeroGrad() {
	zeroGrads(e.Params())
}
