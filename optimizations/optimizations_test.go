package optimizations

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"gonum.org/v1/gonum/mat"
)

func TestAdamWFirstStepMovesAgainstGradient(t *testing.T) {
	p := NewParam("w", mat.NewDense(1, 3, []float64{1, 1, 1}), false)
	p.G.Copy(mat.NewDense(1, 3, []float64{2, -3, 0}))

	opt := &AdamW{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	scale := opt.Step([]*Param{p})

	require.Equal(t, 1.0, scale)
	require.Equal(t, 1, opt.T)
	// bias-corrected first step is lr*sign(g)
	require.InDelta(t, 0.9, p.W.At(0, 0), 1e-6)
	require.InDelta(t, 1.1, p.W.At(0, 1), 1e-6)
	require.InDelta(t, 1.0, p.W.At(0, 2), 1e-12)
	require.Zero(t, mat.Sum(p.G))
}

func TestAdamWDecayOnlyOnMarkedParams(t *testing.T) {
	decayed := NewParam("w", mat.NewDense(1, 1, []float64{2}), true)
	plain := NewParam("b", mat.NewDense(1, 1, []float64{2}), false)

	opt := &AdamW{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.5}
	opt.Step([]*Param{decayed, plain})

	require.InDelta(t, 2-0.1*0.5*2, decayed.W.At(0, 0), 1e-9)
	require.Equal(t, 2.0, plain.W.At(0, 0))
}

func TestAdamWClipsCombinedNorm(t *testing.T) {
	a := NewParam("a", mat.NewDense(1, 1, nil), false)
	b := NewParam("b", mat.NewDense(1, 1, nil), false)
	a.G.Set(0, 0, 3)
	b.G.Set(0, 0, 4)

	opt := &AdamW{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, GradClip: 1}
	require.InDelta(t, 0.2, opt.Step([]*Param{a, b}), 1e-12)
}

func TestLayerNormNormalizesColumns(t *testing.T) {
	ln := NewLayerNorm("ln", 4, 1e-5)
	x := mat.NewDense(4, 2, []float64{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
	})
	out := ln.Forward(x)
	for j := 0; j < 2; j++ {
		var mu, v float64
		for i := 0; i < 4; i++ {
			mu += out.At(i, j)
		}
		mu /= 4
		for i := 0; i < 4; i++ {
			v += (out.At(i, j) - mu) * (out.At(i, j) - mu)
		}
		require.InDelta(t, 0, mu, 1e-9)
		require.InDelta(t, 1, v/4, 1e-3)
	}
}

func TestLayerNormBackward(t *testing.T) {
	ln := NewLayerNorm("ln", 3, 1e-5)
	ln.Gamma.W.Copy(mat.NewDense(3, 1, []float64{0.5, -1, 2}))
	x := mat.NewDense(3, 2, []float64{0.3, -0.7, 1.1, 0.2, -0.4, 0.9})
	// loss = sum(out * w)
	w := mat.NewDense(3, 2, []float64{1, -2, 0.5, 3, -1, 0.25})
	loss := func() float64 {
		var prod mat.Dense
		prod.MulElem(ln.Fork().Forward(x), w)
		return mat.Sum(&prod)
	}

	ln.Forward(x)
	dX := ln.Backward(w)

	const eps = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			lp := loss()
			x.Set(i, j, orig-eps)
			lm := loss()
			x.Set(i, j, orig)
			num := (lp - lm) / (2 * eps)
			require.InDelta(t, num, dX.At(i, j), 1e-5, "dX[%d,%d]", i, j)
		}
	}
	require.InDelta(t, -1, ln.Beta.G.At(0, 0), 1e-12)
}

func TestLearningRates(t *testing.T) {
	cfg := params.DefaultConfig()
	cfg.Epochs = 5
	cfg.LearningRate = 1e-3
	cfg.EndLearningRate = 1e-5

	cfg.Scheduler = params.LRLinear
	lrs := LearningRates(cfg)
	require.Len(t, lrs, 5)
	require.InDelta(t, 1e-3, lrs[0], 1e-15)
	require.InDelta(t, 1e-5, lrs[4], 1e-15)
	require.InDelta(t, (1e-3+1e-5)/2, lrs[2], 1e-12)

	cfg.Scheduler = params.LRLog
	lrs = LearningRates(cfg)
	require.InDelta(t, 1e-4, lrs[2], 1e-12)
	for i := 1; i < len(lrs); i++ {
		require.Less(t, lrs[i], lrs[i-1])
	}

	cfg.Scheduler = params.LRCosine
	cfg.CosineSubEpochs = 2
	lrs = LearningRates(cfg)
	require.InDelta(t, 1e-3, lrs[0], 1e-15)
	require.InDelta(t, (1e-3+1e-5)/2, lrs[1], 1e-12)
	require.InDelta(t, 1e-3, lrs[2], 1e-15)
	require.InDelta(t, 1e-3, lrs[4], 1e-15)

	cfg.EndLearningRate = cfg.LearningRate
	for _, lr := range LearningRates(cfg) {
		require.Equal(t, 1e-3, lr)
	}
	require.False(t, math.IsNaN(lrs[3]))
}
