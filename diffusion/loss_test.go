package diffusion

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/transformer"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// testBatch embeds two fixed captions with d's token table and corrupts them
// the way a training step does.
func testBatch(t *testing.T, cfg params.TrainingConfig, d *Denoiser, seed uint64) LossInput {
	t.Helper()
	rng := utils.NewRand(seed)
	ids := [][]int{{0, 4, 5, 1, 3}, {0, 2, 1, 3, 3}}
	masks := [][]bool{{true, true, true, true, false}, {true, true, true, false, false}}

	x0 := make([]*mat.Dense, len(ids))
	image := make([][]float64, len(ids))
	text := make([][]float64, len(ids))
	for b := range ids {
		var err error
		x0[b], err = d.Head().Lookup(ids[b])
		require.NoError(t, err)
		image[b] = utils.RandomArray(rng, cfg.FeatureDim, 1)
		text[b] = utils.RandomArray(rng, cfg.FeatureDim, 1)
	}

	s, err := ScheduleFromConfig(cfg)
	require.NoError(t, err)
	diff := NewDiffuser(s, cfg.InChannel, rng, 0)
	ts := SampleTimesteps(rng, cfg.SampleSize, cfg.Steps)
	xt, target, err := diff.GenerateDiffusePair(x0, ts, PreviousSteps(ts, cfg.StepInterval), cfg.Prediction)
	require.NoError(t, err)
	x1, err := diff.Diffuse(x0, []int{1})
	require.NoError(t, err)

	return LossInput{
		Xt:       xt,
		X1:       x1,
		Target:   target,
		X0:       x0,
		Image:    image,
		Text:     text,
		Mask:     masks,
		TokenIDs: ids,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func TestLossTermCombinations(t *testing.T) {
	for _, prediction := range []params.PredictionMode{params.PredictClean, params.PredictPrevious} {
		for combo := range 8 {
			cfg := tinyConfig()
			cfg.Prediction = prediction
			cfg.GuidanceWeight = 0.3
			cfg.UseXtLoss = combo&1 != 0
			cfg.UseX1Loss = combo&2 != 0
			cfg.UseProbLoss = combo&4 != 0
			name := fmt.Sprintf("%s/xt=%v,x1=%v,prob=%v", prediction, cfg.UseXtLoss, cfg.UseX1Loss, cfg.UseProbLoss)

			t.Run(name, func(t *testing.T) {
				d := newTestDenoiser(t, cfg)
				in := testBatch(t, cfg, d, 10)
				for _, train := range []bool{false, true} {
					e, err := NewLossEngine(cfg, NewRoundingState(cfg), utils.NewRand(11))
					require.NoError(t, err)
					terms, err := e.Compute(d, in, train)
					require.NoError(t, err)

					check := func(term string, enabled bool, v float64) {
						if !enabled {
							require.Zero(t, v, "%s disabled", term)
							return
						}
						require.True(t, finite(v), "%s = %v", term, v)
						require.GreaterOrEqual(t, v, 0.0, term)
					}
					check("x_t", cfg.UseXtLoss, terms.Xt)
					check("x_1", cfg.UseX1Loss, terms.X1)
					check("prob", cfg.UseProbLoss, terms.Prob)
				}

				var grads float64
				for _, p := range d.Params() {
					grads += utils.MatrixNorm(p.G)
				}
				if combo == 0 {
					require.Zero(t, grads)
				} else {
					require.Positive(t, grads)
				}
			})
		}
	}
}

// oracleBackbone ignores its input and returns target in the caption
// columns, as a perfect denoiser would.
type oracleBackbone struct {
	target *mat.Dense
}

func (o *oracleBackbone) Forward(x *mat.Dense, _ []bool) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	tr, tc := o.target.Dims()
	out.Slice(0, tr, 0, tc).(*mat.Dense).Copy(o.target)
	return out
}

func (o *oracleBackbone) Backward(dY *mat.Dense) *mat.Dense { return utils.ZerosLike(dY) }
func (o *oracleBackbone) Fork() Backbone                    { return o }
func (o *oracleBackbone) Params() []*optimizations.Param    { return nil }

func TestPerfectDenoiserHasZeroReconstructionLoss(t *testing.T) {
	for _, reduction := range []params.Reduction{params.ReduceSeriesSumSampleMean, params.ReduceMSESeriesSum} {
		cfg := tinyConfig()
		cfg.BatchSize = 1
		cfg.SampleSize = 3
		cfg.Reduction = reduction
		cfg.UseX1Loss = false
		cfg.UseProbLoss = false

		rng := utils.NewRand(12)
		e, err := NewLossEngine(cfg, NewRoundingState(cfg), rng)
		require.NoError(t, err)

		x0 := mat.NewDense(cfg.InChannel, 4, utils.RandomArray(rng, cfg.InChannel*4, 1))
		head := transformer.NewEmbedding(cfg.InChannel, cfg.VocabSize, rng)
		s, err := ScheduleFromConfig(cfg)
		require.NoError(t, err)
		xt, err := NewDiffuser(s, cfg.InChannel, rng, 0).Diffuse([]*mat.Dense{x0}, []int{9, 5, 2})
		require.NoError(t, err)
		in := LossInput{
			Xt:       xt,
			X0:       []*mat.Dense{x0},
			Image:    [][]float64{{1, 2, 3}},
			Text:     [][]float64{{3, 2, 1}},
			Mask:     [][]bool{{true, true, true, false}},
			TokenIDs: [][]int{{0, 4, 1, 3}},
		}

		oracle, err := NewDenoiser(cfg, &oracleBackbone{target: x0}, head, rng)
		require.NoError(t, err)
		for _, train := range []bool{false, true} {
			terms, err := e.Compute(oracle, in, train)
			require.NoError(t, err)
			require.Zero(t, terms.Xt, reduction)
		}

		blind, err := NewDenoiser(cfg, &oracleBackbone{target: mat.NewDense(cfg.InChannel, 4, nil)}, head, rng)
		require.NoError(t, err)
		terms, err := e.Compute(blind, in, false)
		require.NoError(t, err)
		require.Positive(t, terms.Xt, reduction)
	}
}

func TestLossInputShapeErrors(t *testing.T) {
	cfg := tinyConfig()
	d := newTestDenoiser(t, cfg)
	e, err := NewLossEngine(cfg, NewRoundingState(cfg), utils.NewRand(13))
	require.NoError(t, err)
	var se *utils.ShapeError

	in := testBatch(t, cfg, d, 14)
	in.TokenIDs = in.TokenIDs[:1]
	_, err = e.Compute(d, in, false)
	require.ErrorAs(t, err, &se)
	require.Equal(t, "token_ids", se.Tensor)

	in = testBatch(t, cfg, d, 14)
	in.Xt = in.Xt[:3]
	_, err = e.Compute(d, in, false)
	require.ErrorAs(t, err, &se)

	in = testBatch(t, cfg, d, 14)
	in.X1 = nil
	_, err = e.Compute(d, in, false)
	require.ErrorAs(t, err, &se)

	in = testBatch(t, cfg, d, 14)
	in.TokenIDs[1] = in.TokenIDs[1][:4]
	_, err = e.Compute(d, in, false)
	require.ErrorAs(t, err, &se)

	_, err = e.Compute(d, LossInput{}, false)
	require.ErrorAs(t, err, &se)

	for _, id := range []int{cfg.VocabSize, 99, -7} {
		in = testBatch(t, cfg, d, 14)
		in.TokenIDs[1][1] = id
		_, err = e.Compute(d, in, true)
		require.ErrorIs(t, err, ErrTokenID, "id %d", id)
	}
}

func TestGuidanceMask(t *testing.T) {
	cfg := tinyConfig()
	cfg.GuidanceWeight = 1
	cfg.GuidanceProb = 0.2
	e, err := NewLossEngine(cfg, NewRoundingState(cfg), utils.NewRand(15))
	require.NoError(t, err)

	mask := e.GuidanceMask(200)
	require.Len(t, mask, 200)
	require.False(t, mask[0])
	require.True(t, mask[1])
	guided := 0
	for _, g := range mask {
		if g {
			guided++
		}
	}
	require.InDelta(t, 160, guided, 30)
	require.Len(t, e.GuidanceMask(1), 1)

	cfg.GuidanceWeight = 0
	e, err = NewLossEngine(cfg, NewRoundingState(cfg), utils.NewRand(15))
	require.NoError(t, err)
	require.NotContains(t, e.GuidanceMask(10), true)
}

func TestDynamicRoundingWeight(t *testing.T) {
	s := &RoundingState{Weight: 1, Coefficient: 0.5, Running: Terms{Xt: 2, X1: 1, Prob: 3}}
	s.Recompute()
	require.InDelta(t, 0.5, s.Weight, 1e-12)

	cfg := tinyConfig()
	cfg.RoundingWeight = 1
	cfg.DynamicCoefficient = 0.5
	s = NewRoundingState(cfg)
	require.True(t, s.Dynamic())
	s.Observe(Terms{Xt: 2, X1: 1, Prob: 3})
	require.InDelta(t, 0.5, s.Weight, 1e-12)
	s.Observe(Terms{Xt: 2, X1: 1, Prob: 0})
	require.InDelta(t, 1, s.Weight, 1e-12)

	s.Reset()
	require.Equal(t, Terms{}, s.Running)
	s.Observe(Terms{Xt: 1})
	require.InDelta(t, 1, s.Weight, 1e-12, "zero probability sum keeps the weight")

	cfg.DynamicCoefficient = -1
	s = NewRoundingState(cfg)
	s.Observe(Terms{Xt: 2, X1: 1, Prob: 3})
	require.Equal(t, 1.0, s.Weight)
}

func TestTerms(t *testing.T) {
	a := Terms{Xt: 1, X1: 2, Prob: 3}
	require.Equal(t, 6.0, a.Sum())
	require.Equal(t, Terms{Xt: 2, X1: 4, Prob: 6}, a.Add(a))
	require.Equal(t, Terms{Xt: 0.5, X1: 1, Prob: 1.5}, a.Scale(0.5))
}

func TestReductions(t *testing.T) {
	target := mat.NewDense(3, 2, nil)
	pred := mat.NewDense(3, 2, []float64{1, 1, 1, 1, 1, 1})

	red, err := NewReduction(params.ReduceSeriesSumSampleMean, 4, 5)
	require.NoError(t, err)
	l, g := red.Example(pred, target)
	require.Equal(t, 6.0, l)
	require.Equal(t, 6.0, mat.Sum(g))
	require.Equal(t, 1.0/12, red.Normalizer(4, 3))
	require.True(t, red.PerExample())

	red, err = NewReduction(params.ReduceSeriesSum, 4, 5)
	require.NoError(t, err)
	require.Equal(t, 1.0/60, red.Normalizer(100, 3))
	require.False(t, red.PerExample())

	red, err = NewReduction(params.ReduceMSESeriesMean, 4, 5)
	require.NoError(t, err)
	l, g = red.Example(pred, target)
	require.InDelta(t, math.Sqrt(6), l, 1e-12)
	require.InDelta(t, 1/math.Sqrt(6), g.At(2, 1), 1e-12)
	require.Equal(t, 0.25, red.Normalizer(4, 3))
	l, g = red.Example(target, target)
	require.Zero(t, l)
	require.Zero(t, mat.Sum(g))

	red, err = NewReduction(params.ReduceMSESeriesSum, 4, 5)
	require.NoError(t, err)
	require.Equal(t, 0.25, red.Normalizer(100, 3))

	_, err = NewReduction("max", 4, 5)
	var ce *params.ConfigurationError
	require.ErrorAs(t, err, &ce)
}
