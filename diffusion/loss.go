package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// LossInput is one batch prepared for the composite loss. Xt and Target are
// sample-major with len(Xt) = S·B; everything else has one entry per example.
type LossInput struct {
	Xt       []*mat.Dense
	X1       []*mat.Dense
	Target   []*mat.Dense // step-prediction targets, unused when predicting x0
	X0       []*mat.Dense
	Image    [][]float64
	Text     [][]float64
	Mask     [][]bool
	TokenIDs [][]int
}

// LossEngine computes the reconstruction terms at t and t = 1 and the token
// probability term weighted by the rounding state.
type LossEngine struct {
	useXt, useX1, useProb bool
	prediction            params.PredictionMode
	guidanceWeight        float64
	guidanceProb          float64

	reduction Reduction
	rounding  *RoundingState
	rng       *rand.Rand
}

func NewLossEngine(cfg params.TrainingConfig, rounding *RoundingState, rng *rand.Rand) (*LossEngine, error) {
	red, err := NewReduction(cfg.Reduction, cfg.BatchSize, cfg.SampleSize)
	if err != nil {
		return nil, err
	}
	return &LossEngine{
		useXt:          cfg.UseXtLoss,
		useX1:          cfg.UseX1Loss,
		useProb:        cfg.UseProbLoss,
		prediction:     cfg.Prediction,
		guidanceWeight: cfg.GuidanceWeight,
		guidanceProb:   cfg.GuidanceProb,
		reduction:      red,
		rounding:       rounding,
		rng:            rng,
	}, nil
}

func (e *LossEngine) Rounding() *RoundingState {
	return e.rounding
}

// GuidanceMask draws the per-example guidance flags for a training pass of n
// examples. Example 0 is always unguided and example 1 always guided so both
// paths are exercised every step. With a zero weight nothing is guided.
func (e *LossEngine) GuidanceMask(n int) []bool {
	mask := make([]bool, n)
	if e.guidanceWeight <= 0 {
		return mask
	}
	for i := range mask {
		mask[i] = e.rng.Float64() > e.guidanceProb
	}
	if n > 0 {
		mask[0] = false
	}
	if n > 1 {
		mask[1] = true
	}
	return mask
}

func (e *LossEngine) validate(in LossInput, vocab int) error {
	B := len(in.X0)
	if B == 0 {
		return &utils.ShapeError{Tensor: "x0", Dim: "batch", Got: 0, Want: 1}
	}
	for _, c := range []struct {
		name string
		n    int
	}{
		{"image_vec", len(in.Image)},
		{"text_vec", len(in.Text)},
		{"mask", len(in.Mask)},
		{"token_ids", len(in.TokenIDs)},
	} {
		if err := utils.CheckLen(c.name, "batch", c.n, B); err != nil {
			return err
		}
	}
	if e.useXt || e.useProb {
		if len(in.Xt) == 0 || len(in.Xt)%B != 0 {
			return &utils.ShapeError{Tensor: "x_t", Dim: "samples*batch", Got: len(in.Xt), Want: B}
		}
		if e.useXt && e.prediction == params.PredictPrevious {
			if err := utils.CheckLen("x_target", "samples*batch", len(in.Target), len(in.Xt)); err != nil {
				return err
			}
		}
	}
	if e.useX1 || e.useProb {
		if err := utils.CheckLen("x_1", "batch", len(in.X1), B); err != nil {
			return err
		}
	}
	for b, ids := range in.TokenIDs {
		if err := utils.CheckLen(fmt.Sprintf("token_ids[%d]", b), "seq_len", len(ids), len(in.Mask[b])); err != nil {
			return err
		}
		for i, id := range ids {
			if id < 0 || id >= vocab {
				return fmt.Errorf("token_ids[%d][%d] = %d, vocabulary has %d: %w", b, i, id, vocab, ErrTokenID)
			}
		}
	}
	return nil
}

// pass describes one run of the denoiser over a set of corrupted inputs.
type pass struct {
	inputs    []*mat.Dense
	guided    []bool
	target    func(j int) *mat.Dense
	recon     bool
	reconNorm float64
	probNorm  float64
}

// Compute returns the three loss terms. With train set every example's
// gradient is accumulated into the denoiser parameters; the caller owns the
// optimizer step. Disabled terms are exactly zero.
func (e *LossEngine) Compute(d *Denoiser, in LossInput, train bool) (Terms, error) {
	if err := e.validate(in, d.Head().VocabSize()); err != nil {
		return Terms{}, err
	}
	B := len(in.X0)
	channel := d.channel
	var terms Terms
	var probXt, probX1 float64

	if e.useXt || e.useProb {
		n := len(in.Xt)
		p := pass{
			inputs:    in.Xt,
			guided:    e.GuidanceMask(n),
			recon:     e.useXt,
			reconNorm: e.reduction.Normalizer(n, channel),
			probNorm:  e.probNormalizer(n, B),
			target: func(j int) *mat.Dense {
				if e.prediction == params.PredictPrevious {
					return in.Target[j]
				}
				return in.X0[j%B]
			},
		}
		recon, prob, err := e.run(d, in, p, train)
		if err != nil {
			return Terms{}, fmt.Errorf("x_t pass: %w", err)
		}
		terms.Xt = recon
		probXt = prob
	}

	if e.useX1 || e.useProb {
		p := pass{
			inputs:    in.X1,
			guided:    make([]bool, B),
			recon:     e.useX1,
			reconNorm: e.reduction.Normalizer(B, channel),
			probNorm:  e.probNormalizer(B, B),
			target:    func(j int) *mat.Dense { return in.X0[j] },
		}
		recon, prob, err := e.run(d, in, p, train)
		if err != nil {
			return Terms{}, fmt.Errorf("x_1 pass: %w", err)
		}
		terms.X1 = recon
		probX1 = prob
	}

	if e.useProb {
		terms.Prob = e.rounding.Weight * (probXt + probX1)
	}
	return terms, nil
}

func (e *LossEngine) probNormalizer(n, batch int) float64 {
	if e.reduction.PerExample() {
		return 1 / float64(n)
	}
	return 1 / float64(batch)
}

func (e *LossEngine) example(in LossInput, p pass, j int) Example {
	b := j % len(in.X0)
	return Example{
		X:      p.inputs[j],
		Image:  in.Image[b],
		Text:   in.Text[b],
		Mask:   in.Mask[b],
		Guided: p.guided[j],
	}
}

// run returns the normalized reconstruction loss and the normalized,
// unweighted token negative log-likelihood of one pass.
func (e *LossEngine) run(d *Denoiser, in LossInput, p pass, train bool) (recon, prob float64, err error) {
	B := len(in.X0)
	score := func(j int, logits, refined *mat.Dense) (dLogits, dRefined *mat.Dense, err error) {
		if p.recon {
			target := p.target(j)
			if err := utils.CheckDims("x_target", target, d.channel, numCols(refined)); err != nil {
				return nil, nil, err
			}
			l, g := e.reduction.Example(refined, target)
			recon += l * p.reconNorm
			g.Scale(p.reconNorm, g)
			dRefined = g
		}
		if e.useProb {
			l, g := utils.CrossEntropyColumns(logits, in.TokenIDs[j%B])
			prob += l * p.probNorm
			g.Scale(p.probNorm*e.rounding.Weight, g)
			dLogits = g
		}
		return dLogits, dRefined, nil
	}

	if !train {
		batch := make([]Example, len(p.inputs))
		for j := range batch {
			batch[j] = e.example(in, p, j)
		}
		logits, refined, err := d.Forward(batch)
		if err != nil {
			return 0, 0, err
		}
		for j := range batch {
			if _, _, err := score(j, logits[j], refined[j]); err != nil {
				return 0, 0, err
			}
		}
		return recon, prob, nil
	}

	for j := range p.inputs {
		pred, err := d.Denoise(e.example(in, p, j))
		if err != nil {
			return 0, 0, err
		}
		dLogits, dRefined, err := score(j, pred.Logits, pred.Refined)
		if err != nil {
			return 0, 0, err
		}
		pred.Backward(dLogits, dRefined)
	}
	return recon, prob, nil
}

func numCols(m *mat.Dense) int {
	_, c := m.Dims()
	return c
}
