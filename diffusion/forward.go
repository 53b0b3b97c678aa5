package diffusion

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrTimestep is returned for diffusion steps outside [0, T).
var ErrTimestep = errors.New("timestep out of range")

// ErrTokenID marks a ground-truth token id outside the vocabulary.
var ErrTokenID = errors.New("token id out of vocabulary range")

// Diffuser corrupts clean sequences with the forward process
// x_t = sqrt(ac[t]) x0 + sqrt(1 - ac[t]) eps.
type Diffuser struct {
	schedule *NoiseSchedule
	channel  int
	src      rand.Source
	budget   int
}

// NewDiffuser expects sequences of channel rows. maxElements bounds the size
// of one Diffuse call; 0 disables the bound.
func NewDiffuser(s *NoiseSchedule, channel int, src rand.Source, maxElements int) *Diffuser {
	return &Diffuser{schedule: s, channel: channel, src: src, budget: maxElements}
}

func (d *Diffuser) Schedule() *NoiseSchedule {
	return d.schedule
}

func (d *Diffuser) checkInputs(x0 []*mat.Dense, ts []int) (int, error) {
	if len(x0) == 0 {
		return 0, &utils.ShapeError{Tensor: "x0", Dim: "batch", Got: 0, Want: 1}
	}
	if len(ts) == 0 {
		return 0, &utils.ShapeError{Tensor: "t", Dim: "samples", Got: 0, Want: 1}
	}
	_, L := x0[0].Dims()
	for b, x := range x0 {
		if err := utils.CheckDims(fmt.Sprintf("x0[%d]", b), x, d.channel, L); err != nil {
			return 0, err
		}
	}
	for _, t := range ts {
		if t < 0 || t >= d.schedule.Steps() {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrTimestep, t, d.schedule.Steps())
		}
	}
	return L, utils.CheckBudget("diffuse", len(ts)*len(x0)*d.channel*L, d.budget)
}

// Diffuse draws one independent noisy copy of every example per timestep.
// The result is ordered sample-major: out[i*len(x0)+b] is x0[b] at ts[i].
func (d *Diffuser) Diffuse(x0 []*mat.Dense, ts []int) ([]*mat.Dense, error) {
	L, err := d.checkInputs(x0, ts)
	if err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, 0, len(ts)*len(x0))
	for _, t := range ts {
		ac := d.schedule.AlphaCumprod(t)
		mean, std := math.Sqrt(ac), math.Sqrt(1-ac)
		for _, x := range x0 {
			xt := utils.GaussianDense(d.src, d.channel, L)
			xt.Scale(std, xt)
			utils.AddScaled(xt, mean, x)
			out = append(out, xt)
		}
	}
	return out, nil
}

// GenerateDiffusePair returns the corrupted inputs at ts and the matching
// training targets: x0 itself in predict-clean mode, or x0 diffused to tNext
// in predict-previous mode. Both slices are sample-major.
func (d *Diffuser) GenerateDiffusePair(x0 []*mat.Dense, ts, tNext []int, mode params.PredictionMode) (input, target []*mat.Dense, err error) {
	input, err = d.Diffuse(x0, ts)
	if err != nil {
		return nil, nil, err
	}
	switch mode {
	case params.PredictClean:
		target = make([]*mat.Dense, len(input))
		for i := range target {
			target[i] = x0[i%len(x0)]
		}
	case params.PredictPrevious:
		if err := utils.CheckLen("t_next", "samples", len(tNext), len(ts)); err != nil {
			return nil, nil, err
		}
		if target, err = d.Diffuse(x0, tNext); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, &params.ConfigurationError{Field: "prediction", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	return input, target, nil
}

// PreviousSteps returns max(t - interval, 0) for every t.
func PreviousSteps(ts []int, interval int) []int {
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = max(t-interval, 0)
	}
	return out
}

// SampleTimesteps draws n steps uniformly from [0, steps).
func SampleTimesteps(rng *rand.Rand, n, steps int) []int {
	ts := make([]int, n)
	for i := range ts {
		ts[i] = rng.IntN(steps)
	}
	return ts
}
