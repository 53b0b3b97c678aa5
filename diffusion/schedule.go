package diffusion

import (
	"fmt"
	"math"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"gonum.org/v1/gonum/floats"
)

// cosineOffset keeps the cosine schedule's leading variance away from zero.
const cosineOffset = 0.008

// NoiseSchedule holds alpha_cumprod: the fraction of the clean signal kept
// after t corruption steps. It is immutable after construction.
type NoiseSchedule struct {
	alphaCumprod []float64
}

// NewNoiseSchedule builds the schedule for steps diffusion steps.
func NewNoiseSchedule(steps int, mode params.ScheduleMode, betaMin, betaMax float64) (*NoiseSchedule, error) {
	if steps <= 0 {
		return nil, &params.ConfigurationError{Field: "steps", Reason: fmt.Sprintf("must be positive, got %d", steps)}
	}
	ac := make([]float64, steps)
	switch mode {
	case params.ScheduleCosine:
		f := func(t int) float64 {
			c := math.Cos(math.Pi / 2 * (float64(t)/float64(steps) + cosineOffset) / (1 + cosineOffset))
			return c * c
		}
		f0 := f(0)
		for t := range ac {
			ac[t] = f(t) / f0
		}
	case params.ScheduleLinear:
		if betaMin >= betaMax {
			return nil, &params.ConfigurationError{Field: "beta_min", Reason: fmt.Sprintf("%g must be below beta_max %g", betaMin, betaMax)}
		}
		betas := make([]float64, steps)
		if steps == 1 {
			betas[0] = betaMin
		} else {
			floats.Span(betas, betaMin, betaMax)
		}
		// step 0 is a dummy step with beta = 0
		alphas := make([]float64, steps)
		alphas[0] = 1
		for t := 1; t < steps; t++ {
			alphas[t] = 1 - betas[t-1]
		}
		floats.CumProd(ac, alphas)
	default:
		return nil, &params.ConfigurationError{Field: "schedule", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	return &NoiseSchedule{alphaCumprod: ac}, nil
}

// ScheduleFromConfig builds the schedule a run is configured with.
func ScheduleFromConfig(cfg params.TrainingConfig) (*NoiseSchedule, error) {
	return NewNoiseSchedule(cfg.Steps, cfg.Schedule, cfg.BetaMin, cfg.BetaMax)
}

// ScheduleFromValues restores a schedule saved in a checkpoint.
func ScheduleFromValues(ac []float64) (*NoiseSchedule, error) {
	if len(ac) == 0 {
		return nil, &params.ConfigurationError{Field: "steps", Reason: "empty schedule"}
	}
	for t := 1; t < len(ac); t++ {
		if ac[t] > ac[t-1] {
			return nil, &params.ConfigurationError{Field: "schedule", Reason: fmt.Sprintf("alpha_cumprod increases at step %d", t)}
		}
	}
	return &NoiseSchedule{alphaCumprod: append([]float64(nil), ac...)}, nil
}

func (s *NoiseSchedule) Steps() int {
	return len(s.alphaCumprod)
}

func (s *NoiseSchedule) AlphaCumprod(t int) float64 {
	return s.alphaCumprod[t]
}

// Values returns a copy of alpha_cumprod.
func (s *NoiseSchedule) Values() []float64 {
	return append([]float64(nil), s.alphaCumprod...)
}
