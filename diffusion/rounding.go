package diffusion

import "github.com/zzduoYI/diffusion-image-captioning/params"

// Terms are the three components of the composite loss.
type Terms struct {
	Xt   float64
	X1   float64
	Prob float64
}

func (t Terms) Sum() float64 {
	return t.Xt + t.X1 + t.Prob
}

func (t Terms) Add(o Terms) Terms {
	return Terms{Xt: t.Xt + o.Xt, X1: t.X1 + o.X1, Prob: t.Prob + o.Prob}
}

func (t Terms) Scale(s float64) Terms {
	return Terms{Xt: t.Xt * s, X1: t.X1 * s, Prob: t.Prob * s}
}

// RoundingState is the mutable weight of the token probability term. With a
// positive coefficient the weight follows the ratio of the running
// reconstruction losses to the running probability loss.
type RoundingState struct {
	Weight      float64
	Coefficient float64
	Running     Terms
}

func NewRoundingState(cfg params.TrainingConfig) *RoundingState {
	return &RoundingState{Weight: cfg.RoundingWeight, Coefficient: cfg.DynamicCoefficient}
}

func (s *RoundingState) Dynamic() bool {
	return s.Coefficient > 0
}

// Observe adds one step's terms to the running sums and, when dynamic,
// recomputes the weight for the next step.
func (s *RoundingState) Observe(t Terms) {
	s.Running = s.Running.Add(t)
	if s.Dynamic() {
		s.Recompute()
	}
}

// Recompute sets Weight = coefficient · (xt + x1) / prob from the running
// sums. A zero probability sum leaves the weight unchanged.
func (s *RoundingState) Recompute() {
	if s.Running.Prob <= 0 {
		return
	}
	s.Weight = s.Coefficient * (s.Running.Xt + s.Running.X1) / s.Running.Prob
}

// Reset clears the running sums at the start of an epoch.
func (s *RoundingState) Reset() {
	s.Running = Terms{}
}
