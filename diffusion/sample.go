package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// GuidancePolicy fixes which examples take the guided path while sampling.
type GuidancePolicy int

const (
	GuidanceNone GuidancePolicy = iota
	GuidanceAll
)

// Sampler runs a bounded refinement loop: every iteration feeds the previous
// refined sequence back through the denoiser.
type Sampler struct {
	denoiser *Denoiser
	policy   GuidancePolicy
}

func NewSampler(d *Denoiser, policy GuidancePolicy) *Sampler {
	return &Sampler{denoiser: d, policy: policy}
}

// SampleResult holds the last refined sequences and the arg-max tokens of
// every iteration, indexed [step][example][position].
type SampleResult struct {
	Final  []*mat.Dense
	Logits []*mat.Dense
	Tokens [][][]int
}

// Sample refines start for steps iterations. Each start sequence is truncated
// to the length of its mask.
func (s *Sampler) Sample(start []*mat.Dense, image, text [][]float64, masks [][]bool, steps int) (*SampleResult, error) {
	if steps < 1 {
		return nil, &params.ConfigurationError{Field: "steps", Reason: fmt.Sprintf("sampling needs at least one step, got %d", steps)}
	}
	B := len(start)
	for name, n := range map[string]int{"image_vec": len(image), "text_vec": len(text), "mask": len(masks)} {
		if err := utils.CheckLen(name, "batch", n, B); err != nil {
			return nil, err
		}
	}
	current := make([]*mat.Dense, B)
	for b, x := range start {
		_, c := x.Dims()
		L := len(masks[b])
		if c < L {
			return nil, &utils.ShapeError{Tensor: fmt.Sprintf("start[%d]", b), Dim: "seq_len", Got: c, Want: L}
		}
		current[b] = utils.Columns(x, 0, L)
	}

	res := &SampleResult{Tokens: make([][][]int, 0, steps)}
	batch := make([]Example, B)
	for range steps {
		for b := range batch {
			batch[b] = Example{
				X:      current[b],
				Image:  image[b],
				Text:   text[b],
				Mask:   masks[b],
				Guided: s.policy == GuidanceAll,
			}
		}
		logits, refined, err := s.denoiser.Forward(batch)
		if err != nil {
			return nil, err
		}
		tokens := make([][]int, B)
		for b := range logits {
			tokens[b] = utils.ArgmaxColumns(logits[b])
		}
		res.Tokens = append(res.Tokens, tokens)
		res.Logits = logits
		current = refined
	}
	res.Final = current
	return res, nil
}

// NoiseStart draws n pure-noise sequences of (channel x cols).
func NoiseStart(src rand.Source, n, channel, cols int) []*mat.Dense {
	out := make([]*mat.Dense, n)
	for i := range out {
		out[i] = utils.GaussianDense(src, channel, cols)
	}
	return out
}

// CollapseRepeats drops consecutive duplicate tokens.
func CollapseRepeats(ids []int) []int {
	out := make([]int, 0, len(ids))
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}
