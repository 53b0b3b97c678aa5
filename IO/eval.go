package IO

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/zzduoYI/diffusion-image-captioning/diffusion"
	"github.com/zzduoYI/diffusion-image-captioning/params"
)

// Evaluator writes the post-training report of a model to its summary:
// a multi-step inference demo, the timestep sweep and BLEU-4 from noise.
type Evaluator struct {
	Cfg      params.TrainingConfig
	Model    *diffusion.Denoiser
	Diffuser *diffusion.Diffuser
	Dataset  *Dataset
	Out      *Summary
	Src      rand.Source
	Logger   *slog.Logger
	TopK     int
}

// EvalResult is the outcome of the BLEU pass.
type EvalResult struct {
	BLEU         float64 // mean of per-batch corpus BLEU-4
	EditDistance float64 // mean character distance to the closest reference
	Batches      int
	Best         []ScoredCaption
}

var ErrEmptyValidation = errors.New("validation set has no full batch")

// Run demos on the first validation example and scores the whole set.
func (e *Evaluator) Run(val *Loader) (EvalResult, error) {
	groups := val.Groups()
	if len(groups) == 0 {
		return EvalResult{}, ErrEmptyValidation
	}
	if err := e.Demo(groups[0][0]); err != nil {
		return EvalResult{}, fmt.Errorf("inference demo: %w", err)
	}
	return e.Score(groups)
}

// Demo corrupts ex to the last timestep and refines it for InferenceSteps
// iterations, then restores it once from every SweepStride-th timestep.
func (e *Evaluator) Demo(ex Example) error {
	tok := e.Dataset.Tokenizer
	if err := e.Out.Printf("origin text: %s\n", ex.Caption); err != nil {
		return err
	}
	x0, err := e.Model.Head().Lookup(ex.TokenIDs)
	if err != nil {
		return err
	}
	steps := e.Diffuser.Schedule().Steps()
	t := steps - 1
	if err := e.Out.Printf("t = %d\n", t); err != nil {
		return err
	}
	xt, err := e.Diffuser.Diffuse([]*mat.Dense{x0}, []int{t})
	if err != nil {
		return err
	}
	sampler := diffusion.NewSampler(e.Model, diffusion.GuidanceNone)
	res, err := sampler.Sample(xt, [][]float64{ex.ImageVec}, [][]float64{ex.TextVec}, [][]bool{ex.Mask}, e.Cfg.InferenceSteps)
	if err != nil {
		return err
	}
	for _, step := range res.Tokens {
		if err := e.Out.Printf("inferred: %s\n", tok.Decode(step[0])); err != nil {
			return err
		}
	}

	if err := e.Out.Printf("text t effectiveness\n"); err != nil {
		return err
	}
	for t := 1; t < steps; t += max(e.Cfg.SweepStride, 1) {
		xt, err := e.Diffuser.Diffuse([]*mat.Dense{x0}, []int{t})
		if err != nil {
			return err
		}
		res, err := sampler.Sample(xt, [][]float64{ex.ImageVec}, [][]float64{ex.TextVec}, [][]bool{ex.Mask}, 1)
		if err != nil {
			return err
		}
		if err := e.Out.Printf("t: %d restore: %s\n", t, tok.Decode(res.Tokens[0][0])); err != nil {
			return err
		}
	}
	return nil
}

// Score captions every batch from pure noise with the text feature zeroed
// and every position unmasked, and compares the collapsed arg-max captions
// with all reference captions of the same image.
func (e *Evaluator) Score(groups [][]Example) (EvalResult, error) {
	if len(groups) == 0 {
		return EvalResult{}, ErrEmptyValidation
	}
	tok := e.Dataset.Tokenizer
	channel := e.Model.Head().Channel()
	L := e.Cfg.SeqLen
	zeroText := make([]float64, e.Cfg.FeatureDim)
	fullMask := make([]bool, L)
	for i := range fullMask {
		fullMask[i] = true
	}
	sampler := diffusion.NewSampler(e.Model, diffusion.GuidanceNone)
	top := NewTopCaptions(e.TopK)

	var res EvalResult
	var dist, n float64
	for bi, group := range groups {
		B := len(group)
		image := make([][]float64, B)
		text := make([][]float64, B)
		masks := make([][]bool, B)
		for i, ex := range group {
			image[i] = ex.ImageVec
			text[i] = zeroText
			masks[i] = fullMask
		}
		out, err := sampler.Sample(diffusion.NoiseStart(e.Src, B, channel, L), image, text, masks, e.Cfg.EvalSteps)
		if err != nil {
			return EvalResult{}, fmt.Errorf("batch %d: %w", bi, err)
		}
		last := out.Tokens[len(out.Tokens)-1]
		hyps := make([]string, B)
		refs := make([][]string, B)
		for i, ex := range group {
			hyps[i] = tok.Decode(diffusion.CollapseRepeats(last[i]))
			refs[i] = e.Dataset.References(ex.Image)
			dist += float64(EditDistance(hyps[i], refs[i]))
			n++
			top.Offer(ScoredCaption{Image: ex.Image, Caption: hyps[i], Score: SentenceBLEU(hyps[i], refs[i], 4)})
		}
		score := CorpusBLEU(hyps, refs, 4)
		res.BLEU += score
		res.Batches++
		if e.Logger != nil {
			e.Logger.Debug("bleu batch", "batch", bi, "score", score)
		}
	}
	res.BLEU /= float64(res.Batches)
	res.EditDistance = dist / n
	res.Best = top.Sorted()
	if err := e.Out.Printf("BLEU-4 score: %v\n", res.BLEU); err != nil {
		return EvalResult{}, err
	}
	return res, nil
}
