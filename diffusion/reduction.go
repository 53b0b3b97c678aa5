package diffusion

import (
	"fmt"
	"math"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"gonum.org/v1/gonum/mat"
)

// Reduction turns per-example reconstruction errors into one loss value.
// The mean family averages per-example losses; the sum family divides the
// global total by the batch size.
type Reduction interface {
	// Example returns the unnormalized loss of one prediction and
	// d loss / d pred.
	Example(pred, target *mat.Dense) (float64, *mat.Dense)
	// Normalizer scales the sum over n examples of channel rows.
	Normalizer(n, channel int) float64
	// PerExample reports whether the token term is averaged over examples
	// instead of divided by the batch size.
	PerExample() bool
}

// NewReduction returns the strategy for kind.
func NewReduction(kind params.Reduction, batchSize, sampleSize int) (Reduction, error) {
	switch kind {
	case params.ReduceSeriesSumSampleMean:
		return absMean{}, nil
	case params.ReduceSeriesSum:
		return absSum{batch: batchSize, samples: sampleSize}, nil
	case params.ReduceMSESeriesMean:
		return normMean{}, nil
	case params.ReduceMSESeriesSum:
		return normSum{batch: batchSize}, nil
	default:
		return nil, &params.ConfigurationError{Field: "reduction", Reason: fmt.Sprintf("unknown reduction %q", kind)}
	}
}

// absError sums |pred - target| over the whole sequence.
func absError(pred, target *mat.Dense) (float64, *mat.Dense) {
	r, c := pred.Dims()
	grad := mat.NewDense(r, c, nil)
	loss := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			diff := pred.At(i, j) - target.At(i, j)
			loss += math.Abs(diff)
			switch {
			case diff > 0:
				grad.Set(i, j, 1)
			case diff < 0:
				grad.Set(i, j, -1)
			}
		}
	}
	return loss, grad
}

// normError is the Euclidean norm of pred - target over the whole sequence.
func normError(pred, target *mat.Dense) (float64, *mat.Dense) {
	var diff mat.Dense
	diff.Sub(pred, target)
	n := mat.Norm(&diff, 2)
	if n == 0 {
		r, c := pred.Dims()
		return 0, mat.NewDense(r, c, nil)
	}
	diff.Scale(1/n, &diff)
	return n, &diff
}

// absMean sums absolute errors over the sequence and averages over
// examples and channels.
type absMean struct{}

func (absMean) Example(pred, target *mat.Dense) (float64, *mat.Dense) { return absError(pred, target) }
func (absMean) Normalizer(n, channel int) float64                     { return 1 / float64(n*channel) }
func (absMean) PerExample() bool                                      { return true }

// absSum divides the global absolute error by batch, channel and sample size.
type absSum struct{ batch, samples int }

func (absSum) Example(pred, target *mat.Dense) (float64, *mat.Dense) { return absError(pred, target) }
func (r absSum) Normalizer(_, channel int) float64 {
	return 1 / float64(r.batch*channel*r.samples)
}
func (absSum) PerExample() bool { return false }

// normMean averages the per-example error norm.
type normMean struct{}

func (normMean) Example(pred, target *mat.Dense) (float64, *mat.Dense) { return normError(pred, target) }
func (normMean) Normalizer(n, _ int) float64                            { return 1 / float64(n) }
func (normMean) PerExample() bool                                       { return true }

// normSum divides the summed error norms by the batch size.
type normSum struct{ batch int }

func (normSum) Example(pred, target *mat.Dense) (float64, *mat.Dense) { return normError(pred, target) }
func (r normSum) Normalizer(_, _ int) float64                          { return 1 / float64(r.batch) }
func (normSum) PerExample() bool                                       { return false }
