package optimizations

import (
	"math"

	"github.com/zzduoYI/diffusion-image-captioning/params"
	"gonum.org/v1/gonum/floats"
)

// LearningRates precomputes the learning rate of every epoch.
func LearningRates(cfg params.TrainingConfig) []float64 {
	n := cfg.Epochs
	lrs := make([]float64, n)
	start, end := cfg.LearningRate, cfg.EndLearningRate
	if start == end || n == 0 {
		for i := range lrs {
			lrs[i] = start
		}
		return lrs
	}
	if n == 1 {
		lrs[0] = start
		return lrs
	}
	switch cfg.Scheduler {
	case params.LRLog:
		floats.LogSpan(lrs, start, end)
	case params.LRCosine:
		sub := cfg.CosineSubEpochs
		for e := range lrs {
			k := float64(e % sub)
			lrs[e] = end + (start-end)*(1+math.Cos(k/float64(sub)*math.Pi))/2
		}
	default:
		floats.Span(lrs, start, end)
	}
	return lrs
}
