package params

import "slices"

// Validate checks every enumerated option and numeric bound.
func (c TrainingConfig) Validate() error {
	if c.Steps <= 0 {
		return invalid("steps", "must be positive, got %d", c.Steps)
	}
	switch c.Schedule {
	case ScheduleCosine:
	case ScheduleLinear:
		if c.BetaMin >= c.BetaMax {
			return invalid("beta_min", "%g must be below beta_max %g", c.BetaMin, c.BetaMax)
		}
		if c.BetaMin < 0 || c.BetaMax >= 1 {
			return invalid("beta_max", "betas must lie in [0, 1), got [%g, %g]", c.BetaMin, c.BetaMax)
		}
	default:
		return invalid("schedule", "unknown mode %q", c.Schedule)
	}
	if c.SampleSize < 1 {
		return invalid("sample_size", "must be at least 1, got %d", c.SampleSize)
	}
	switch c.Prediction {
	case PredictClean:
	case PredictPrevious:
		if c.StepInterval < 1 {
			return invalid("step_interval", "must be at least 1 in %s mode, got %d", c.Prediction, c.StepInterval)
		}
	default:
		return invalid("prediction", "unknown mode %q", c.Prediction)
	}
	if !slices.Contains([]ConditioningMode{ConditionConcat, ConditionAdditive}, c.Conditioning) {
		return invalid("conditioning", "unknown mode %q", c.Conditioning)
	}
	if c.GuidanceWeight < 0 {
		return invalid("guidance_weight", "must not be negative, got %g", c.GuidanceWeight)
	}
	if c.GuidanceProb < 0 || c.GuidanceProb > 1 {
		return invalid("guidance_prob", "must lie in [0, 1], got %g", c.GuidanceProb)
	}
	if c.RoundingWeight < 0 {
		return invalid("rounding_weight", "must not be negative, got %g", c.RoundingWeight)
	}
	if !slices.Contains([]Reduction{ReduceSeriesSumSampleMean, ReduceSeriesSum, ReduceMSESeriesMean, ReduceMSESeriesSum}, c.Reduction) {
		return invalid("reduction", "unknown reduction %q", c.Reduction)
	}
	for name, v := range map[string]int{
		"feature_dim":     c.FeatureDim,
		"in_channel":      c.InChannel,
		"d_model":         c.DModel,
		"hidden_size":     c.HiddenSize,
		"num_heads":       c.NumHeads,
		"layers":          c.Layers,
		"vocab_size":      c.VocabSize,
		"batch_size":      c.BatchSize,
		"epochs":          c.Epochs,
		"inference_steps": c.InferenceSteps,
		"eval_steps":      c.EvalSteps,
		"sweep_stride":    c.SweepStride,
	} {
		if v <= 0 {
			return invalid(name, "must be positive, got %d", v)
		}
	}
	if c.DModel%c.NumHeads != 0 {
		return invalid("num_heads", "%d does not divide d_model %d", c.NumHeads, c.DModel)
	}
	if c.SeqLen < 2 {
		return invalid("seq_len", "must hold the start and end markers, got %d", c.SeqLen)
	}
	if c.LearningRate <= 0 || c.EndLearningRate <= 0 {
		return invalid("learning_rate", "rates must be positive, got %g -> %g", c.LearningRate, c.EndLearningRate)
	}
	switch c.Scheduler {
	case LRLinear, LRLog:
	case LRCosine:
		if c.CosineSubEpochs < 1 {
			return invalid("cosine_sub_epochs", "must be at least 1, got %d", c.CosineSubEpochs)
		}
	default:
		return invalid("scheduler", "unknown scheduler %q", c.Scheduler)
	}
	if c.TrainSetRatio <= 0 || c.TrainSetRatio >= 1 {
		return invalid("train_set_ratio", "must lie in (0, 1), got %g", c.TrainSetRatio)
	}
	if c.EarlyStopRatio <= 0 {
		return invalid("early_stop_ratio", "must be positive, got %g", c.EarlyStopRatio)
	}
	if !slices.Contains([]Precision{PrecisionF32, PrecisionF16, PrecisionBF16}, c.Precision) {
		return invalid("precision", "unknown precision %q", c.Precision)
	}
	if c.MaxTensorElements < 0 {
		return invalid("max_tensor_elements", "must not be negative, got %d", c.MaxTensorElements)
	}
	return nil
}
