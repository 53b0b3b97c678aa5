package params

import (
	"fmt"
	"strings"
)

type ScheduleMode string

const (
	ScheduleCosine ScheduleMode = "cosine"
	ScheduleLinear ScheduleMode = "linear"
)

// PredictionMode selects what the denoiser is trained to reconstruct.
type PredictionMode string

const (
	PredictClean    PredictionMode = "x0"
	PredictPrevious PredictionMode = "previous"
)

// ConditioningMode selects how the image and text features reach the encoder.
type ConditioningMode string

const (
	ConditionConcat   ConditioningMode = "concat"
	ConditionAdditive ConditioningMode = "add"
)

type Reduction string

const (
	ReduceSeriesSumSampleMean Reduction = "series_sum_sample_mean"
	ReduceSeriesSum           Reduction = "series_sum"
	ReduceMSESeriesMean       Reduction = "mse_series_mean"
	ReduceMSESeriesSum        Reduction = "mse_series_sum"
)

type LRScheduler string

const (
	LRLinear LRScheduler = "linear"
	LRLog    LRScheduler = "log"
	LRCosine LRScheduler = "cosine"
)

// Precision is the storage format of parameters inside a checkpoint.
type Precision string

const (
	PrecisionF32  Precision = "f32"
	PrecisionF16  Precision = "f16"
	PrecisionBF16 Precision = "bf16"
)

type TrainingConfig struct {
	// Diffusion process
	Steps        int            `json:"steps"` // T
	Schedule     ScheduleMode   `json:"schedule"`
	BetaMin      float64        `json:"beta_min"`
	BetaMax      float64        `json:"beta_max"`
	SampleSize   int            `json:"sample_size"` // S, noisy draws per example
	Prediction   PredictionMode `json:"prediction"`
	StepInterval int            `json:"step_interval"` // distance to the previous-step target

	// Conditioning and guidance
	Conditioning   ConditioningMode `json:"conditioning"`
	FeatureDim     int              `json:"feature_dim"` // width of image/text feature vectors
	GuidanceWeight float64          `json:"guidance_weight"`
	GuidanceProb   float64          `json:"guidance_prob"`

	// Composite loss
	RoundingWeight     float64   `json:"rounding_weight"`
	DynamicCoefficient float64   `json:"dynamic_coefficient"` // <=0 keeps the rounding weight static
	UseXtLoss          bool      `json:"use_xt_loss"`
	UseX1Loss          bool      `json:"use_x1_loss"`
	UseProbLoss        bool      `json:"use_prob_loss"`
	Reduction          Reduction `json:"reduction"`

	// Encoder
	InChannel  int `json:"in_channel"` // token embedding width
	DModel     int `json:"d_model"`    // encoder width
	HiddenSize int `json:"hidden_size"`
	NumHeads   int `json:"num_heads"`
	Layers     int `json:"layers"`
	VocabSize  int `json:"vocab_size"`
	SeqLen     int `json:"seq_len"` // max caption length, including start/end markers

	// Optimization
	LearningRate    float64     `json:"learning_rate"`
	EndLearningRate float64     `json:"end_learning_rate"`
	Scheduler       LRScheduler `json:"scheduler"`
	CosineSubEpochs int         `json:"cosine_sub_epochs"`
	AdamBeta1       float64     `json:"adam_beta1"`
	AdamBeta2       float64     `json:"adam_beta2"`
	AdamEps         float64     `json:"adam_eps"`
	WeightDecay     float64     `json:"weight_decay"`
	GradClip        float64     `json:"grad_clip"` // <=0 disables

	// Run
	Epochs            int       `json:"epochs"`
	EarlyStopRatio    float64   `json:"early_stop_ratio"`
	BatchSize         int       `json:"batch_size"`
	TrainSetRatio     float64   `json:"train_set_ratio"`
	Seed              uint64    `json:"seed"`
	MaxTensorElements int       `json:"max_tensor_elements"` // 0 = unlimited
	Precision         Precision `json:"precision"`

	// Evaluation
	InferenceSteps int `json:"inference_steps"` // refinement loop length for the demo run
	EvalSteps      int `json:"eval_steps"`      // refinement loop length for BLEU
	SweepStride    int `json:"sweep_stride"`
}

func DefaultConfig() TrainingConfig {
	return TrainingConfig{
		Steps:        1000,
		Schedule:     ScheduleCosine,
		BetaMin:      0.0001,
		BetaMax:      0.02,
		SampleSize:   100,
		Prediction:   PredictClean,
		StepInterval: 100,

		Conditioning:   ConditionConcat,
		FeatureDim:     512,
		GuidanceWeight: 0,
		GuidanceProb:   0.2,

		RoundingWeight:     0.5,
		DynamicCoefficient: -1,
		UseXtLoss:          true,
		UseX1Loss:          true,
		UseProbLoss:        true,
		Reduction:          ReduceSeriesSumSampleMean,

		InChannel:  768,
		DModel:     768,
		HiddenSize: 3072,
		NumHeads:   12,
		Layers:     6,
		VocabSize:  30522,
		SeqLen:     16,

		LearningRate:    1e-4,
		EndLearningRate: 5e-5,
		Scheduler:       LRLinear,
		CosineSubEpochs: 5,
		AdamBeta1:       0.9,
		AdamBeta2:       0.999,
		AdamEps:         1e-8,
		WeightDecay:     0.01,
		GradClip:        1.0,

		Epochs:         5,
		EarlyStopRatio: 1.05,
		BatchSize:      8,
		TrainSetRatio:  0.8,
		Seed:           1,
		Precision:      PrecisionF32,

		InferenceSteps: 10,
		EvalSteps:      5,
		SweepStride:    100,
	}
}

// ModelName is the trial name shared by every artifact of a run.
func (c TrainingConfig) ModelName() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s_%s_lr%g-%g_%s_ep%d_es%g", c.Conditioning, c.Scheduler, c.LearningRate, c.EndLearningRate, c.Schedule, c.Epochs, c.EarlyStopRatio)
	if c.DynamicCoefficient > 0 {
		fmt.Fprintf(&sb, "_dyn%g", c.DynamicCoefficient)
	} else {
		fmt.Fprintf(&sb, "_round%g", c.RoundingWeight)
	}
	if c.GuidanceWeight > 0 {
		fmt.Fprintf(&sb, "_cfg%g-%g", c.GuidanceWeight, c.GuidanceProb)
	}
	fmt.Fprintf(&sb, "_%s_%s", c.Prediction, c.Reduction)
	if !c.UseXtLoss {
		sb.WriteString("_noxt")
	}
	if !c.UseX1Loss {
		sb.WriteString("_nox1")
	}
	if !c.UseProbLoss {
		sb.WriteString("_noprob")
	}
	return sb.String()
}

// HeadSize is the per-head width of the encoder attention.
func (c TrainingConfig) HeadSize() int {
	return c.DModel / c.NumHeads
}
