package training

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/zzduoYI/diffusion-image-captioning/diffusion"
	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// Batch is one collated group of examples.
type Batch struct {
	TokenIDs [][]int
	Masks    [][]bool
	Image    [][]float64
	Text     [][]float64
}

func (b Batch) Len() int {
	return len(b.TokenIDs)
}

// BatchSource yields the batches of one epoch. Sources may reshuffle on
// every call.
type BatchSource interface {
	Batches() []Batch
}

// EpochReport summarizes one finished epoch. Train and Validation are
// averages over their batches.
type EpochReport struct {
	Epoch          int
	LearningRate   float64
	Train          diffusion.Terms
	Validation     diffusion.Terms
	RoundingWeight float64
	EarlyStop      bool // this epoch crossed the early-stop threshold
	FirstStop      bool // and it was the first one to do so
	Duration       time.Duration
}

// Reporter receives every epoch report, e.g. the text summary or the run history.
type Reporter interface {
	ReportEpoch(EpochReport) error
}

// Checkpointer persists the trainer state. reason is "early-stop" or "final".
type Checkpointer func(t *Trainer, epoch int, reason string) error

var ErrNoBatches = errors.New("no batches")

// Trainer drives epochs over the composite loss, the per-epoch learning
// rate and the save-once early stop.
type Trainer struct {
	cfg      params.TrainingConfig
	model    *diffusion.Denoiser
	diffuser *diffusion.Diffuser
	loss     *diffusion.LossEngine
	opt      *optimizations.AdamW
	lrs      []float64
	rng      *rand.Rand
	logger   *slog.Logger

	reporters  []Reporter
	checkpoint Checkpointer

	phase        Phase
	earlyStopped bool
	startEpoch   int
	epoch        int
}

type Option func(*Trainer)

func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

func WithReporter(r Reporter) Option {
	return func(t *Trainer) { t.reporters = append(t.reporters, r) }
}

func WithCheckpointer(c Checkpointer) Option {
	return func(t *Trainer) { t.checkpoint = c }
}

// New wires a trainer for model. rounding is shared with the loss engine and
// is the only state mutated between steps.
func New(cfg params.TrainingConfig, model *diffusion.Denoiser, schedule *diffusion.NoiseSchedule, rounding *diffusion.RoundingState, rng *rand.Rand, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loss, err := diffusion.NewLossEngine(cfg, rounding, rng)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:      cfg,
		model:    model,
		diffuser: diffusion.NewDiffuser(schedule, cfg.InChannel, rng, cfg.MaxTensorElements),
		loss:     loss,
		opt: &optimizations.AdamW{
			LR:          cfg.LearningRate,
			Beta1:       cfg.AdamBeta1,
			Beta2:       cfg.AdamBeta2,
			Eps:         cfg.AdamEps,
			WeightDecay: cfg.WeightDecay,
			GradClip:    cfg.GradClip,
		},
		lrs:    optimizations.LearningRates(cfg),
		rng:    rng,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Resume continues a run that stopped after epoch (exclusive) with the
// given optimizer step count and early-stop flag.
func (t *Trainer) Resume(epoch, adamSteps int, earlyStopped bool) {
	t.startEpoch = epoch
	t.opt.T = adamSteps
	t.earlyStopped = earlyStopped
}

func (t *Trainer) Phase() Phase               { return t.phase }
func (t *Trainer) EarlyStopped() bool         { return t.earlyStopped }
func (t *Trainer) Epoch() int                 { return t.epoch }
func (t *Trainer) OptimizerSteps() int        { return t.opt.T }
func (t *Trainer) Model() *diffusion.Denoiser { return t.model }
func (t *Trainer) Diffuser() *diffusion.Diffuser {
	return t.diffuser
}
func (t *Trainer) Rounding() *diffusion.RoundingState {
	return t.loss.Rounding()
}

// Run trains for the configured epochs and returns every epoch report.
func (t *Trainer) Run(train, val BatchSource) ([]EpochReport, error) {
	t.phase = PhaseInitializing
	ps := t.model.Params()
	t.logger.Info("start training", "model", t.cfg.ModelName(), "params", len(ps), "epochs", t.cfg.Epochs, "from", t.startEpoch)

	var reports []EpochReport
	for e := t.startEpoch; e < t.cfg.Epochs; e++ {
		t.epoch = e
		start := time.Now()
		t.phase = PhaseTrainingEpoch
		lr := t.lrs[e]
		t.opt.SetLearningRate(lr)
		t.loss.Rounding().Reset()

		batches := train.Batches()
		if len(batches) == 0 {
			return reports, fmt.Errorf("epoch %d: training set: %w", e, ErrNoBatches)
		}
		var acc diffusion.Terms
		for i, b := range batches {
			terms, err := t.step(b, true)
			if err != nil {
				return reports, fmt.Errorf("epoch %d batch %d: %w", e, i, err)
			}
			if scale := t.opt.Step(ps); scale < 1 {
				utils.Trace("clipped gradients", "epoch", e, "batch", i, "scale", scale)
			}
			acc = acc.Add(terms)
			t.loss.Rounding().Observe(terms)
			t.logger.Debug("batch", "epoch", e, "batch", i, "x_t", terms.Xt, "x_1", terms.X1, "prob", terms.Prob, "rounding", t.loss.Rounding().Weight)
		}
		trainAvg := acc.Scale(1 / float64(len(batches)))

		t.phase = PhaseValidating
		valAvg, err := t.Validate(val)
		if err != nil {
			return reports, fmt.Errorf("epoch %d validation: %w", e, err)
		}

		report := EpochReport{
			Epoch:          e,
			LearningRate:   lr,
			Train:          trainAvg,
			Validation:     valAvg,
			RoundingWeight: t.loss.Rounding().Weight,
		}
		if valAvg.Sum() > t.cfg.EarlyStopRatio*trainAvg.Sum() {
			report.EarlyStop = true
			if !t.earlyStopped {
				report.FirstStop = true
				t.logger.Info("early stop", "epoch", e, "validation", valAvg.Sum(), "train", trainAvg.Sum())
				if err := t.save(e, "early-stop"); err != nil {
					return reports, err
				}
			}
			t.earlyStopped = true
		}
		report.Duration = time.Since(start)
		for _, r := range t.reporters {
			if err := r.ReportEpoch(report); err != nil {
				return reports, fmt.Errorf("report epoch %d: %w", e, err)
			}
		}
		reports = append(reports, report)
		t.logger.Info("epoch", "epoch", e, "lr", lr,
			"x_t", trainAvg.Xt, "x_1", trainAvg.X1, "prob", trainAvg.Prob,
			"val_x_t", valAvg.Xt, "val_x_1", valAvg.X1, "val_prob", valAvg.Prob,
			"elapsed", report.Duration)
	}

	if t.earlyStopped {
		t.phase = PhaseEarlyStopped
		return reports, nil
	}
	if err := t.save(t.cfg.Epochs-1, "final"); err != nil {
		return reports, err
	}
	t.phase = PhaseCompleted
	return reports, nil
}

// Validate averages the loss terms over val without touching gradients.
func (t *Trainer) Validate(val BatchSource) (diffusion.Terms, error) {
	batches := val.Batches()
	if len(batches) == 0 {
		return diffusion.Terms{}, fmt.Errorf("validation set: %w", ErrNoBatches)
	}
	var acc diffusion.Terms
	for i, b := range batches {
		terms, err := t.step(b, false)
		if err != nil {
			return diffusion.Terms{}, fmt.Errorf("batch %d: %w", i, err)
		}
		acc = acc.Add(terms)
	}
	return acc.Scale(1 / float64(len(batches))), nil
}

func (t *Trainer) save(epoch int, reason string) error {
	if t.checkpoint == nil {
		return nil
	}
	if err := t.checkpoint(t, epoch, reason); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", reason, err)
	}
	return nil
}

// step embeds the batch, corrupts it and evaluates the composite loss.
func (t *Trainer) step(b Batch, train bool) (diffusion.Terms, error) {
	in, err := t.prepare(b)
	if err != nil {
		return diffusion.Terms{}, err
	}
	return t.loss.Compute(t.model, in, train)
}

func (t *Trainer) prepare(b Batch) (diffusion.LossInput, error) {
	head := t.model.Head()
	x0 := make([]*mat.Dense, b.Len())
	for i, ids := range b.TokenIDs {
		x, err := head.Lookup(ids)
		if err != nil {
			return diffusion.LossInput{}, err
		}
		x0[i] = x
	}

	steps := t.diffuser.Schedule().Steps()
	ts := diffusion.SampleTimesteps(t.rng, t.cfg.SampleSize, steps)
	var tNext []int
	if t.cfg.Prediction == params.PredictPrevious {
		tNext = diffusion.PreviousSteps(ts, t.cfg.StepInterval)
	}
	xt, target, err := t.diffuser.GenerateDiffusePair(x0, ts, tNext, t.cfg.Prediction)
	if err != nil {
		return diffusion.LossInput{}, err
	}
	x1, err := t.diffuser.Diffuse(x0, []int{min(1, steps-1)})
	if err != nil {
		return diffusion.LossInput{}, err
	}
	return diffusion.LossInput{
		Xt:       xt,
		X1:       x1,
		Target:   target,
		X0:       x0,
		Image:    b.Image,
		Text:     b.Text,
		Mask:     b.Masks,
		TokenIDs: b.TokenIDs,
	}, nil
}
