package training

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zzduoYI/diffusion-image-captioning/diffusion"
	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/transformer"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

type staticSource []Batch

func (s staticSource) Batches() []Batch { return s }

type reportLog []EpochReport

func (r *reportLog) ReportEpoch(rep EpochReport) error {
	*r = append(*r, rep)
	return nil
}

type saveLog struct {
	reasons []string
	epochs  []int
}

func (s *saveLog) checkpointer(_ *Trainer, epoch int, reason string) error {
	s.reasons = append(s.reasons, reason)
	s.epochs = append(s.epochs, epoch)
	return nil
}

func tinyConfig() params.TrainingConfig {
	cfg := params.DefaultConfig()
	cfg.Steps = 20
	cfg.SampleSize = 2
	cfg.BatchSize = 2
	cfg.FeatureDim = 3
	cfg.InChannel = 4
	cfg.DModel = 4
	cfg.HiddenSize = 8
	cfg.NumHeads = 2
	cfg.Layers = 1
	cfg.VocabSize = 6
	cfg.SeqLen = 5
	cfg.Epochs = 3
	cfg.GuidanceWeight = 0.5
	return cfg
}

func testBatches() staticSource {
	return staticSource{
		{
			TokenIDs: [][]int{{0, 4, 5, 1, 3}, {0, 2, 1, 3, 3}},
			Masks:    [][]bool{{true, true, true, true, false}, {true, true, true, false, false}},
			Image:    [][]float64{{0.1, 0.2, 0.3}, {-0.3, 0.1, 0.5}},
			Text:     [][]float64{{0.5, -0.1, 0.2}, {0.0, 0.4, -0.2}},
		},
		{
			TokenIDs: [][]int{{0, 5, 1, 3, 3}, {0, 4, 2, 2, 1}},
			Masks:    [][]bool{{true, true, true, false, false}, {true, true, true, true, true}},
			Image:    [][]float64{{0.3, 0.3, -0.3}, {0.2, 0.0, 0.1}},
			Text:     [][]float64{{-0.5, 0.1, 0.2}, {0.1, 0.1, 0.1}},
		},
	}
}

func newTestTrainer(t *testing.T, cfg params.TrainingConfig, opts ...Option) *Trainer {
	t.Helper()
	rng := utils.NewRand(cfg.Seed)
	head := transformer.NewEmbedding(cfg.InChannel, cfg.VocabSize, rng)
	model, err := diffusion.NewEncoderDenoiser(cfg, head, rng)
	require.NoError(t, err)
	schedule, err := diffusion.ScheduleFromConfig(cfg)
	require.NoError(t, err)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	tr, err := New(cfg, model, schedule, diffusion.NewRoundingState(cfg), rng, opts...)
	require.NoError(t, err)
	return tr
}

func TestEarlyStopSavesOnceAndKeepsTraining(t *testing.T) {
	cfg := tinyConfig()
	cfg.EarlyStopRatio = 1e-9
	var saves saveLog
	var reports reportLog
	tr := newTestTrainer(t, cfg, WithCheckpointer(saves.checkpointer), WithReporter(&reports))

	out, err := tr.Run(testBatches(), testBatches())
	require.NoError(t, err)
	require.Len(t, out, cfg.Epochs)
	require.Equal(t, []string{"early-stop"}, saves.reasons)
	require.Equal(t, []int{0}, saves.epochs)
	require.Equal(t, PhaseEarlyStopped, tr.Phase())
	require.True(t, tr.EarlyStopped())

	require.Len(t, reports, cfg.Epochs)
	for i, rep := range reports {
		require.Equal(t, i, rep.Epoch)
		require.True(t, rep.EarlyStop)
		require.Equal(t, i == 0, rep.FirstStop)
	}
	require.Equal(t, cfg.Epochs*len(testBatches()), tr.OptimizerSteps())
}

func TestFinalSaveWithoutEarlyStop(t *testing.T) {
	cfg := tinyConfig()
	cfg.EarlyStopRatio = 1e9
	cfg.Scheduler = params.LRLog
	var saves saveLog
	tr := newTestTrainer(t, cfg, WithCheckpointer(saves.checkpointer))

	before := mat.DenseCopyOf(tr.Model().Params()[0].W)
	reports, err := tr.Run(testBatches(), testBatches())
	require.NoError(t, err)
	require.Equal(t, []string{"final"}, saves.reasons)
	require.Equal(t, []int{cfg.Epochs - 1}, saves.epochs)
	require.Equal(t, PhaseCompleted, tr.Phase())
	require.False(t, mat.Equal(before, tr.Model().Params()[0].W))

	lrs := optimizations.LearningRates(cfg)
	for i, rep := range reports {
		require.False(t, rep.EarlyStop)
		require.Equal(t, lrs[i], rep.LearningRate)
		require.Positive(t, rep.Train.Sum())
		require.Positive(t, rep.Validation.Sum())
	}
}

func TestResumeSkipsFinishedEpochs(t *testing.T) {
	cfg := tinyConfig()
	cfg.EarlyStopRatio = 1e-9
	var saves saveLog
	tr := newTestTrainer(t, cfg, WithCheckpointer(saves.checkpointer))
	tr.Resume(2, 7, true)

	reports, err := tr.Run(testBatches(), testBatches())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, 2, reports[0].Epoch)
	require.False(t, reports[0].FirstStop)
	require.Empty(t, saves.reasons)
	require.Equal(t, 7+len(testBatches()), tr.OptimizerSteps())
}

func TestDynamicRoundingFollowsLosses(t *testing.T) {
	cfg := tinyConfig()
	cfg.Epochs = 1
	cfg.DynamicCoefficient = 2
	tr := newTestTrainer(t, cfg)

	_, err := tr.Run(testBatches(), testBatches())
	require.NoError(t, err)
	r := tr.Rounding()
	require.InDelta(t, 2*(r.Running.Xt+r.Running.X1)/r.Running.Prob, r.Weight, 1e-12)
}

func TestRunFailures(t *testing.T) {
	cfg := tinyConfig()
	tr := newTestTrainer(t, cfg)
	_, err := tr.Run(staticSource{}, testBatches())
	require.ErrorIs(t, err, ErrNoBatches)

	_, err = tr.Validate(staticSource{})
	require.ErrorIs(t, err, ErrNoBatches)

	failing := errors.New("disk full")
	cfg.EarlyStopRatio = 1e9
	tr = newTestTrainer(t, cfg, WithCheckpointer(func(*Trainer, int, string) error { return failing }))
	_, err = tr.Run(testBatches(), testBatches())
	require.ErrorIs(t, err, failing)

	bad := testBatches()
	bad[0].TokenIDs[0] = []int{0, 9, 1, 3, 3}
	_, err = newTestTrainer(t, cfg).Run(bad, testBatches())
	require.Error(t, err)

	cfg.MaxTensorElements = 10
	_, err = newTestTrainer(t, cfg).Run(testBatches(), testBatches())
	require.ErrorIs(t, err, utils.ErrResourceExhausted)

	cfg = tinyConfig()
	cfg.Steps = 0
	_, err = New(cfg, nil, nil, nil, utils.NewRand(1))
	var ce *params.ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "early-stopped", PhaseEarlyStopped.String())
	require.Equal(t, "unknown", Phase(42).String())
}
