package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Equal(t, 64, DefaultConfig().HeadSize())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		field string
		edit  func(*TrainingConfig)
	}{
		{"zero steps", "steps", func(c *TrainingConfig) { c.Steps = 0 }},
		{"unknown schedule", "schedule", func(c *TrainingConfig) { c.Schedule = "sigmoid" }},
		{"inverted betas", "beta_min", func(c *TrainingConfig) {
			c.Schedule = ScheduleLinear
			c.BetaMin, c.BetaMax = 0.02, 0.0001
		}},
		{"unknown conditioning", "conditioning", func(c *TrainingConfig) { c.Conditioning = "cross" }},
		{"unknown prediction", "prediction", func(c *TrainingConfig) { c.Prediction = "eps" }},
		{"previous without interval", "step_interval", func(c *TrainingConfig) {
			c.Prediction = PredictPrevious
			c.StepInterval = 0
		}},
		{"unknown reduction", "reduction", func(c *TrainingConfig) { c.Reduction = "max" }},
		{"negative guidance", "guidance_weight", func(c *TrainingConfig) { c.GuidanceWeight = -1 }},
		{"guidance probability", "guidance_prob", func(c *TrainingConfig) { c.GuidanceProb = 1.5 }},
		{"negative rounding", "rounding_weight", func(c *TrainingConfig) { c.RoundingWeight = -0.1 }},
		{"heads", "num_heads", func(c *TrainingConfig) { c.NumHeads = 7 }},
		{"short sequence", "seq_len", func(c *TrainingConfig) { c.SeqLen = 1 }},
		{"scheduler", "scheduler", func(c *TrainingConfig) { c.Scheduler = "step" }},
		{"split", "train_set_ratio", func(c *TrainingConfig) { c.TrainSetRatio = 1 }},
		{"precision", "precision", func(c *TrainingConfig) { c.Precision = "int8" }},
		{"eval steps", "eval_steps", func(c *TrainingConfig) { c.EvalSteps = 0 }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			err := cfg.Validate()
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			require.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLinearScheduleAcceptsOrderedBetas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = ScheduleLinear
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"steps": 10, "conditioning": "add", "guidance_weight": 0.5}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Steps)
	require.Equal(t, ConditionAdditive, cfg.Conditioning)
	require.Equal(t, 0.5, cfg.GuidanceWeight)
	require.Equal(t, DefaultConfig().DModel, cfg.DModel)

	out := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, SaveConfig(out, cfg))
	back, err := LoadConfig(out)
	require.NoError(t, err)
	require.Equal(t, cfg, back)
}

func TestLoadConfigValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schedule": "quadratic"}`), 0o644))
	_, err := LoadConfig(path)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestModelName(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "concat_linear_lr0.0001-5e-05_cosine_ep5_es1.05_round0.5_x0_series_sum_sample_mean", cfg.ModelName())

	cfg.DynamicCoefficient = 2
	cfg.GuidanceWeight = 1
	cfg.UseX1Loss = false
	require.Equal(t, "concat_linear_lr0.0001-5e-05_cosine_ep5_es1.05_dyn2_cfg1-0.2_x0_series_sum_sample_mean_nox1", cfg.ModelName())
}

func TestEnv(t *testing.T) {
	t.Setenv("DIFFCAP_DEBUG", "1")
	t.Setenv("DIFFCAP_WORKERS", "3")
	t.Setenv("DIFFCAP_MODELS", `"/tmp/models"`)
	require.True(t, Debug())
	require.Equal(t, 3, WorkerCount())
	require.Equal(t, "/tmp/models", Models())

	t.Setenv("DIFFCAP_WORKERS", "many")
	require.Equal(t, 0, Workers())
	require.Positive(t, WorkerCount())

	t.Setenv("DIFFCAP_DEBUG", "false")
	require.False(t, Debug())

	m := AsMap()
	require.Contains(t, m, "DIFFCAP_HEAD_PAR")
	require.Equal(t, "/tmp/models", m["DIFFCAP_MODELS"].Value)
}
