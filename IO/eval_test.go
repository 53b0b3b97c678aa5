package IO

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zzduoYI/diffusion-image-captioning/diffusion"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
)

func newTestEvaluator(t *testing.T, out *bytes.Buffer) (*Evaluator, *Dataset) {
	t.Helper()
	cfg := tinyConfig()
	ds := testDataset(t, cfg.SeqLen)
	cfg.VocabSize = ds.Tokenizer.VocabSize()
	schedule, err := diffusion.ScheduleFromConfig(cfg)
	require.NoError(t, err)
	return &Evaluator{
		Cfg:      cfg,
		Model:    newTestModel(t, cfg),
		Diffuser: diffusion.NewDiffuser(schedule, cfg.InChannel, utils.NewRand(5), 0),
		Dataset:  ds,
		Out:      NewSummary(out),
		Src:      utils.NewRand(6),
		TopK:     2,
	}, ds
}

func TestEvaluatorRun(t *testing.T) {
	var out bytes.Buffer
	ev, ds := newTestEvaluator(t, &out)

	res, err := ev.Run(NewLoader(ds, []int{0, 1, 2}, 1, false, nil))
	require.NoError(t, err)
	require.Equal(t, 3, res.Batches)
	require.GreaterOrEqual(t, res.BLEU, 0.0)
	require.LessOrEqual(t, res.BLEU, 1.0)
	require.Len(t, res.Best, 2)
	require.GreaterOrEqual(t, res.Best[0].Score, res.Best[1].Score)
	require.Positive(t, res.EditDistance)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Equal(t, "origin text: A dog runs .", lines[0])
	require.Equal(t, "t = 9", lines[1])
	require.True(t, strings.HasPrefix(lines[2], "inferred: "))
	require.True(t, strings.HasPrefix(lines[3], "inferred: "))
	require.Equal(t, "text t effectiveness", lines[4])
	require.True(t, strings.HasPrefix(lines[5], "t: 1 restore: "))
	require.True(t, strings.HasPrefix(lines[6], "t: 5 restore: "))
	require.True(t, strings.HasPrefix(lines[7], "t: 9 restore: "))
	require.True(t, strings.HasPrefix(lines[8], "BLEU-4 score: "))
	require.Len(t, lines, 9)
}

func TestEvaluatorEmptyValidation(t *testing.T) {
	var out bytes.Buffer
	ev, ds := newTestEvaluator(t, &out)

	_, err := ev.Run(NewLoader(ds, []int{0}, 2, false, nil))
	require.ErrorIs(t, err, ErrEmptyValidation)
	_, err = ev.Score(nil)
	require.ErrorIs(t, err, ErrEmptyValidation)
	require.Empty(t, out.String())
}
