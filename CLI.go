package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/zzduoYI/diffusion-image-captioning/IO"
	"github.com/zzduoYI/diffusion-image-captioning/diffusion"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/training"
	"github.com/zzduoYI/diffusion-image-captioning/transformer"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
)

func defaultDataPath(name string) string {
	return filepath.Join(params.Data(), name)
}

func historyPath() string {
	return filepath.Join(params.Models(), "history.db")
}

func addDataFlags(cmd *cobra.Command) {
	cmd.Flags().String("captions", defaultDataPath("captions.csv"), "Caption table")
	cmd.Flags().String("delimiter", "|", "Caption table delimiter")
	cmd.Flags().String("image-features", defaultDataPath("image_features.bin"), "Image feature rows, one per caption (.pt or raw float32)")
	cmd.Flags().String("text-features", defaultDataPath("text_features.bin"), "Text feature rows, one per caption (.pt or raw float32)")
	cmd.Flags().String("tokenizer", defaultDataPath("tokenizer.json"), "tokenizer.json or vocab JSON")
}

func delimiter(cmd *cobra.Command) (rune, error) {
	s, _ := cmd.Flags().GetString("delimiter")
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func loadDataset(cmd *cobra.Command, cfg params.TrainingConfig) (*IO.Dataset, error) {
	delim, err := delimiter(cmd)
	if err != nil {
		return nil, err
	}
	captionsPath, _ := cmd.Flags().GetString("captions")
	imagePath, _ := cmd.Flags().GetString("image-features")
	textPath, _ := cmd.Flags().GetString("text-features")
	tokPath, _ := cmd.Flags().GetString("tokenizer")

	caps, err := IO.LoadCaptions(captionsPath, delim)
	if err != nil {
		return nil, err
	}
	tok, err := IO.LoadTokenizer(tokPath, cfg.SeqLen)
	if err != nil {
		return nil, err
	}
	image, err := IO.LoadFeatures(imagePath, cfg.FeatureDim)
	if err != nil {
		return nil, err
	}
	text, err := IO.LoadFeatures(textPath, cfg.FeatureDim)
	if err != nil {
		return nil, err
	}
	ds, err := IO.NewDataset(caps, image, text, tok)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded dataset", "captions", ds.Len(), "vocab", tok.VocabSize())
	return ds, nil
}

// buildHead imports the --embedding table; nil means draw a random one.
func buildHead(cmd *cobra.Command, cfg params.TrainingConfig) (*transformer.Embedding, error) {
	path, _ := cmd.Flags().GetString("embedding")
	if path == "" {
		return nil, nil
	}
	key, _ := cmd.Flags().GetString("embedding-key")
	head, err := IO.LoadEmbeddingTable(path, key)
	if err != nil {
		return nil, err
	}
	if head.Channel() != cfg.InChannel || head.VocabSize() != cfg.VocabSize {
		return nil, fmt.Errorf("embedding %s is %dx%d, config wants in_channel %d and vocab %d",
			path, head.Channel(), head.VocabSize(), cfg.InChannel, cfg.VocabSize)
	}
	return head, nil
}

func TrainHandler(cmd *cobra.Command, _ []string) error {
	cfg := params.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = params.LoadConfig(path); err != nil {
			return err
		}
	}
	ds, err := loadDataset(cmd, cfg)
	if err != nil {
		return err
	}
	cfg.VocabSize = ds.Tokenizer.VocabSize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	name := cfg.ModelName()
	ckPath := IO.ArtifactPath(params.Models(), name, "ckpt")
	valPath := IO.ArtifactPath(params.Models(), name, "valset")
	rng := utils.NewRand(cfg.Seed)
	resume, _ := cmd.Flags().GetBool("resume")

	var (
		split    IO.Split
		model    *diffusion.Denoiser
		schedule *diffusion.NoiseSchedule
		rounding *diffusion.RoundingState
		ck       *IO.Checkpoint
		runID    string
	)
	if resume {
		if ck, err = IO.LoadCheckpoint(ckPath); err != nil {
			return err
		}
		if split, err = IO.LoadSplit(valPath, ds.Len()); err != nil {
			return err
		}
		if model, err = ck.Model(); err != nil {
			return err
		}
		if schedule, err = ck.NoiseSchedule(); err != nil {
			return err
		}
		r := ck.Rounding
		rounding = &r
		runID = ck.RunID
	} else {
		split = IO.NewSplit(ds.Len(), cfg.TrainSetRatio, cfg.Seed, rng)
		if err := IO.SaveSplit(valPath, split); err != nil {
			return err
		}
		if err := params.SaveConfig(IO.ArtifactPath(params.Models(), name, "json"), cfg); err != nil {
			return err
		}
		head, err := buildHead(cmd, cfg)
		if err != nil {
			return err
		}
		if head == nil {
			head = transformer.NewEmbedding(cfg.InChannel, cfg.VocabSize, rng)
		}
		if model, err = diffusion.NewEncoderDenoiser(cfg, head, rng); err != nil {
			return err
		}
		if schedule, err = diffusion.ScheduleFromConfig(cfg); err != nil {
			return err
		}
		rounding = diffusion.NewRoundingState(cfg)
		runID = IO.NewRunID()
	}
	model.SetWorkers(params.WorkerCount())

	hist, err := IO.OpenHistory(historyPath())
	if err != nil {
		return err
	}
	defer hist.Close()
	if err := hist.StartRun(runID, cfg); err != nil {
		return err
	}
	summary, err := IO.OpenSummary(IO.ArtifactPath(params.Models(), name, "txt"))
	if err != nil {
		return err
	}
	defer summary.Close()

	trainer, err := training.New(cfg, model, schedule, rounding, rng,
		training.WithLogger(slog.Default()),
		training.WithReporter(summary),
		training.WithReporter(hist.Reporter(runID)),
		training.WithCheckpointer(func(t *training.Trainer, epoch int, reason string) error {
			snap, err := IO.NewCheckpoint(cfg, runID, t.Model(), t.Diffuser().Schedule(), *t.Rounding())
			if err != nil {
				return err
			}
			snap.Reason = reason
			snap.Epoch = epoch
			snap.EarlyStopped = reason == "early-stop" || t.EarlyStopped()
			snap.AdamSteps = t.OptimizerSteps()
			slog.Info("saving checkpoint", "path", ckPath, "reason", reason, "epoch", epoch)
			return IO.SaveCheckpoint(ckPath, snap)
		}))
	if err != nil {
		return err
	}
	if ck != nil {
		trainer.Resume(ck.Epoch+1, ck.AdamSteps, ck.EarlyStopped)
	}

	trainLoader := IO.NewLoader(ds, split.Train, cfg.BatchSize, true, rng)
	valLoader := IO.NewLoader(ds, split.Val, cfg.BatchSize, false, rng)
	_, runErr := trainer.Run(trainLoader, valLoader)
	status := trainer.Phase().String()
	if runErr != nil {
		status = "failed"
	}
	if err := hist.FinishRun(runID, status); err != nil {
		slog.Warn("failed to record run status", "run", runID, "error", err)
	}
	if runErr != nil {
		return runErr
	}
	if skip, _ := cmd.Flags().GetBool("skip-eval"); skip {
		return nil
	}

	// the snapshot on disk, not the live model, is what gets evaluated
	saved, err := IO.LoadCheckpoint(ckPath)
	if err != nil {
		return err
	}
	return evaluate(saved, ds, split, summary, hist, 5)
}

func EvalHandler(cmd *cobra.Command, args []string) error {
	ck, err := IO.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}
	ds, err := loadDataset(cmd, ck.Config)
	if err != nil {
		return err
	}
	if v := ds.Tokenizer.VocabSize(); v != ck.Config.VocabSize {
		return fmt.Errorf("tokenizer has %d entries, checkpoint was trained with %d", v, ck.Config.VocabSize)
	}
	split, err := evalSplit(ck.Config, ds.Len())
	if err != nil {
		return err
	}
	summary, err := IO.OpenSummary(IO.ArtifactPath(params.Models(), ck.Config.ModelName(), "txt"))
	if err != nil {
		return err
	}
	defer summary.Close()
	hist, err := IO.OpenHistory(historyPath())
	if err != nil {
		return err
	}
	defer hist.Close()
	top, _ := cmd.Flags().GetInt("top")
	return evaluate(ck, ds, split, summary, hist, top)
}

// evalSplit reuses the run's saved validation set, or redraws it from the seed.
func evalSplit(cfg params.TrainingConfig, n int) (IO.Split, error) {
	path := IO.ArtifactPath(params.Models(), cfg.ModelName(), "valset")
	split, err := IO.LoadSplit(path, n)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("no saved validation set, redrawing it from the seed", "path", path)
		return IO.NewSplit(n, cfg.TrainSetRatio, cfg.Seed, utils.NewRand(cfg.Seed)), nil
	}
	return split, err
}

func evaluate(ck *IO.Checkpoint, ds *IO.Dataset, split IO.Split, summary *IO.Summary, hist *IO.History, top int) error {
	cfg := ck.Config
	model, err := ck.Model()
	if err != nil {
		return err
	}
	model.SetWorkers(params.WorkerCount())
	schedule, err := ck.NoiseSchedule()
	if err != nil {
		return err
	}
	rng := utils.NewRand(cfg.Seed)
	ev := &IO.Evaluator{
		Cfg:      cfg,
		Model:    model,
		Diffuser: diffusion.NewDiffuser(schedule, cfg.InChannel, rng, cfg.MaxTensorElements),
		Dataset:  ds,
		Out:      summary,
		Src:      rng,
		Logger:   slog.Default(),
		TopK:     top,
	}
	res, err := ev.Run(IO.NewLoader(ds, split.Val, cfg.BatchSize, false, rng))
	if err != nil {
		return err
	}
	if err := hist.RecordBLEU(ck.RunID, res.BLEU); err != nil {
		slog.Warn("failed to record BLEU", "run", ck.RunID, "error", err)
	}
	slog.Info("evaluation", "bleu", res.BLEU, "edit_distance", res.EditDistance, "batches", res.Batches)
	printCaptions(os.Stdout, res.Best)
	return nil
}

func printCaptions(w io.Writer, best []IO.ScoredCaption) {
	if len(best) == 0 {
		return
	}
	var data [][]string
	for _, c := range best {
		data = append(data, []string{c.Image, strconv.FormatFloat(c.Score, 'f', 4, 64), c.Caption})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"IMAGE", "BLEU", "CAPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func SampleHandler(cmd *cobra.Command, args []string) error {
	ck, err := IO.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}
	cfg := ck.Config
	ds, err := loadDataset(cmd, cfg)
	if err != nil {
		return err
	}
	var examples []IO.Example
	for _, a := range args[1:] {
		i, err := strconv.Atoi(a)
		if err != nil || i < 0 || i >= ds.Len() {
			return fmt.Errorf("index %q is not in [0, %d)", a, ds.Len())
		}
		examples = append(examples, ds.Examples[i])
	}
	model, err := ck.Model()
	if err != nil {
		return err
	}
	model.SetWorkers(params.WorkerCount())

	steps, _ := cmd.Flags().GetInt("steps")
	if steps <= 0 {
		steps = cfg.EvalSteps
	}
	policy := diffusion.GuidanceNone
	if guided, _ := cmd.Flags().GetBool("guided"); guided {
		policy = diffusion.GuidanceAll
		if model.GuidanceWeight() == 0 {
			slog.Warn("model was trained without guidance, --guided has no effect", "model", cfg.ModelName())
		}
	}
	image := make([][]float64, len(examples))
	text := make([][]float64, len(examples))
	masks := make([][]bool, len(examples))
	for i, ex := range examples {
		image[i] = ex.ImageVec
		text[i] = ex.TextVec
		masks[i] = slices.Repeat([]bool{true}, cfg.SeqLen)
	}
	rng := utils.NewRand(cfg.Seed)
	start := diffusion.NoiseStart(rng, len(examples), model.Head().Channel(), cfg.SeqLen)
	res, err := diffusion.NewSampler(model, policy).Sample(start, image, text, masks, steps)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	for i, ex := range examples {
		fmt.Printf("%s  origin text: %s\n", ex.Image, ex.Caption)
		if verbose {
			for s, step := range res.Tokens {
				fmt.Printf("  step %d: %s\n", s, ds.Tokenizer.Decode(step[i]))
			}
		}
		last := res.Tokens[len(res.Tokens)-1][i]
		fmt.Printf("  inferred: %s\n", ds.Tokenizer.Decode(diffusion.CollapseRepeats(last)))
	}
	return nil
}

func ExportHandler(cmd *cobra.Command, args []string) error {
	delim, err := delimiter(cmd)
	if err != nil {
		return err
	}
	captionsPath, _ := cmd.Flags().GetString("captions")
	seqLen, _ := cmd.Flags().GetInt("seq-len")
	caps, err := IO.LoadCaptions(captionsPath, delim)
	if err != nil {
		return err
	}

	var tok IO.Tokenizer
	if vocabPath, _ := cmd.Flags().GetString("build-vocab"); vocabPath != "" {
		minCount, _ := cmd.Flags().GetInt("min-count")
		texts := make([]string, len(caps))
		for i, c := range caps {
			texts[i] = c.Text
		}
		dict := IO.BuildDictTokenizer(texts, minCount, seqLen)
		if err := dict.ExportVocabJSON(vocabPath); err != nil {
			return err
		}
		slog.Info("wrote vocabulary", "path", vocabPath, "size", dict.VocabSize())
		tok = dict
	} else {
		tokPath, _ := cmd.Flags().GetString("tokenizer")
		if tok, err = IO.LoadTokenizer(tokPath, seqLen); err != nil {
			return err
		}
	}

	examples := make([]IO.Example, len(caps))
	for i, c := range caps {
		ids, mask, err := tok.Encode(c.Text)
		if err != nil {
			return fmt.Errorf("caption %d: %w", i, err)
		}
		examples[i] = IO.Example{Index: i, Image: c.Image, Caption: c.Text, TokenIDs: ids, Mask: mask}
	}
	shardBytes, _ := cmd.Flags().GetInt64("shard-bytes")
	shards, err := IO.ExportTokenIDsBinary(examples, args[0], shardBytes)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d captions into %d shard(s) at %s\n", len(examples), shards, args[0])
	return nil
}

func HistoryHandler(cmd *cobra.Command, args []string) error {
	hist, err := IO.OpenHistory(historyPath())
	if err != nil {
		return err
	}
	defer hist.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	var data [][]string
	if len(args) == 1 {
		epochs, err := hist.Epochs(args[0])
		if err != nil {
			return err
		}
		table.SetHeader([]string{"EPOCH", "LR", "X_T", "X_1", "PROB", "VAL X_T", "VAL X_1", "VAL PROB", "ROUNDING", "STOP", "TIME"})
		for _, e := range epochs {
			data = append(data, []string{
				strconv.Itoa(e.Epoch), fmtFloat(e.LearningRate),
				fmtFloat(e.Train.Xt), fmtFloat(e.Train.X1), fmtFloat(e.Train.Prob),
				fmtFloat(e.Validation.Xt), fmtFloat(e.Validation.X1), fmtFloat(e.Validation.Prob),
				fmtFloat(e.RoundingWeight), strconv.FormatBool(e.EarlyStop), e.Duration.String(),
			})
		}
		if plot, _ := cmd.Flags().GetBool("plot"); plot {
			val := make([]float64, len(epochs))
			for i, e := range epochs {
				val[i] = e.Validation.Xt + e.Validation.X1 + e.Validation.Prob
			}
			fmt.Println("validation loss per epoch")
			asciiPlot(os.Stdout, val)
			fmt.Println()
		}
	} else {
		runs, err := hist.Runs()
		if err != nil {
			return err
		}
		table.SetHeader([]string{"ID", "MODEL", "STARTED", "STATUS", "EPOCHS", "BEST VAL", "BLEU-4"})
		for _, r := range runs {
			best, bleu := "-", "-"
			if r.BestVal.Valid {
				best = fmtFloat(r.BestVal.Float64)
			}
			if r.BLEU.Valid {
				bleu = fmtFloat(r.BLEU.Float64)
			}
			data = append(data, []string{r.ID, r.Model, r.Started.Local().Format("2006-01-02 15:04"), r.Status, strconv.Itoa(r.Epochs), best, bleu})
		}
	}
	table.AppendBulk(data)
	table.Render()
	return nil
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := params.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var data [][]string
	for _, k := range keys {
		v := vars[k]
		data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', 5, 64)
}
