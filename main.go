package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zzduoYI/diffusion-image-captioning/IO"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diffcap",
		Short: "Diffusion image captioning",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			level := slog.LevelInfo
			if params.Debug() {
				level = slog.LevelDebug
			}
			slog.SetDefault(utils.NewLogger(os.Stderr, level))
		},
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a captioning model and evaluate it",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	addDataFlags(trainCmd)
	trainCmd.Flags().String("config", "", "JSON file overriding the default training config")
	trainCmd.Flags().String("embedding", "", "Pretrained word-embedding tensor (.pt) for the token table")
	trainCmd.Flags().String("embedding-key", "", "State dict entry holding the embedding weight")
	trainCmd.Flags().Bool("resume", false, "Continue from the model's checkpoint and saved validation set")
	trainCmd.Flags().Bool("skip-eval", false, "Do not run the evaluation after training")

	evalCmd := &cobra.Command{
		Use:   "eval CHECKPOINT",
		Short: "Write the inference demo, t sweep and BLEU-4 of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  EvalHandler,
	}
	addDataFlags(evalCmd)
	evalCmd.Flags().Int("top", 5, "Number of best captions to list")

	sampleCmd := &cobra.Command{
		Use:   "sample CHECKPOINT INDEX...",
		Short: "Caption dataset images from pure noise",
		Args:  cobra.MinimumNArgs(2),
		RunE:  SampleHandler,
	}
	addDataFlags(sampleCmd)
	sampleCmd.Flags().Int("steps", 0, "Refinement iterations (default: the config's eval steps)")
	sampleCmd.Flags().Bool("guided", false, "Condition on the text feature too")
	sampleCmd.Flags().Bool("verbose", false, "Print every intermediate caption")

	exportCmd := &cobra.Command{
		Use:   "export OUT_PREFIX",
		Short: "Tokenize the captions into binary id shards",
		Args:  cobra.ExactArgs(1),
		RunE:  ExportHandler,
	}
	exportCmd.Flags().String("captions", defaultDataPath("captions.csv"), "Caption table")
	exportCmd.Flags().String("delimiter", "|", "Caption table delimiter")
	exportCmd.Flags().String("tokenizer", defaultDataPath("tokenizer.json"), "tokenizer.json or vocab JSON")
	exportCmd.Flags().String("build-vocab", "", "Build a word vocabulary from the captions and write it here")
	exportCmd.Flags().Int("min-count", IO.MinWordCount, "Occurrences a word needs above which it joins the vocabulary")
	exportCmd.Flags().Int("seq-len", params.DefaultConfig().SeqLen, "Caption length including start/end markers")
	exportCmd.Flags().Int64("shard-bytes", 1<<30, "Maximum bytes per data shard")

	historyCmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List training runs, or the epochs of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  HistoryHandler,
	}
	historyCmd.Flags().Bool("plot", false, "Chart the validation loss of the run")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment variables in effect",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(trainCmd, evalCmd, sampleCmd, exportCmd, historyCmd, envCmd)
	return rootCmd
}
