package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// TrainCmd returns the train command: end-to-end self-supervised training
// over a newline-delimited corpus.
func TrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a contrastive span encoder on a text corpus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigForCommand(cmd)
			if err != nil {
				return err
			}
			applyTrainFlags(cmd, &cfg)
			logger := NewLogger(os.Stderr, cfg.LogLevel)

			trainer, err := NewTrainer(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			logger.Info("training",
				"documents", len(trainer.docs),
				"steps", cfg.Training.Steps,
				"workers", cfg.Training.Workers,
				"strategy", cfg.Sampler.Strategy,
			)
			return trainer.Train(ctx)
		},
	}

	cmd.Flags().String("corpus", "", "newline-delimited training documents")
	cmd.Flags().Int("steps", 0, "number of training steps")
	cmd.Flags().Int("batch", 0, "batch size per replica")
	cmd.Flags().Int("workers", 0, "data-parallel replicas")
	cmd.Flags().Float64("lr", 0, "peak learning rate")
	cmd.Flags().String("checkpoint", "", "checkpoint output path")
	cmd.Flags().String("strategy", "", "sampling strategy (free, subsuming, adjacent)")
	cmd.Flags().Int("min-span", 0, "minimum span length in tokens")
	cmd.Flags().Int("max-span", 0, "maximum span length in tokens")
	cmd.Flags().Int("num-spans", 0, "positive spans per anchor")
	return cmd
}

// applyTrainFlags overrides config values with any explicitly set flags.
func applyTrainFlags(cmd *cobra.Command, cfg *Config) {
	if v, _ := cmd.Flags().GetString("corpus"); v != "" {
		cfg.Training.Corpus = v
	}
	if v, _ := cmd.Flags().GetInt("steps"); v > 0 {
		cfg.Training.Steps = v
	}
	if v, _ := cmd.Flags().GetInt("batch"); v > 0 {
		cfg.Training.BatchSize = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Training.Workers = v
	}
	if v, _ := cmd.Flags().GetFloat64("lr"); v > 0 {
		cfg.Training.LearningRate = v
	}
	if v, _ := cmd.Flags().GetString("checkpoint"); v != "" {
		cfg.Training.Checkpoint = v
	}
	if v, _ := cmd.Flags().GetString("strategy"); v != "" {
		cfg.Sampler.Strategy = v
	}
	if v, _ := cmd.Flags().GetInt("min-span"); v > 0 {
		cfg.Sampler.MinSpanLen = v
	}
	if v, _ := cmd.Flags().GetInt("max-span"); v > 0 {
		cfg.Sampler.MaxSpanLen = v
	}
	if v, _ := cmd.Flags().GetInt("num-spans"); v > 0 {
		cfg.Sampler.NumSpans = v
	}
}
