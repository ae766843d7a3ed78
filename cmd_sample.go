package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// SampleCmd returns the sample command: run the span sampler once over a
// document and print the anchor and positives. Handy for eyeballing what a
// strategy actually produces before committing to a training run.
func SampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample anchor/positive spans from a document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigForCommand(cmd)
			if err != nil {
				return err
			}
			logger := NewLogger(os.Stderr, cfg.LogLevel)

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

			text, err := readDocument(cmd)
			if err != nil {
				return err
			}

			seed, _ := cmd.Flags().GetUint64("seed")
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			sampler, err := cfg.Sampler.Build(logger, seed)
			if err != nil {
				return err
			}

			anchor, positives, err := sampler.SampleSpans(text)
			if err != nil {
				return err
			}

			fmt.Printf("anchor [%d,%d): %s\n", anchor.Start, anchor.End, anchor.Text)
			for i, p := range positives {
				fmt.Printf("positive %d [%d,%d): %s\n", i, p.Start, p.End, p.Text)
			}
			return nil
		},
	}

	cmd.Flags().String("text", "", "document text (reads stdin when empty)")
	cmd.Flags().String("file", "", "read the document from a file")
	cmd.Flags().String("strategy", "", "sampling strategy (free, subsuming, adjacent)")
	cmd.Flags().Int("min-span", 0, "minimum span length in tokens")
	cmd.Flags().Int("max-span", 0, "maximum span length in tokens")
	cmd.Flags().Int("num-spans", 0, "positive spans per anchor")
	cmd.Flags().Uint64("seed", 0, "rng seed (0 = time-based)")
	return cmd
}

func readDocument(cmd *cobra.Command) (string, error) {
	if text, _ := cmd.Flags().GetString("text"); text != "" {
		return text, nil
	}
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
