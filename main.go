package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "spancl",
		Short: "Self-supervised contrastive span representation learning",
		Long: "spancl trains a text encoder without labels: spans sampled from the\n" +
			"same document are pulled together in embedding space while spans from\n" +
			"other documents are pushed apart, optionally alongside a masked-token\n" +
			"objective.",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(TrainCmd())
	root.AddCommand(SampleCmd())
	root.AddCommand(EncodeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfigForCommand layers defaults and environment, then applies the
// shared flags.
func loadConfigForCommand(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return Config{}, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}
