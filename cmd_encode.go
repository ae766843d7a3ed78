package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

type documentEmbedding struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
}

// EncodeCmd returns the encode command: embed a corpus with a trained
// checkpoint and write one JSON object per document to stdout or a file.
func EncodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Embed documents with a trained encoder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigForCommand(cmd)
			if err != nil {
				return err
			}
			logger := NewLogger(os.Stderr, cfg.LogLevel)

			checkpoint, _ := cmd.Flags().GetString("checkpoint")
			if checkpoint == "" {
				checkpoint = cfg.Training.Checkpoint
			}
			corpus, _ := cmd.Flags().GetString("corpus")
			if corpus == "" {
				corpus = cfg.Training.Corpus
			}

			model, vocab, err := LoadCheckpoint(checkpoint)
			if err != nil {
				return err
			}
			docs, err := ReadDocuments(corpus)
			if err != nil {
				return err
			}
			logger.Info("encoding", "documents", len(docs), "checkpoint", checkpoint)

			batchSize, _ := cmd.Flags().GetInt("batch")
			embeddings, err := EmbedDocuments(model, vocab, docs, batchSize)
			if err != nil {
				return err
			}

			out := os.Stdout
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			w := bufio.NewWriter(out)
			for i, doc := range docs {
				line, err := sonic.Marshal(documentEmbedding{
					Index:     i,
					Text:      doc,
					Embedding: embeddings.Row(i),
				})
				if err != nil {
					return err
				}
				if _, err := w.Write(line); err != nil {
					return err
				}
				if err := w.WriteByte('\n'); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("encode: flush output: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("checkpoint", "", "trained model checkpoint")
	cmd.Flags().String("corpus", "", "newline-delimited documents to embed")
	cmd.Flags().String("output", "", "output path (stdout when empty)")
	cmd.Flags().Int("batch", 32, "documents per forward pass")
	return cmd
}
