package main

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment overrides, e.g.
// SPANCL_TRAINING_BATCH_SIZE=64 overrides training.batch_size.
const envPrefix = "SPANCL_"

// Config is the full configuration surface: span sampling, model shape and
// the training loop. Defaults come from DefaultConfig; the environment and
// CLI flags override them, in that order.
type Config struct {
	LogLevel string         `koanf:"log_level"`
	Sampler  SamplerConfig  `koanf:"sampler"`
	Model    ModelConfig    `koanf:"model"`
	Training TrainingConfig `koanf:"training"`
}

// SamplerConfig configures anchor/positive span sampling.
type SamplerConfig struct {
	MinSpanLen int    `koanf:"min_span_len"`
	MaxSpanLen int    `koanf:"max_span_len"`
	NumSpans   int    `koanf:"num_spans"`
	Strategy   string `koanf:"strategy"` // "free", "subsuming" or "adjacent"
}

// Build constructs a SpanSampler from the config. Each concurrent worker
// should build its own sampler with a distinct seed.
func (c SamplerConfig) Build(logger Logger, seed uint64) (*SpanSampler, error) {
	strategy, err := ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}
	return NewSpanSampler(c.MinSpanLen, c.MaxSpanLen, c.NumSpans, strategy, nil, logger, seed), nil
}

// ModelConfig configures the encoder, its vocabulary build and the pluggable
// loss/miner selected by name.
type ModelConfig struct {
	EmbeddingDim        int  `koanf:"embedding_dim"`
	MaxSeqLen           int  `koanf:"max_seq_len"`
	ProjectionDim       int  `koanf:"projection_dim"`
	ProjectionHiddenDim int  `koanf:"projection_hidden_dim"`
	MaskedLM            bool `koanf:"masked_lm"`

	MaskProb   float64 `koanf:"mask_prob"`
	RandomProb float64 `koanf:"random_prob"`
	KeepProb   float64 `koanf:"keep_prob"`

	VocabSize     int `koanf:"vocab_size"`      // cap for the built vocabulary
	MinTokenCount int `koanf:"min_token_count"` // frequency floor for vocab entries

	Loss        string  `koanf:"loss"` // "ntxent" or "none"
	Temperature float64 `koanf:"temperature"`

	Miner     string  `koanf:"miner"` // "pair_margin" or ""
	PosMargin float64 `koanf:"pos_margin"`
	NegMargin float64 `koanf:"neg_margin"`
}

// BuildLoss constructs the configured contrastive loss, or nil for "none".
func (c ModelConfig) BuildLoss() (Loss, error) {
	switch c.Loss {
	case "", "ntxent":
		l := NewNTXentLoss()
		if c.Temperature > 0 {
			l.Temperature = c.Temperature
		}
		return l, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown loss %q", ErrInvalidConfig, c.Loss)
	}
}

// BuildMiner constructs the configured miner, or nil when mining is off.
func (c ModelConfig) BuildMiner() (Miner, error) {
	switch c.Miner {
	case "":
		return nil, nil
	case "pair_margin":
		m := NewPairMarginMiner()
		if c.PosMargin > 0 {
			m.PosMargin = c.PosMargin
		}
		if c.NegMargin > 0 {
			m.NegMargin = c.NegMargin
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown miner %q", ErrInvalidConfig, c.Miner)
	}
}

// EncoderConfig translates the model section into the encoder's own config.
// vocabSize comes from the built vocabulary, and the sequence window is
// widened to fit the longest sampleable span.
func (c ModelConfig) EncoderConfig(vocabSize, maxSpanLen int) *EncoderConfig {
	maxSeqLen := c.MaxSeqLen
	if maxSpanLen > maxSeqLen {
		maxSeqLen = maxSpanLen
	}
	return &EncoderConfig{
		VocabSize:           vocabSize,
		EmbeddingDim:        c.EmbeddingDim,
		MaxSeqLen:           maxSeqLen,
		ProjectionDim:       c.ProjectionDim,
		ProjectionHiddenDim: c.ProjectionHiddenDim,
		MaskedLM:            c.MaskedLM,
		MaskProb:            c.MaskProb,
		RandomProb:          c.RandomProb,
		KeepProb:            c.KeepProb,
	}
}

// TrainingConfig configures the training loop.
type TrainingConfig struct {
	Corpus    string `koanf:"corpus"` // newline-delimited documents
	Steps     int    `koanf:"steps"`
	BatchSize int    `koanf:"batch_size"` // per replica
	Workers   int    `koanf:"workers"`    // data-parallel replicas

	LearningRate float64 `koanf:"learning_rate"`
	MinLR        float64 `koanf:"min_lr"`
	WarmupSteps  int     `koanf:"warmup_steps"`
	DecaySteps   int     `koanf:"decay_steps"`
	ClipNorm     float64 `koanf:"clip_norm"`

	LogInterval        int    `koanf:"log_interval"`
	Checkpoint         string `koanf:"checkpoint"`
	CheckpointInterval int    `koanf:"checkpoint_interval"`
	Seed               int64  `koanf:"seed"`
}

// DefaultConfig returns defaults sized for quick CPU experiments.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Sampler: SamplerConfig{
			MinSpanLen: 8,
			MaxSpanLen: 32,
			NumSpans:   2,
			Strategy:   "free",
		},
		Model: ModelConfig{
			EmbeddingDim:        64,
			MaxSeqLen:           64,
			ProjectionDim:       32,
			ProjectionHiddenDim: 64,
			MaskedLM:            true,
			MaskProb:            0.15,
			RandomProb:          0.10,
			KeepProb:            0.10,
			VocabSize:           20000,
			MinTokenCount:       1,
			Loss:                "ntxent",
			Temperature:         0.07,
		},
		Training: TrainingConfig{
			Corpus:             "corpus.txt",
			Steps:              200,
			BatchSize:          8,
			Workers:            1,
			LearningRate:       3e-3,
			MinLR:              1e-5,
			WarmupSteps:        20,
			DecaySteps:         200,
			ClipNorm:           1.0,
			LogInterval:        10,
			Checkpoint:         "spancl_model.json",
			CheckpointInterval: 100,
			Seed:               42,
		},
	}
}

// LoadConfig layers defaults, then SPANCL_* environment variables.
func LoadConfig() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envTransform,
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// envTransform maps SPANCL_SECTION_SOME_KEY to section.some_key. Top-level
// keys (no known section) pass through lowercased.
func envTransform(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if found {
		switch section {
		case "sampler", "model", "training":
			return section + "." + rest, value
		}
	}
	return key, value
}
