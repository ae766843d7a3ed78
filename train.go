package main

// ===========================================================================
// SELF-SUPERVISED TRAINING LOOP
// ===========================================================================
//
// The trainer wires the span sampler and the contrastive encoder into an
// end-to-end loop over a corpus of newline-delimited documents:
//
//   documents -> per-document span sampling -> vocabulary encoding
//             -> replica training steps -> SGD with warmup + cosine decay
//
// Data parallelism runs W replica goroutines over document shards. All
// replicas share one parameter set; each step they gather embeddings
// through the shared ReplicaGroup (so every replica scores against the
// global negative pool), accumulate gradients into the shared model, and
// rank 0 applies the update. Barriers keep the phases in lockstep; the
// gather contract (same collectives, same order, every replica, every
// step) is what makes the loop deadlock-free, and a replica that errors
// out aborts the group so the survivors are released rather than left
// waiting in a collective.
// ===========================================================================

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Trainer runs self-supervised training over a document corpus.
type Trainer struct {
	cfg    Config
	logger Logger

	docs  []string
	vocab *Vocabulary
	model *ContrastiveEncoder
}

// NewTrainer loads the corpus, builds the vocabulary and constructs the
// model. Documents too short to sample from are dropped here, so sampling
// precondition failures cannot occur mid-training.
func NewTrainer(cfg Config, logger Logger) (*Trainer, error) {
	if logger == nil {
		logger = NopLogger{}
	}

	docs, err := ReadDocuments(cfg.Training.Corpus)
	if err != nil {
		return nil, err
	}

	usable := docs[:0]
	minTokens := minDocumentTokens
	if cfg.Sampler.MaxSpanLen > minTokens {
		minTokens = cfg.Sampler.MaxSpanLen
	}
	for _, doc := range docs {
		if len(strings.Fields(doc)) >= minTokens {
			usable = append(usable, doc)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("training: no document in %s has the %d tokens sampling requires",
			cfg.Training.Corpus, minTokens)
	}
	if dropped := len(docs) - len(usable); dropped > 0 {
		logger.Info("dropped short documents", "dropped", dropped, "kept", len(usable))
	}

	vocab := BuildVocabulary(usable, nil, cfg.Model.VocabSize, cfg.Model.MinTokenCount)
	logger.Info("built vocabulary", "size", vocab.Size())

	loss, err := cfg.Model.BuildLoss()
	if err != nil {
		return nil, err
	}
	miner, err := cfg.Model.BuildMiner()
	if err != nil {
		return nil, err
	}

	encCfg := cfg.Model.EncoderConfig(vocab.Size(), cfg.Sampler.MaxSpanLen)
	model, err := NewContrastiveEncoder(encCfg, loss, miner, nil, cfg.Training.Seed)
	if err != nil {
		return nil, err
	}

	return &Trainer{cfg: cfg, logger: logger, docs: usable, vocab: vocab, model: model}, nil
}

// Model returns the trained (or in-training) model.
func (t *Trainer) Model() *ContrastiveEncoder { return t.model }

// Vocab returns the corpus vocabulary.
func (t *Trainer) Vocab() *Vocabulary { return t.vocab }

// Train runs the configured number of steps across the configured replicas
// and writes the final checkpoint. Cancellation via ctx stops the loop at
// the next step boundary; the decision is taken by rank 0 and broadcast
// through the step barrier so no replica is left blocked in a collective.
func (t *Trainer) Train(ctx context.Context) error {
	workers := t.cfg.Training.Workers
	if workers < 1 {
		workers = 1
	}

	group := NewReplicaGroup(workers)
	t.model.Train()

	shards := shardDocuments(t.docs, workers)
	var stop atomic.Bool

	g, runCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < workers; rank++ {
		g.Go(func() error {
			return t.runReplica(runCtx, rank, group, shards[rank], &stop)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.model.Eval()
	if t.cfg.Training.Checkpoint != "" {
		if err := SaveCheckpoint(t.cfg.Training.Checkpoint, t.model, t.vocab); err != nil {
			return err
		}
		t.logger.Info("saved checkpoint", "path", t.cfg.Training.Checkpoint)
	}
	// The errgroup context is canceled as soon as Wait returns, so a clean
	// run is distinguished by the caller's context, not runCtx.
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (t *Trainer) runReplica(ctx context.Context, rank int, group *ReplicaGroup, shard []string, stop *atomic.Bool) (err error) {
	// A replica that fails mid-step must release the others from the
	// collectives, or they would wait for its next arrival forever. The
	// aborting replica reports the error; observers return nil.
	defer func() {
		if err != nil {
			group.Abort()
		}
	}()

	cfg := t.cfg.Training

	sampler, err := t.cfg.Sampler.Build(t.logger, uint64(cfg.Seed)+uint64(rank)+1)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(cfg.Seed + int64(rank)*7919))
	gather := group.Gatherer(rank)

	for step := 0; ; step++ {
		// Rank 0 decides whether to stop; the barrier publishes the
		// decision before anyone can enter this step's collectives.
		if rank == 0 {
			stop.Store(step >= cfg.Steps || ctx.Err() != nil)
			t.model.zeroGrad()
		}
		if group.Barrier() != nil {
			return nil
		}
		if stop.Load() {
			return nil
		}

		anchors, positives, err := t.sampleBatch(sampler, shard, rng)
		if err != nil {
			return err
		}

		stats, err := t.model.TrainStep(anchors, positives, rng, gather)
		if errors.Is(err, ErrAborted) {
			return nil
		}
		if err != nil {
			return err
		}
		if group.Barrier() != nil {
			return nil
		}

		if rank == 0 {
			lr := t.learningRate(step)
			t.applySGD(lr, float64(group.Size()))

			if cfg.LogInterval > 0 && step%cfg.LogInterval == 0 {
				t.logger.Info("step",
					"step", step,
					"loss", fmt.Sprintf("%.4f", stats.Loss),
					"contrastive", fmt.Sprintf("%.4f", stats.Contrastive),
					"mlm", fmt.Sprintf("%.4f", stats.MLM),
					"lr", fmt.Sprintf("%.2e", lr),
				)
			}
			if cfg.CheckpointInterval > 0 && step > 0 && step%cfg.CheckpointInterval == 0 && cfg.Checkpoint != "" {
				if err := SaveCheckpoint(cfg.Checkpoint, t.model, t.vocab); err != nil {
					t.logger.Error("checkpoint failed", "error", err)
				}
			}
		}
		if group.Barrier() != nil {
			return nil
		}
	}
}

// sampleBatch draws BatchSize anchor/positive sets from the shard. A
// document that turns out to be geometrically infeasible for the configured
// strategy is skipped and another is drawn, which is the retry policy the
// sampler itself deliberately does not implement.
func (t *Trainer) sampleBatch(sampler *SpanSampler, shard []string, rng *rand.Rand) (*TokenBatch, *PositiveGroups, error) {
	batchSize := t.cfg.Training.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	anchors := &TokenBatch{IDs: make([][]int, 0, batchSize)}
	positives := &PositiveGroups{Groups: make([][][]int, 0, batchSize)}

	const maxAttempts = 100
	attempts := 0
	maxLen := 0

	for len(anchors.IDs) < batchSize {
		if attempts >= maxAttempts {
			return nil, nil, fmt.Errorf("training: failed to sample a batch after %d attempts", maxAttempts)
		}
		attempts++

		doc := shard[rng.Intn(len(shard))]
		anchor, spans, err := sampler.Sample(doc)
		if err != nil {
			if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInfeasibleSampling) {
				t.logger.Debug("resampling document", "error", err)
				continue
			}
			return nil, nil, err
		}

		ids := t.vocab.EncodeText(anchor)
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
		anchors.IDs = append(anchors.IDs, ids)

		group := make([][]int, len(spans))
		for i, span := range spans {
			group[i] = t.vocab.EncodeText(span)
		}
		positives.Groups = append(positives.Groups, group)
	}

	// Pad anchors to a rectangular batch; pooling skips the padding.
	for i, ids := range anchors.IDs {
		anchors.IDs[i] = PadTo(ids, maxLen)
	}
	return anchors, positives, nil
}

// learningRate implements linear warmup followed by cosine decay to MinLR.
func (t *Trainer) learningRate(step int) float64 {
	cfg := t.cfg.Training
	if cfg.WarmupSteps > 0 && step < cfg.WarmupSteps {
		return cfg.LearningRate * float64(step+1) / float64(cfg.WarmupSteps)
	}
	if cfg.DecaySteps <= 0 {
		return cfg.LearningRate
	}

	progress := float64(step-cfg.WarmupSteps) / float64(cfg.DecaySteps)
	if progress >= 1 {
		return cfg.MinLR
	}
	cosine := 0.5 * (1 + math.Cos(math.Pi*progress))
	return cfg.MinLR + (cfg.LearningRate-cfg.MinLR)*cosine
}

// applySGD updates parameters from the accumulated gradients, averaging
// across replicas and clipping by global norm. Runs on rank 0 while all
// other replicas sit at the step barrier, so no lock is needed beyond the
// accumulation mutex already released.
func (t *Trainer) applySGD(lr, replicas float64) {
	cfg := t.cfg.Training
	scale := 1.0 / replicas

	sumSq := 0.0
	for _, p := range t.model.parameters() {
		g := t.model.grads[p]
		for _, v := range g.data {
			sumSq += v * v
		}
	}
	norm := math.Sqrt(sumSq) * scale

	clipScale := 1.0
	if cfg.ClipNorm > 0 && norm > cfg.ClipNorm {
		clipScale = cfg.ClipNorm / norm
	}

	for _, p := range t.model.parameters() {
		AddScaled(p, t.model.grads[p], -lr*scale*clipScale)
	}
}

// shardDocuments deals documents round-robin across n shards. Every shard
// receives at least one document as long as the corpus is non-empty (short
// corpora simply repeat across shards).
func shardDocuments(docs []string, n int) [][]string {
	shards := make([][]string, n)
	for i, doc := range docs {
		shards[i%n] = append(shards[i%n], doc)
	}
	for i := range shards {
		if len(shards[i]) == 0 {
			shards[i] = docs
		}
	}
	return shards
}

// ReadDocuments loads a newline-delimited corpus, skipping blank lines.
func ReadDocuments(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("training: read corpus %s: %w", path, err)
	}

	var docs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			docs = append(docs, line)
		}
	}
	return docs, nil
}

// EmbedDocuments encodes documents with a trained model in evaluation mode,
// returning one embedding row per document. Documents longer than the
// model's sequence window are truncated.
func EmbedDocuments(model *ContrastiveEncoder, vocab *Vocabulary, docs []string, batchSize int) (*Tensor, error) {
	if batchSize < 1 {
		batchSize = 32
	}
	model.Eval()

	var rows []*Tensor
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		batch := &TokenBatch{IDs: make([][]int, 0, end-start)}
		maxLen := 0
		for _, doc := range docs[start:end] {
			ids := vocab.EncodeText(doc)
			if len(ids) == 0 {
				ids = []int{UnkTokenID}
			}
			if len(ids) > model.Config().MaxSeqLen {
				ids = ids[:model.Config().MaxSeqLen]
			}
			if len(ids) > maxLen {
				maxLen = len(ids)
			}
			batch.IDs = append(batch.IDs, ids)
		}
		for i, ids := range batch.IDs {
			batch.IDs[i] = PadTo(ids, maxLen)
		}

		out, err := model.Forward(batch, nil)
		if err != nil {
			return nil, err
		}
		rows = append(rows, out.Embeddings)
	}

	return ConcatRows(rows...), nil
}
