package main

// ===========================================================================
// CONTRASTIVE TEXT ENCODER
// ===========================================================================
//
// The encoder learns one vector per text span. Architecture, front to back:
//
//   token IDs -> embedding lookup (+ position embeddings)
//             -> masked mean pooling over non-pad positions
//             -> optional projection head (two-layer MLP, ReLU)
//
// The pooled vector is the representation handed to downstream consumers.
// The projection head output exists only to feed the contrastive loss;
// projecting before the loss improves the pooled representation but is never
// surfaced as "the" embedding.
//
// In training mode with positives supplied, the forward pass:
//
//   1. optionally masks anchor tokens and records the auxiliary MLM loss,
//   2. encodes anchors, and every positive chunk independently,
//   3. mean-pools each anchor's positive chunks into one positive vector,
//   4. all-gathers anchors and positives across replicas so every replica
//      scores against the full global negative pool,
//   5. runs the optional miner, then the loss, and sums in the MLM loss.
//
// Outside training mode the pass stops after pooling/projection and returns
// the vectors; no loss is computed and no activations are retained.
// ===========================================================================

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// ErrInvalidConfig indicates a model configuration that cannot train.
// Raised at construction, before any forward pass runs.
var ErrInvalidConfig = errors.New("encoder: invalid configuration")

// EncoderConfig holds the encoder hyperparameters.
type EncoderConfig struct {
	VocabSize    int `koanf:"vocab_size"`
	EmbeddingDim int `koanf:"embedding_dim"`
	MaxSeqLen    int `koanf:"max_seq_len"`

	// ProjectionDim sizes the projection head output; 0 disables the head.
	ProjectionDim       int `koanf:"projection_dim"`
	ProjectionHiddenDim int `koanf:"projection_hidden_dim"`

	// MaskedLM enables the auxiliary masked-language objective on anchors.
	MaskedLM   bool    `koanf:"masked_lm"`
	MaskProb   float64 `koanf:"mask_prob"`
	RandomProb float64 `koanf:"random_prob"`
	KeepProb   float64 `koanf:"keep_prob"`
}

// NewEncoderConfig returns defaults sized for quick CPU experiments.
// VocabSize is left at zero; it comes from the built vocabulary.
func NewEncoderConfig() *EncoderConfig {
	return &EncoderConfig{
		EmbeddingDim:        64,
		MaxSeqLen:           64,
		ProjectionDim:       32,
		ProjectionHiddenDim: 64,
		MaskedLM:            true,
		MaskProb:            0.15,
		RandomProb:          0.10,
		KeepProb:            0.10,
	}
}

func (c *EncoderConfig) mlmOptions() MLMOptions {
	return MLMOptions{
		VocabSize:  c.VocabSize,
		MaskProb:   c.MaskProb,
		RandomProb: c.RandomProb,
		KeepProb:   c.KeepProb,
	}
}

// TokenBatch is a batch of token-ID sequences. Rows may be ragged; PadTokenID
// positions are excluded from pooling and from masking.
type TokenBatch struct {
	IDs [][]int
}

// PositiveGroups carries each anchor's positive spans as one or more encoded
// chunks: Groups[i] lists the chunks belonging to anchor i. Chunks are
// encoded independently and mean-pooled into a single positive embedding per
// anchor, which keeps the variance down when an anchor has several sampled
// spans.
type PositiveGroups struct {
	Groups [][][]int
}

// ForwardOutput is the result of a forward pass.
//
// Embeddings and Projections are populated only outside training mode, so
// no activation memory is retained during backpropagation. Loss is populated
// only in training mode with positives supplied.
type ForwardOutput struct {
	Embeddings  *Tensor
	Projections *Tensor
	Loss        float64
	HasLoss     bool
}

// StepStats breaks a training-step loss into its parts.
type StepStats struct {
	Loss        float64
	Contrastive float64
	MLM         float64
}

// ContrastiveEncoder is the trainable model. Parameters are shared across
// replica workers; gradient accumulation is serialized internally, so
// concurrent TrainStep calls from replicas are safe.
type ContrastiveEncoder struct {
	cfg *EncoderConfig

	loss   Loss
	miner  Miner
	gather Gatherer

	tokenEmb *Tensor // (vocabSize, dim)
	posEmb   *Tensor // (maxSeqLen, dim)
	mlmHead  *Tensor // (dim, vocabSize), nil without MaskedLM

	projW1 *Tensor // (dim, hidden), nil without projection head
	projB1 *Tensor // (1, hidden)
	projW2 *Tensor // (hidden, projectionDim)
	projB2 *Tensor // (1, projectionDim)

	gradMu sync.Mutex
	grads  map[*Tensor]*Tensor

	training bool
	rng      *rand.Rand
}

// NewContrastiveEncoder builds a model from cfg with pluggable loss, miner
// and gather implementations. miner may be nil (no mining step); gather may
// be nil (single replica). A nil loss is allowed only when the MLM objective
// is enabled: a model with neither has nothing to train against, which is a
// configuration error surfaced here rather than at forward time.
func NewContrastiveEncoder(cfg *EncoderConfig, loss Loss, miner Miner, gather Gatherer, seed int64) (*ContrastiveEncoder, error) {
	if cfg.VocabSize <= NumSpecialTokens {
		return nil, fmt.Errorf("%w: vocab_size must exceed %d, got %d",
			ErrInvalidConfig, NumSpecialTokens, cfg.VocabSize)
	}
	if cfg.EmbeddingDim <= 0 || cfg.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("%w: embedding_dim and max_seq_len must be positive",
			ErrInvalidConfig)
	}
	if loss == nil && !cfg.MaskedLM {
		return nil, fmt.Errorf("%w: no loss function provided; configure a contrastive loss and/or enable masked_lm",
			ErrInvalidConfig)
	}
	if gather == nil {
		gather = NoopGatherer{}
	}

	rng := rand.New(rand.NewSource(seed))
	std := 1.0 / math.Sqrt(float64(cfg.EmbeddingDim))

	m := &ContrastiveEncoder{
		cfg:      cfg,
		loss:     loss,
		miner:    miner,
		gather:   gather,
		tokenEmb: NewTensorRand(rng, std, cfg.VocabSize, cfg.EmbeddingDim),
		posEmb:   NewTensorRand(rng, std, cfg.MaxSeqLen, cfg.EmbeddingDim),
		rng:      rng,
	}

	if cfg.MaskedLM {
		m.mlmHead = NewTensorRand(rng, std, cfg.EmbeddingDim, cfg.VocabSize)
	}
	if cfg.ProjectionDim > 0 {
		hidden := cfg.ProjectionHiddenDim
		if hidden <= 0 {
			hidden = cfg.EmbeddingDim
		}
		m.projW1 = NewTensorRand(rng, std, cfg.EmbeddingDim, hidden)
		m.projB1 = NewTensor(1, hidden)
		m.projW2 = NewTensorRand(rng, std, hidden, cfg.ProjectionDim)
		m.projB2 = NewTensor(1, cfg.ProjectionDim)
	}

	m.grads = make(map[*Tensor]*Tensor, len(m.parameters()))
	for _, p := range m.parameters() {
		m.grads[p] = NewTensor(p.Shape()...)
	}

	return m, nil
}

// Config returns the model configuration.
func (m *ContrastiveEncoder) Config() *EncoderConfig { return m.cfg }

// Train switches the model into training mode.
func (m *ContrastiveEncoder) Train() { m.training = true }

// Eval switches the model into evaluation mode.
func (m *ContrastiveEncoder) Eval() { m.training = false }

// IsTraining reports the current mode.
func (m *ContrastiveEncoder) IsTraining() bool { return m.training }

// parameters lists all trainable tensors in a stable order.
func (m *ContrastiveEncoder) parameters() []*Tensor {
	params := []*Tensor{m.tokenEmb, m.posEmb}
	if m.mlmHead != nil {
		params = append(params, m.mlmHead)
	}
	if m.projW1 != nil {
		params = append(params, m.projW1, m.projB1, m.projW2, m.projB2)
	}
	return params
}

// zeroGrad clears all accumulated gradients.
func (m *ContrastiveEncoder) zeroGrad() {
	m.gradMu.Lock()
	defer m.gradMu.Unlock()
	for _, g := range m.grads {
		g.Zero()
	}
}

// Forward runs the pass described in the file header and returns the output
// per the visibility rules on ForwardOutput. positives may be nil (e.g. at
// evaluation time); in that case only anchors are encoded.
func (m *ContrastiveEncoder) Forward(anchors *TokenBatch, positives *PositiveGroups) (*ForwardOutput, error) {
	out, _, err := m.run(anchors, positives, m.rng, m.gather, false)
	return out, err
}

// TrainStep runs a training-mode forward pass and accumulates parameter
// gradients for it. The rng drives MLM masking and must be owned by the
// calling replica, as must gather (nil selects the model's own gatherer);
// parameters and gradients stay shared. The model must be in training mode.
func (m *ContrastiveEncoder) TrainStep(anchors *TokenBatch, positives *PositiveGroups, rng *rand.Rand, gather Gatherer) (StepStats, error) {
	if !m.training {
		return StepStats{}, fmt.Errorf("%w: TrainStep requires training mode", ErrInvalidConfig)
	}
	if gather == nil {
		gather = m.gather
	}
	_, stats, err := m.run(anchors, positives, rng, gather, true)
	return stats, err
}

// rowCache retains what the backward pass needs about one encoded sequence.
type rowCache struct {
	ids    []int   // IDs actually embedded (post-masking for anchors)
	labels []int   // MLM labels, nil when masking was not applied
	hidden *Tensor // (seqLen, dim) embedded sequence
	valid  int     // non-pad positions pooled (>= 1 unless the row is empty)
}

func (m *ContrastiveEncoder) run(anchors *TokenBatch, positives *PositiveGroups, rng *rand.Rand, gather Gatherer, withGrad bool) (*ForwardOutput, StepStats, error) {
	out := &ForwardOutput{}
	stats := StepStats{}

	if anchors == nil || len(anchors.IDs) == 0 {
		return nil, stats, fmt.Errorf("encoder: forward requires at least one anchor row")
	}

	masking := m.training && m.cfg.MaskedLM

	// Encode anchors, masking first when the MLM objective is active.
	anchorCaches := make([]*rowCache, len(anchors.IDs))
	pooled := NewTensor(len(anchors.IDs), m.cfg.EmbeddingDim)
	for i, ids := range anchors.IDs {
		var masked *MaskingResult
		if masking {
			masked = ApplyMLMMasking(ids, m.cfg.mlmOptions(), rng)
		}
		rc, err := m.encodeRow(ids, masked)
		if err != nil {
			return nil, stats, err
		}
		anchorCaches[i] = rc
		pooled.SetRow(i, poolRow(rc))
	}

	// Auxiliary MLM loss, averaged across anchors. Gradients flow into the
	// embedding table, position table and head.
	mlmLoss := 0.0
	hasMLM := false
	if masking && len(anchors.IDs) > 0 {
		rowScale := 1.0 / float64(len(anchors.IDs))
		for _, rc := range anchorCaches {
			var gradHidden *Tensor
			if withGrad {
				gradHidden = NewTensor(rc.hidden.Shape()...)
			}
			var gradHead *Tensor
			if withGrad {
				m.gradMu.Lock()
				gradHead = m.grads[m.mlmHead]
			}
			rowLoss, masked := mlmRowLossAndGrad(rc.hidden, m.mlmHead, rc.labels, rowScale, gradHidden, gradHead)
			if withGrad {
				m.gradMu.Unlock()
			}
			if masked > 0 {
				hasMLM = true
				mlmLoss += rowLoss * rowScale
				if withGrad {
					m.accumulateHiddenGrad(rc, gradHidden)
				}
			}
		}
	}

	if !m.training {
		out.Embeddings = pooled.Clone()
		if m.projW1 != nil {
			proj, _ := m.project(pooled)
			out.Projections = proj
		}
		return out, stats, nil
	}

	// Positives supplied in training mode signal that a loss is wanted.
	if positives == nil || len(positives.Groups) == 0 {
		return out, stats, nil
	}
	if len(positives.Groups) != len(anchors.IDs) {
		return nil, stats, fmt.Errorf("encoder: %d anchor rows but %d positive groups",
			len(anchors.IDs), len(positives.Groups))
	}

	contrastive := 0.0
	var chunkCaches [][]*rowCache
	if m.loss != nil {
		// Encode every positive chunk independently, then represent each
		// anchor's positives by their mean embedding.
		chunkCaches = make([][]*rowCache, len(positives.Groups))
		positivePooled := NewTensor(len(positives.Groups), m.cfg.EmbeddingDim)
		for i, group := range positives.Groups {
			if len(group) == 0 {
				return nil, stats, fmt.Errorf("encoder: positive group %d is empty", i)
			}
			chunkRows := NewTensor(len(group), m.cfg.EmbeddingDim)
			for c, chunk := range group {
				rc, err := m.encodeRow(chunk, nil)
				if err != nil {
					return nil, stats, err
				}
				chunkCaches[i] = append(chunkCaches[i], rc)
				chunkRows.SetRow(c, poolRow(rc))
			}
			positivePooled.SetRow(i, MeanRows(chunkRows).Row(0))
		}

		c, err := m.contrastiveLossAndGrad(pooled, positivePooled, anchorCaches, chunkCaches, gather, withGrad)
		if err != nil {
			return nil, stats, err
		}
		contrastive = c
	}

	// The step loss combines whichever objectives are active.
	stats.Contrastive = contrastive
	if hasMLM {
		stats.MLM = mlmLoss
	}
	stats.Loss = contrastive + stats.MLM
	out.Loss = stats.Loss
	out.HasLoss = true
	return out, stats, nil
}

// contrastiveLossAndGrad finishes the training pass: projection head, cross-
// replica gather, miner, loss, and (optionally) backpropagation into the
// parameters. Returns the contrastive loss value.
func (m *ContrastiveEncoder) contrastiveLossAndGrad(anchorPooled, positivePooled *Tensor, anchorCaches []*rowCache, chunkCaches [][]*rowCache, gather Gatherer, withGrad bool) (float64, error) {
	n := anchorPooled.Rows()

	// Project both sides through the shared head when configured; the loss
	// sees projections, never raw pooled embeddings.
	anchorIn, anchorHidden := anchorPooled, (*Tensor)(nil)
	positiveIn, positiveHidden := positivePooled, (*Tensor)(nil)
	if m.projW1 != nil {
		anchorIn, anchorHidden = m.project(anchorPooled)
		positiveIn, positiveHidden = m.project(positivePooled)
	}

	// Both gathers are collectives; every replica runs them in this order
	// each step (anchors, then positives).
	globalAnchors, anchorOffset, err := gather.Gather(anchorIn)
	if err != nil {
		return 0, err
	}
	globalPositives, positiveOffset, err := gather.Gather(positiveIn)
	if err != nil {
		return 0, err
	}

	embeddings, labels := PackPairs(globalAnchors, globalPositives)

	var pairs *MinedPairs
	if m.miner != nil {
		pairs = m.miner.Mine(embeddings, labels)
	}

	lossVal, gradEmb := m.loss.Compute(embeddings, labels, pairs)
	if !withGrad {
		return lossVal, nil
	}

	// Gradient flows only into this replica's slice of the global batch.
	globalN := globalAnchors.Rows()
	dAnchors := RowSlice(gradEmb, anchorOffset, anchorOffset+n)
	dPositives := RowSlice(gradEmb, globalN+positiveOffset, globalN+positiveOffset+n)

	m.gradMu.Lock()
	defer m.gradMu.Unlock()

	if m.projW1 != nil {
		dAnchors = m.projectBackward(anchorPooled, anchorHidden, dAnchors)
		dPositives = m.projectBackward(positivePooled, positiveHidden, dPositives)
	}

	// Anchor pooling backward.
	for i, rc := range anchorCaches {
		m.poolBackwardLocked(rc, dAnchors.Row(i))
	}
	// Chunk-mean then pooling backward for positives.
	for i, caches := range chunkCaches {
		row := dPositives.Row(i)
		scaled := make([]float64, len(row))
		for d := range row {
			scaled[d] = row[d] / float64(len(caches))
		}
		for _, rc := range caches {
			m.poolBackwardLocked(rc, scaled)
		}
	}

	return lossVal, nil
}

// encodeRow embeds one sequence: token embedding plus position embedding at
// every position. When masked is non-nil the masked IDs are embedded and the
// MLM labels retained.
func (m *ContrastiveEncoder) encodeRow(ids []int, masked *MaskingResult) (*rowCache, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("encoder: cannot encode an empty sequence")
	}
	if len(ids) > m.cfg.MaxSeqLen {
		return nil, fmt.Errorf("encoder: sequence of %d tokens exceeds max_seq_len %d",
			len(ids), m.cfg.MaxSeqLen)
	}

	embedIDs := ids
	var labels []int
	if masked != nil {
		embedIDs = masked.MaskedIDs
		labels = masked.Labels
	}

	dim := m.cfg.EmbeddingDim
	hidden := NewTensor(len(embedIDs), dim)
	valid := 0
	for t, id := range embedIDs {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("encoder: token id %d out of range [0,%d)", id, m.cfg.VocabSize)
		}
		if id != PadTokenID {
			valid++
		}
		for d := 0; d < dim; d++ {
			hidden.Set(m.tokenEmb.At(id, d)+m.posEmb.At(t, d), t, d)
		}
	}

	return &rowCache{ids: embedIDs, labels: labels, hidden: hidden, valid: valid}, nil
}

// poolRow mean-pools the non-pad positions of an encoded row. A row of only
// padding pools to the zero vector.
func poolRow(rc *rowCache) []float64 {
	dim := rc.hidden.Cols()
	out := make([]float64, dim)
	if rc.valid == 0 {
		return out
	}
	for t, id := range rc.ids {
		if id == PadTokenID {
			continue
		}
		for d := 0; d < dim; d++ {
			out[d] += rc.hidden.At(t, d) / float64(rc.valid)
		}
	}
	return out
}

// poolBackwardLocked routes a pooled-vector gradient back into the token and
// position embedding tables. Caller holds gradMu.
func (m *ContrastiveEncoder) poolBackwardLocked(rc *rowCache, grad []float64) {
	if rc.valid == 0 {
		return
	}
	gradToken := m.grads[m.tokenEmb]
	gradPos := m.grads[m.posEmb]
	scale := 1.0 / float64(rc.valid)
	for t, id := range rc.ids {
		if id == PadTokenID {
			continue
		}
		for d, g := range grad {
			gradToken.AddAt(g*scale, id, d)
			gradPos.AddAt(g*scale, t, d)
		}
	}
}

// accumulateHiddenGrad routes per-position hidden gradients (from the MLM
// loss) into the embedding tables.
func (m *ContrastiveEncoder) accumulateHiddenGrad(rc *rowCache, gradHidden *Tensor) {
	m.gradMu.Lock()
	defer m.gradMu.Unlock()
	gradToken := m.grads[m.tokenEmb]
	gradPos := m.grads[m.posEmb]
	dim := gradHidden.Cols()
	for t, id := range rc.ids {
		for d := 0; d < dim; d++ {
			g := gradHidden.At(t, d)
			if g == 0 {
				continue
			}
			gradToken.AddAt(g, id, d)
			gradPos.AddAt(g, t, d)
		}
	}
}

// project applies the projection head: relu(x W1 + b1) W2 + b2.
// Returns the output and the post-ReLU hidden activations for backprop.
func (m *ContrastiveEncoder) project(x *Tensor) (*Tensor, *Tensor) {
	hidden := MatMul(x, m.projW1)
	for i := 0; i < hidden.Rows(); i++ {
		for j := 0; j < hidden.Cols(); j++ {
			v := hidden.At(i, j) + m.projB1.At(0, j)
			if v < 0 {
				v = 0
			}
			hidden.Set(v, i, j)
		}
	}

	out := MatMul(hidden, m.projW2)
	for i := 0; i < out.Rows(); i++ {
		for j := 0; j < out.Cols(); j++ {
			out.Set(out.At(i, j)+m.projB2.At(0, j), i, j)
		}
	}
	return out, hidden
}

// projectBackward accumulates projection-head gradients for one batch and
// returns the gradient with respect to the head input. Caller holds gradMu.
func (m *ContrastiveEncoder) projectBackward(x, hidden, dOut *Tensor) *Tensor {
	gradW2 := m.grads[m.projW2]
	gradB2 := m.grads[m.projB2]
	gradW1 := m.grads[m.projW1]
	gradB1 := m.grads[m.projB1]

	AddScaled(gradW2, MatMul(Transpose(hidden), dOut), 1)
	for i := 0; i < dOut.Rows(); i++ {
		for j := 0; j < dOut.Cols(); j++ {
			gradB2.AddAt(dOut.At(i, j), 0, j)
		}
	}

	dHidden := MatMul(dOut, Transpose(m.projW2))
	for i := 0; i < dHidden.Rows(); i++ {
		for j := 0; j < dHidden.Cols(); j++ {
			if hidden.At(i, j) == 0 {
				dHidden.Set(0, i, j)
			}
		}
	}

	AddScaled(gradW1, MatMul(Transpose(x), dHidden), 1)
	for i := 0; i < dHidden.Rows(); i++ {
		for j := 0; j < dHidden.Cols(); j++ {
			gradB1.AddAt(dHidden.At(i, j), 0, j)
		}
	}

	return MatMul(dHidden, Transpose(m.projW1))
}
