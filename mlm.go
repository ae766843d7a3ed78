package main

// Masked-language modeling pieces used by the auxiliary objective:
// the 80/10/10 masking strategy and a masked cross-entropy over the
// prediction head. Masking only ever applies to anchor inputs, and only in
// training mode.

import (
	"math"
	"math/rand"
)

// mlmIgnoreIndex marks positions that do not contribute to the masked loss.
const mlmIgnoreIndex = -100

// MLMOptions controls the masking strategy.
//
// Of the tokens selected for masking (MaskProb of the non-special tokens),
// a RandomProb share is replaced with a random vocabulary token and a
// KeepProb share is left unchanged; the rest become [MASK]. The random and
// keep shares stop the model from only ever seeing [MASK] at train time.
type MLMOptions struct {
	VocabSize  int
	MaskProb   float64
	RandomProb float64
	KeepProb   float64
}

// MaskingResult holds a masked copy of an input sequence and the per-position
// labels: mlmIgnoreIndex everywhere except masked positions, which carry the
// original token ID.
type MaskingResult struct {
	MaskedIDs []int
	Labels    []int
}

// ApplyMLMMasking applies the masking strategy to ids. Special tokens are
// never masked. The rng is supplied by the caller so concurrent replicas can
// each own a seeded stream.
func ApplyMLMMasking(ids []int, opts MLMOptions, rng *rand.Rand) *MaskingResult {
	result := &MaskingResult{
		MaskedIDs: make([]int, len(ids)),
		Labels:    make([]int, len(ids)),
	}
	copy(result.MaskedIDs, ids)
	for i := range result.Labels {
		result.Labels[i] = mlmIgnoreIndex
	}

	maskThreshold := 1 - opts.RandomProb - opts.KeepProb
	randomThreshold := 1 - opts.KeepProb

	for i, tokenID := range ids {
		if tokenID < NumSpecialTokens {
			continue
		}
		if rng.Float64() >= opts.MaskProb {
			continue
		}

		result.Labels[i] = tokenID
		switch decision := rng.Float64(); {
		case decision < maskThreshold:
			result.MaskedIDs[i] = MaskTokenID
		case decision < randomThreshold:
			result.MaskedIDs[i] = rng.Intn(opts.VocabSize-NumSpecialTokens) + NumSpecialTokens
		default:
			// Keep the original token.
		}
	}

	return result
}

// mlmRowLossAndGrad computes the masked cross-entropy for one sequence.
//
// hidden is (seqLen, dim), head is (dim, vocabSize), labels has seqLen
// entries. The loss is averaged over the masked positions of the row. When
// gradHidden/gradHead are non-nil, gradients scaled by gradScale (on top of
// the per-row masked average) are accumulated into them; gradHidden must
// match hidden's shape and gradHead the head's.
//
// Returns the row loss and the number of masked positions (0 means no loss).
func mlmRowLossAndGrad(hidden, head *Tensor, labels []int, gradScale float64, gradHidden, gradHead *Tensor) (float64, int) {
	seqLen := hidden.Rows()
	dim := hidden.Cols()
	vocabSize := head.Cols()

	numMasked := 0
	for _, label := range labels {
		if label != mlmIgnoreIndex {
			numMasked++
		}
	}
	if numMasked == 0 {
		return 0, 0
	}

	totalLoss := 0.0
	logits := make([]float64, vocabSize)

	for t := 0; t < seqLen; t++ {
		label := labels[t]
		if label == mlmIgnoreIndex {
			continue
		}

		// logits = hidden[t] @ head
		for j := 0; j < vocabSize; j++ {
			logits[j] = 0
		}
		for k := 0; k < dim; k++ {
			h := hidden.At(t, k)
			if h == 0 {
				continue
			}
			for j := 0; j < vocabSize; j++ {
				logits[j] += h * head.At(k, j)
			}
		}

		// Log-softmax with the usual max subtraction for stability.
		maxLogit := logits[0]
		for _, v := range logits {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for j := range logits {
			sumExp += math.Exp(logits[j] - maxLogit)
		}
		logSumExp := math.Log(sumExp)

		totalLoss += -(logits[label] - maxLogit - logSumExp)

		if gradHidden == nil && gradHead == nil {
			continue
		}

		// dLoss/dLogit = softmax - onehot(label), averaged over the
		// masked positions and scaled by gradScale.
		scale := gradScale / float64(numMasked)
		for j := 0; j < vocabSize; j++ {
			p := math.Exp(logits[j]-maxLogit) / sumExp
			if j == label {
				p -= 1
			}
			if p == 0 {
				continue
			}
			g := p * scale
			if gradHead != nil {
				for k := 0; k < dim; k++ {
					gradHead.AddAt(hidden.At(t, k)*g, k, j)
				}
			}
			if gradHidden != nil {
				for k := 0; k < dim; k++ {
					gradHidden.AddAt(head.At(k, j)*g, t, k)
				}
			}
		}
	}

	return totalLoss / float64(numMasked), numMasked
}
