package main

// ===========================================================================
// CONTRASTIVE LOSSES AND MINERS
// ===========================================================================
//
// The training step treats the loss and the miner as pluggable black boxes
// with a fixed call contract:
//
//   Loss.Compute(embeddings, labels, pairs) -> (scalar, dLoss/dEmbeddings)
//   Miner.Mine(embeddings, labels)         -> pair indices
//
// Embeddings arrive as one (2N, dim) tensor: N anchors followed by their N
// pooled positives, with labels[i] == labels[N+i] marking the pairs (see
// PackPairs). Any two rows with different labels are negatives of each other.
//
// Losses return their own gradient because the surrounding model uses
// analytic backprop for its fixed, shallow graph; a loss that cannot provide
// a gradient cannot train the encoder.
// ===========================================================================

import "math"

// MinedPairs holds index pairs selected by a miner. PosAnchors[i] pairs with
// Positives[i]; NegAnchors[i] pairs with Negatives[i]. All indices refer to
// rows of the embeddings tensor handed to Mine.
type MinedPairs struct {
	PosAnchors []int
	Positives  []int
	NegAnchors []int
	Negatives  []int
}

// Loss scores a batch of embeddings with pair labels. pairs may be nil, in
// which case every same-label ordered pair is a positive and every
// different-label row is a negative.
type Loss interface {
	Compute(embeddings *Tensor, labels []int, pairs *MinedPairs) (float64, *Tensor)
}

// Miner selects hard pairs from a batch before the loss call.
type Miner interface {
	Mine(embeddings *Tensor, labels []int) *MinedPairs
}

// PackPairs arranges gathered anchor and positive embeddings into the
// (embeddings, labels) layout the loss contract expects: anchors first, then
// positives, labeled so row i and row n+i share label i.
func PackPairs(anchors, positives *Tensor) (*Tensor, []int) {
	n := anchors.Rows()
	if positives.Rows() != n {
		panic("loss: anchor/positive row count mismatch")
	}

	embeddings := ConcatRows(anchors, positives)
	labels := make([]int, 2*n)
	for i := 0; i < n; i++ {
		labels[i] = i
		labels[n+i] = i
	}
	return embeddings, labels
}

// ===========================================================================
// NT-XENT
// ===========================================================================

// NTXentLoss is the normalized temperature-scaled cross entropy loss.
// For each positive pair (i, j) it treats j as the correct class among the
// candidate rows of i and applies cross entropy over cosine similarities
// divided by Temperature.
type NTXentLoss struct {
	Temperature float64
}

// NewNTXentLoss returns an NT-Xent loss with the customary 0.07 temperature.
func NewNTXentLoss() *NTXentLoss {
	return &NTXentLoss{Temperature: 0.07}
}

// Compute returns the mean loss over positive pairs and its gradient with
// respect to the (unnormalized) input embeddings. With no positive pairs the
// loss is zero and the gradient is all zeros.
func (l *NTXentLoss) Compute(embeddings *Tensor, labels []int, pairs *MinedPairs) (float64, *Tensor) {
	n := embeddings.Rows()
	dim := embeddings.Cols()
	temp := l.Temperature
	if temp <= 0 {
		temp = 0.07
	}

	z, norms := NormalizeRows(embeddings)

	posAnchors, positives := positivePairs(labels, pairs)
	gradZ := NewTensor(n, dim)
	grad := NewTensor(n, dim)
	if len(posAnchors) == 0 {
		return 0, grad
	}

	// Candidate sets: every other row by default, or the mined negatives
	// of each anchor when a miner ran.
	var minedNegs map[int][]int
	if pairs != nil {
		minedNegs = make(map[int][]int, len(pairs.NegAnchors))
		for m, a := range pairs.NegAnchors {
			minedNegs[a] = append(minedNegs[a], pairs.Negatives[m])
		}
	}

	totalLoss := 0.0
	pairScale := 1.0 / float64(len(posAnchors))

	for m, i := range posAnchors {
		j := positives[m]

		candidates := candidateRows(i, j, n, minedNegs)

		// Cross entropy over sims[i, candidates] with j as the target.
		maxSim := math.Inf(-1)
		sims := make([]float64, len(candidates))
		for c, k := range candidates {
			sims[c] = Dot(z, i, z, k) / temp
			if sims[c] > maxSim {
				maxSim = sims[c]
			}
		}
		sumExp := 0.0
		for c := range sims {
			sumExp += math.Exp(sims[c] - maxSim)
		}
		logSumExp := math.Log(sumExp) + maxSim

		target := Dot(z, i, z, j) / temp
		totalLoss += logSumExp - target

		for c, k := range candidates {
			p := math.Exp(sims[c] - maxSim) / sumExp
			if k == j {
				p -= 1
			}
			if p == 0 {
				continue
			}
			g := p * pairScale / temp
			for d := 0; d < dim; d++ {
				gradZ.AddAt(g*z.At(k, d), i, d)
				gradZ.AddAt(g*z.At(i, d), k, d)
			}
		}
	}

	// Back through the L2 normalization: for z = x/|x|,
	// dx = (dz - (dz . z) z) / |x|.
	for i := 0; i < n; i++ {
		dot := 0.0
		for d := 0; d < dim; d++ {
			dot += gradZ.At(i, d) * z.At(i, d)
		}
		for d := 0; d < dim; d++ {
			grad.Set((gradZ.At(i, d)-dot*z.At(i, d))/norms[i], i, d)
		}
	}

	return totalLoss * pairScale, grad
}

// positivePairs lists the ordered positive pairs to score: mined pairs when
// available, otherwise all ordered same-label pairs.
func positivePairs(labels []int, pairs *MinedPairs) ([]int, []int) {
	if pairs != nil {
		return pairs.PosAnchors, pairs.Positives
	}

	var anchors, positives []int
	for i := range labels {
		for j := range labels {
			if i != j && labels[i] == labels[j] {
				anchors = append(anchors, i)
				positives = append(positives, j)
			}
		}
	}
	return anchors, positives
}

// candidateRows returns the rows competing with positive j for anchor i:
// all rows but i itself, or the mined negatives plus j.
func candidateRows(i, j, n int, minedNegs map[int][]int) []int {
	if minedNegs == nil {
		candidates := make([]int, 0, n-1)
		for k := 0; k < n; k++ {
			if k != i {
				candidates = append(candidates, k)
			}
		}
		return candidates
	}

	candidates := []int{j}
	for _, k := range minedNegs[i] {
		if k != j {
			candidates = append(candidates, k)
		}
	}
	return candidates
}

// ===========================================================================
// PAIR MARGIN MINER
// ===========================================================================

// PairMarginMiner keeps only the hard pairs: positive pairs whose cosine
// similarity falls below PosMargin (the model has not pulled them together
// yet) and negative pairs whose similarity rises above NegMargin (the model
// has not pushed them apart yet).
type PairMarginMiner struct {
	PosMargin float64
	NegMargin float64
}

// NewPairMarginMiner returns a miner with margins that keep most positives
// and only clearly-confusable negatives early in training.
func NewPairMarginMiner() *PairMarginMiner {
	return &PairMarginMiner{PosMargin: 0.8, NegMargin: 0.3}
}

// Mine scans all ordered pairs and returns the hard ones. When every
// positive pair is already satisfied the result carries no positive pairs
// and the loss degrades to zero for this batch.
func (m *PairMarginMiner) Mine(embeddings *Tensor, labels []int) *MinedPairs {
	z, _ := NormalizeRows(embeddings)
	n := embeddings.Rows()

	mined := &MinedPairs{}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sim := Dot(z, i, z, j)
			if labels[i] == labels[j] {
				if sim < m.PosMargin {
					mined.PosAnchors = append(mined.PosAnchors, i)
					mined.Positives = append(mined.Positives, j)
				}
			} else if sim > m.NegMargin {
				mined.NegAnchors = append(mined.NegAnchors, i)
				mined.Negatives = append(mined.Negatives, j)
			}
		}
	}
	return mined
}
