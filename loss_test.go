package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackPairs(t *testing.T) {
	anchors := NewTensor(2, 3)
	anchors.SetRow(0, []float64{1, 0, 0})
	anchors.SetRow(1, []float64{0, 1, 0})
	positives := NewTensor(2, 3)
	positives.SetRow(0, []float64{2, 0, 0})
	positives.SetRow(1, []float64{0, 2, 0})

	embeddings, labels := PackPairs(anchors, positives)
	require.Equal(t, []int{4, 3}, embeddings.Shape())
	assert.Equal(t, []int{0, 1, 0, 1}, labels)
	assert.Equal(t, []float64{1, 0, 0}, embeddings.Row(0))
	assert.Equal(t, []float64{2, 0, 0}, embeddings.Row(2))

	short := NewTensor(1, 3)
	assert.Panics(t, func() { PackPairs(anchors, short) })
}

func TestNTXentPrefersAlignedPairs(t *testing.T) {
	loss := NewNTXentLoss()

	aligned := NewTensor(4, 2)
	aligned.SetRow(0, []float64{1, 0})
	aligned.SetRow(1, []float64{0, 1})
	aligned.SetRow(2, []float64{1, 0}) // positive of row 0
	aligned.SetRow(3, []float64{0, 1}) // positive of row 1

	confused := NewTensor(4, 2)
	confused.SetRow(0, []float64{1, 0})
	confused.SetRow(1, []float64{0, 1})
	confused.SetRow(2, []float64{0, 1}) // points at the wrong anchor
	confused.SetRow(3, []float64{1, 0})

	labels := []int{0, 1, 0, 1}
	alignedLoss, _ := loss.Compute(aligned, labels, nil)
	confusedLoss, _ := loss.Compute(confused, labels, nil)

	assert.Less(t, alignedLoss, confusedLoss)
}

func TestNTXentNoPositivePairs(t *testing.T) {
	loss := NewNTXentLoss()
	embeddings := NewTensor(2, 2)
	embeddings.SetRow(0, []float64{1, 0})
	embeddings.SetRow(1, []float64{0, 1})

	val, grad := loss.Compute(embeddings, []int{0, 1}, nil)
	assert.Zero(t, val)
	require.Equal(t, []int{2, 2}, grad.Shape())
	for i := 0; i < 2; i++ {
		assert.Equal(t, []float64{0, 0}, grad.Row(i))
	}
}

func TestNTXentGradientDescends(t *testing.T) {
	loss := NewNTXentLoss()
	rng := rand.New(rand.NewSource(6))

	anchors := NewTensorRand(rng, 1.0, 3, 8)
	positives := NewTensorRand(rng, 1.0, 3, 8)
	embeddings, labels := PackPairs(anchors, positives)

	initial, _ := loss.Compute(embeddings, labels, nil)
	for i := 0; i < 50; i++ {
		_, grad := loss.Compute(embeddings, labels, nil)
		AddScaled(embeddings, grad, -0.5)
	}
	final, _ := loss.Compute(embeddings, labels, nil)

	assert.Less(t, final, initial)
	assert.False(t, math.IsNaN(final))
}

func TestNTXentGradientMatchesFiniteDifference(t *testing.T) {
	loss := NewNTXentLoss()
	rng := rand.New(rand.NewSource(7))

	anchors := NewTensorRand(rng, 1.0, 2, 4)
	positives := NewTensorRand(rng, 1.0, 2, 4)
	embeddings, labels := PackPairs(anchors, positives)

	_, grad := loss.Compute(embeddings, labels, nil)

	const eps = 1e-6
	for i := 0; i < embeddings.Rows(); i++ {
		for d := 0; d < embeddings.Cols(); d++ {
			orig := embeddings.At(i, d)

			embeddings.Set(orig+eps, i, d)
			plus, _ := loss.Compute(embeddings, labels, nil)
			embeddings.Set(orig-eps, i, d)
			minus, _ := loss.Compute(embeddings, labels, nil)
			embeddings.Set(orig, i, d)

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, grad.At(i, d), 1e-3,
				"gradient mismatch at (%d,%d)", i, d)
		}
	}
}

func TestNTXentDefaultTemperatureOnInvalid(t *testing.T) {
	loss := &NTXentLoss{Temperature: -1}
	embeddings := NewTensor(2, 2)
	embeddings.SetRow(0, []float64{1, 0})
	embeddings.SetRow(1, []float64{1, 0})

	val, _ := loss.Compute(embeddings, []int{0, 0}, nil)
	assert.False(t, math.IsNaN(val))
	assert.False(t, math.IsInf(val, 0))
}

func TestPairMarginMinerSelectsHardPairs(t *testing.T) {
	miner := NewPairMarginMiner()

	embeddings := NewTensor(4, 2)
	embeddings.SetRow(0, []float64{1, 0})
	embeddings.SetRow(1, []float64{0, 1})    // same label as row 0, sim 0: hard positive
	embeddings.SetRow(2, []float64{1, 0.05}) // different label, sim ~1: hard negative
	embeddings.SetRow(3, []float64{-1, 0})   // different label, sim -1: easy, skipped
	labels := []int{0, 0, 1, 1}

	mined := miner.Mine(embeddings, labels)

	assert.Contains(t, pairSet(mined.PosAnchors, mined.Positives), [2]int{0, 1})
	assert.Contains(t, pairSet(mined.NegAnchors, mined.Negatives), [2]int{0, 2})
	assert.NotContains(t, pairSet(mined.NegAnchors, mined.Negatives), [2]int{0, 3})
}

func TestPairMarginMinerSatisfiedBatch(t *testing.T) {
	miner := NewPairMarginMiner()

	// Positives already aligned, negatives already orthogonal.
	embeddings := NewTensor(4, 2)
	embeddings.SetRow(0, []float64{1, 0})
	embeddings.SetRow(1, []float64{1, 0})
	embeddings.SetRow(2, []float64{0, 1})
	embeddings.SetRow(3, []float64{0, 1})
	labels := []int{0, 0, 1, 1}

	mined := miner.Mine(embeddings, labels)
	assert.Empty(t, mined.PosAnchors)

	// A mined batch with no positive pairs degrades the loss to zero.
	loss := NewNTXentLoss()
	val, _ := loss.Compute(embeddings, labels, mined)
	assert.Zero(t, val)
}

func pairSet(anchors, others []int) [][2]int {
	pairs := make([][2]int, len(anchors))
	for i := range anchors {
		pairs[i] = [2]int{anchors[i], others[i]}
	}
	return pairs
}
