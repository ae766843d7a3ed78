package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMLMMaskingNeverTouchesSpecials(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ids := []int{PadTokenID, UnkTokenID, MaskTokenID, PadTokenID}
	opts := MLMOptions{VocabSize: 100, MaskProb: 1.0}

	result := ApplyMLMMasking(ids, opts, rng)
	assert.Equal(t, ids, result.MaskedIDs)
	for _, label := range result.Labels {
		assert.Equal(t, mlmIgnoreIndex, label)
	}
}

func TestApplyMLMMaskingFullMask(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	ids := []int{10, 11, 12, 13}
	opts := MLMOptions{VocabSize: 100, MaskProb: 1.0, RandomProb: 0, KeepProb: 0}

	result := ApplyMLMMasking(ids, opts, rng)
	for i, id := range result.MaskedIDs {
		assert.Equal(t, MaskTokenID, id, "position %d", i)
		assert.Equal(t, ids[i], result.Labels[i], "position %d", i)
	}
}

func TestApplyMLMMaskingLabelsOnlyAtMaskedPositions(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ids := make([]int, 50)
	for i := range ids {
		ids[i] = NumSpecialTokens + i
	}
	opts := MLMOptions{VocabSize: 200, MaskProb: 0.15, RandomProb: 0.1, KeepProb: 0.1}

	result := ApplyMLMMasking(ids, opts, rng)
	require.Len(t, result.MaskedIDs, len(ids))
	require.Len(t, result.Labels, len(ids))

	for i := range ids {
		if result.Labels[i] == mlmIgnoreIndex {
			// Unselected positions pass through untouched.
			assert.Equal(t, ids[i], result.MaskedIDs[i], "position %d", i)
		} else {
			assert.Equal(t, ids[i], result.Labels[i], "position %d", i)
		}
	}
}

func TestApplyMLMMaskingSplitProportions(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	opts := MLMOptions{VocabSize: 500, MaskProb: 1.0, RandomProb: 0.1, KeepProb: 0.1}

	const n = 20000
	ids := make([]int, n)
	for i := range ids {
		ids[i] = NumSpecialTokens
	}

	result := ApplyMLMMasking(ids, opts, rng)

	masked, random, kept := 0, 0, 0
	for i, id := range result.MaskedIDs {
		require.NotEqual(t, mlmIgnoreIndex, result.Labels[i])
		switch {
		case id == MaskTokenID:
			masked++
		case id == ids[i]:
			kept++
		default:
			require.GreaterOrEqual(t, id, NumSpecialTokens)
			require.Less(t, id, opts.VocabSize)
			random++
		}
	}

	assert.InDelta(t, 0.8, float64(masked)/n, 0.02)
	assert.InDelta(t, 0.1, float64(random)/n, 0.02)
	assert.InDelta(t, 0.1, float64(kept)/n, 0.02)
}

func TestMLMRowLossNoMaskedPositions(t *testing.T) {
	hidden := NewTensor(2, 4)
	head := NewTensor(4, 10)
	labels := []int{mlmIgnoreIndex, mlmIgnoreIndex}

	loss, masked := mlmRowLossAndGrad(hidden, head, labels, 1, nil, nil)
	assert.Zero(t, loss)
	assert.Zero(t, masked)
}

func TestMLMRowLossUniformLogits(t *testing.T) {
	// Zero hidden states give uniform logits, so the loss is log(vocabSize).
	hidden := NewTensor(3, 4)
	head := NewTensor(4, 10)
	labels := []int{5, mlmIgnoreIndex, 7}

	loss, masked := mlmRowLossAndGrad(hidden, head, labels, 1, nil, nil)
	assert.Equal(t, 2, masked)
	assert.InDelta(t, math.Log(10), loss, 1e-9)
}

func TestMLMRowLossGradientDescends(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	hidden := NewTensorRand(rng, 0.5, 2, 4)
	head := NewTensorRand(rng, 0.5, 4, 10)
	labels := []int{3, 8}

	initial, masked := mlmRowLossAndGrad(hidden, head, labels, 1, nil, nil)
	require.Equal(t, 2, masked)

	for i := 0; i < 30; i++ {
		gradHidden := NewTensor(2, 4)
		gradHead := NewTensor(4, 10)
		mlmRowLossAndGrad(hidden, head, labels, 1, gradHidden, gradHead)
		AddScaled(hidden, gradHidden, -0.5)
		AddScaled(head, gradHead, -0.5)
	}

	final, _ := mlmRowLossAndGrad(hidden, head, labels, 1, nil, nil)
	assert.Less(t, final, initial)
}
