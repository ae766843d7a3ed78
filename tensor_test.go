package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensorShapeAndAccess(t *testing.T) {
	x := NewTensor(2, 3)
	require.Equal(t, []int{2, 3}, x.Shape())
	require.Equal(t, 2, x.Rows())
	require.Equal(t, 3, x.Cols())
	require.Equal(t, 6, x.Size())

	x.Set(1.5, 1, 2)
	assert.Equal(t, 1.5, x.At(1, 2))
	x.AddAt(0.5, 1, 2)
	assert.Equal(t, 2.0, x.At(1, 2))
}

func TestNewTensorPanicsOnBadShape(t *testing.T) {
	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { NewTensor(-1) })
}

func TestTensorIndexPanics(t *testing.T) {
	x := NewTensor(2, 2)
	assert.Panics(t, func() { x.At(2, 0) })
	assert.Panics(t, func() { x.At(0, -1) })
	assert.Panics(t, func() { x.At(0) })
}

func TestCloneIsIndependent(t *testing.T) {
	x := NewTensor(2, 2)
	x.Set(3, 0, 0)
	y := x.Clone()
	y.Set(7, 0, 0)
	assert.Equal(t, 3.0, x.At(0, 0))
	assert.Equal(t, 7.0, y.At(0, 0))
}

func TestRowAndSetRow(t *testing.T) {
	x := NewTensor(2, 3)
	x.SetRow(1, []float64{1, 2, 3})
	assert.Equal(t, []float64{1, 2, 3}, x.Row(1))
	assert.Equal(t, []float64{0, 0, 0}, x.Row(0))

	// Mutating the returned row must not touch the tensor.
	row := x.Row(1)
	row[0] = 99
	assert.Equal(t, 1.0, x.At(1, 0))

	assert.Panics(t, func() { x.SetRow(0, []float64{1, 2}) })
}

func TestMatMul(t *testing.T) {
	a := NewTensor(2, 3)
	a.SetRow(0, []float64{1, 2, 3})
	a.SetRow(1, []float64{4, 5, 6})

	b := NewTensor(3, 2)
	b.SetRow(0, []float64{7, 8})
	b.SetRow(1, []float64{9, 10})
	b.SetRow(2, []float64{11, 12})

	c := MatMul(a, b)
	require.Equal(t, []int{2, 2}, c.Shape())
	assert.Equal(t, 58.0, c.At(0, 0))
	assert.Equal(t, 64.0, c.At(0, 1))
	assert.Equal(t, 139.0, c.At(1, 0))
	assert.Equal(t, 154.0, c.At(1, 1))

	assert.Panics(t, func() { MatMul(a, a) })
}

func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	a.SetRow(0, []float64{1, 2, 3})
	a.SetRow(1, []float64{4, 5, 6})

	at := Transpose(a)
	require.Equal(t, []int{3, 2}, at.Shape())
	assert.Equal(t, 2.0, at.At(1, 0))
	assert.Equal(t, 6.0, at.At(2, 1))
}

func TestConcatRows(t *testing.T) {
	a := NewTensor(1, 2)
	a.SetRow(0, []float64{1, 2})
	b := NewTensor(2, 2)
	b.SetRow(0, []float64{3, 4})
	b.SetRow(1, []float64{5, 6})

	c := ConcatRows(a, b)
	require.Equal(t, []int{3, 2}, c.Shape())
	assert.Equal(t, []float64{1, 2}, c.Row(0))
	assert.Equal(t, []float64{5, 6}, c.Row(2))

	mismatch := NewTensor(1, 3)
	assert.Panics(t, func() { ConcatRows(a, mismatch) })
}

func TestRowSlice(t *testing.T) {
	a := NewTensor(4, 2)
	for i := 0; i < 4; i++ {
		a.SetRow(i, []float64{float64(i), float64(i)})
	}

	s := RowSlice(a, 1, 3)
	require.Equal(t, []int{2, 2}, s.Shape())
	assert.Equal(t, []float64{1, 1}, s.Row(0))
	assert.Equal(t, []float64{2, 2}, s.Row(1))

	// The slice is a copy.
	s.Set(42, 0, 0)
	assert.Equal(t, 1.0, a.At(1, 0))

	assert.Panics(t, func() { RowSlice(a, 3, 3) })
	assert.Panics(t, func() { RowSlice(a, 0, 5) })
}

func TestMeanRows(t *testing.T) {
	a := NewTensor(2, 2)
	a.SetRow(0, []float64{1, 3})
	a.SetRow(1, []float64{3, 5})

	m := MeanRows(a)
	require.Equal(t, []int{1, 2}, m.Shape())
	assert.Equal(t, []float64{2, 4}, m.Row(0))
}

func TestNormalizeRows(t *testing.T) {
	a := NewTensor(3, 2)
	a.SetRow(0, []float64{3, 4})
	a.SetRow(1, []float64{0, 2})
	a.SetRow(2, []float64{0, 0})

	z, norms := NormalizeRows(a)
	assert.InDelta(t, 5.0, norms[0], 1e-12)
	assert.InDelta(t, 0.6, z.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, z.At(0, 1), 1e-12)
	assert.InDelta(t, 1.0, z.At(1, 1), 1e-12)

	// Zero rows pass through with a reported norm of 1.
	assert.Equal(t, 1.0, norms[2])
	assert.Equal(t, []float64{0, 0}, z.Row(2))

	for i := 0; i < 2; i++ {
		norm := math.Sqrt(Dot(z, i, z, i))
		assert.InDelta(t, 1.0, norm, 1e-12)
	}
}

func TestDot(t *testing.T) {
	a := NewTensor(2, 3)
	a.SetRow(0, []float64{1, 2, 3})
	a.SetRow(1, []float64{4, 5, 6})
	assert.Equal(t, 32.0, Dot(a, 0, a, 1))
}

func TestAddScaled(t *testing.T) {
	a := NewTensor(1, 3)
	a.SetRow(0, []float64{1, 2, 3})
	b := NewTensor(1, 3)
	b.SetRow(0, []float64{10, 10, 10})

	AddScaled(a, b, 0.5)
	assert.Equal(t, []float64{6, 7, 8}, a.Row(0))

	c := NewTensor(1, 2)
	assert.Panics(t, func() { AddScaled(a, c, 1) })
}

func TestNewTensorRandReproducible(t *testing.T) {
	a := NewTensorRand(rand.New(rand.NewSource(7)), 0.1, 3, 3)
	b := NewTensorRand(rand.New(rand.NewSource(7)), 0.1, 3, 3)
	assert.Equal(t, a.data, b.data)

	c := NewTensorRand(rand.New(rand.NewSource(8)), 0.1, 3, 3)
	assert.NotEqual(t, a.data, c.data)
}
