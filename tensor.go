package main

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense multi-dimensional array of float64 values stored in
// row-major order. Most of the training step works on 2D tensors of shape
// (rows, features), so the helpers below are row-oriented.
//
// Tensor is not safe for concurrent mutation. The replica workers only ever
// share tensors read-only (parameters during the forward pass, the gathered
// embeddings); gradient accumulation is serialized by the model.
type Tensor struct {
	data  []float64
	shape []int
}

// NewTensor creates a zero-initialized tensor with the given shape.
// Panics on an invalid shape: shape errors are programmer bugs, not runtime
// conditions to handle gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, std^2) using
// the supplied rng, so parameter initialization is reproducible per seed.
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int { return t.shape[0] }

// Cols returns the size of the second dimension of a 2D tensor.
func (t *Tensor) Cols() int {
	if len(t.shape) != 2 {
		panic("tensor: Cols requires 2D tensor")
	}
	return t.shape[1]
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value at the given indices. Panics on invalid indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// AddAt adds value to the element at the given indices.
func (t *Tensor) AddAt(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] += value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// Zero resets all elements to zero in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Row returns a copy of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	n := t.shape[1]
	row := make([]float64, n)
	copy(row, t.data[i*n:(i+1)*n])
	return row
}

// SetRow copies values into row i of a 2D tensor.
func (t *Tensor) SetRow(i int, values []float64) {
	if len(t.shape) != 2 {
		panic("tensor: SetRow requires 2D tensor")
	}
	n := t.shape[1]
	if len(values) != n {
		panic(fmt.Sprintf("tensor: SetRow expected %d values, got %d", n, len(values)))
	}
	copy(t.data[i*n:(i+1)*n], values)
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic(fmt.Sprintf("tensor: cannot matmul shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(m, n)
	for i := 0; i < m; i++ {
		for kk := 0; kk < k1; kk++ {
			aik := a.data[i*k1+kk]
			if aik == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.data[i*n+j] += aik * b.data[kk*n+j]
			}
		}
	}
	return out
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.Set(a.At(i, j), j, i)
		}
	}
	return out
}

// ConcatRows stacks 2D tensors vertically. All inputs must have the same
// number of columns.
func ConcatRows(tensors ...*Tensor) *Tensor {
	if len(tensors) == 0 {
		panic("tensor: ConcatRows requires at least one tensor")
	}
	cols := tensors[0].Cols()
	rows := 0
	for _, t := range tensors {
		if t.Cols() != cols {
			panic(fmt.Sprintf("tensor: ConcatRows column mismatch: %d vs %d", t.Cols(), cols))
		}
		rows += t.Rows()
	}

	out := NewTensor(rows, cols)
	offset := 0
	for _, t := range tensors {
		copy(out.data[offset:], t.data)
		offset += len(t.data)
	}
	return out
}

// RowSlice returns a copy of rows [start, end) of a 2D tensor.
func RowSlice(t *Tensor, start, end int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: RowSlice requires 2D tensor")
	}
	if start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("tensor: invalid row slice [%d,%d) of %d rows", start, end, t.shape[0]))
	}
	cols := t.shape[1]
	out := NewTensor(end-start, cols)
	copy(out.data, t.data[start*cols:end*cols])
	return out
}

// MeanRows collapses a 2D tensor to a single row holding the column-wise mean.
func MeanRows(t *Tensor) *Tensor {
	rows, cols := t.Rows(), t.Cols()
	out := NewTensor(1, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[j] += t.data[i*cols+j]
		}
	}
	for j := 0; j < cols; j++ {
		out.data[j] /= float64(rows)
	}
	return out
}

// NormalizeRows returns a copy of t with each row scaled to unit L2 norm,
// along with the original norms. Rows with a vanishing norm are left as-is
// and report a norm of 1 so downstream division is safe.
func NormalizeRows(t *Tensor) (*Tensor, []float64) {
	rows, cols := t.Rows(), t.Cols()
	out := NewTensor(rows, cols)
	norms := make([]float64, rows)

	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			v := t.data[i*cols+j]
			sum += v * v
		}
		norm := math.Sqrt(sum)
		if norm < 1e-12 {
			norm = 1
		}
		norms[i] = norm
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = t.data[i*cols+j] / norm
		}
	}
	return out, norms
}

// Dot returns the dot product of rows a[i] and b[j].
func Dot(a *Tensor, i int, b *Tensor, j int) float64 {
	cols := a.Cols()
	if b.Cols() != cols {
		panic(fmt.Sprintf("tensor: Dot column mismatch: %d vs %d", cols, b.Cols()))
	}
	sum := 0.0
	for k := 0; k < cols; k++ {
		sum += a.data[i*cols+k] * b.data[j*cols+k]
	}
	return sum
}

// AddScaled accumulates dst += src * scale element-wise.
func AddScaled(dst, src *Tensor, scale float64) {
	if len(dst.data) != len(src.data) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", dst.shape, src.shape))
	}
	for i := range dst.data {
		dst.data[i] += src.data[i] * scale
	}
}
