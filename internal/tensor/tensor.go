// Package tensor provides the dense float64 arrays that flow between layers.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major N-dimensional array.
// Images are stored as (batch, height, width, channels).
type Tensor struct {
	shape []int
	data  []float64
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		shape: append([]int(nil), shape...),
		data:  make([]float64, Size(shape)),
	}
}

// FromSlice wraps data (without copying) in a tensor with the given shape.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if Size(shape) != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d values, got %d", shape, Size(shape), len(data))
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// MustFromSlice is FromSlice that panics on a size mismatch. Intended for literals.
func MustFromSlice(data []float64, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromDense copies a gonum matrix into a rank-2 tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := New(r, c)
	mat.NewDense(r, c, t.data).Copy(m)
	return t
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Len returns the total number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing slice. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{shape: t.Shape(), data: make([]float64, len(t.data))}
	copy(c.data, t.data)
	return c
}

// Reshape returns a view sharing the backing data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Size(shape) != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v into %v", t.shape, shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: t.data}, nil
}

// Flatten returns a rank-2 (batch, features) view.
func (t *Tensor) Flatten() *Tensor {
	rows := t.shape[0]
	cols := 1
	if rows > 0 {
		cols = len(t.data) / rows
	}
	return &Tensor{shape: []int{rows, cols}, data: t.data}
}

// Matrix returns a gonum view of a rank-2 tensor sharing the backing data.
func (t *Tensor) Matrix() *mat.Dense {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: Matrix needs rank 2, have shape %v", t.shape))
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// Slice returns rows [from, to) of the leading dimension as a view.
func (t *Tensor) Slice(from, to int) (*Tensor, error) {
	if len(t.shape) == 0 || from < 0 || to > t.shape[0] || from > to {
		return nil, fmt.Errorf("tensor: slice [%d:%d] out of range for shape %v", from, to, t.shape)
	}
	stride := 1
	for _, d := range t.shape[1:] {
		stride *= d
	}
	shape := t.Shape()
	shape[0] = to - from
	return &Tensor{shape: shape, data: t.data[from*stride : to*stride]}, nil
}

// Row returns row i of a rank-2 tensor as a view.
func (t *Tensor) Row(i int) []float64 {
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

// At4 reads element (n, h, w, c) of a rank-4 tensor.
func (t *Tensor) At4(n, h, w, c int) float64 {
	return t.data[t.Index4(n, h, w, c)]
}

// Set4 writes element (n, h, w, c) of a rank-4 tensor.
func (t *Tensor) Set4(n, h, w, c int, v float64) {
	t.data[t.Index4(n, h, w, c)] = v
}

// Index4 returns the flat offset of (n, h, w, c).
func (t *Tensor) Index4(n, h, w, c int) int {
	return ((n*t.shape[1]+h)*t.shape[2]+w)*t.shape[3] + c
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("tensor: sub shape mismatch %v vs %v", a.shape, b.shape)
	}
	out := a.Clone()
	floats.Sub(out.data, b.data)
	return out, nil
}

// Scale multiplies every element in place.
func (t *Tensor) Scale(s float64) {
	floats.Scale(s, t.data)
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.data)
}

// SumSquares returns the sum of squared elements.
func (t *Tensor) SumSquares() float64 {
	return floats.Dot(t.data, t.data)
}

// HasNaNOrInf reports whether any element is not finite.
func (t *Tensor) HasNaNOrInf() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// String formats the shape for error messages.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}
