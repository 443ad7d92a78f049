// Package tensor provides the dense N-dimensional tensors the convolution
// kernel operates on, together with the bit-plane packing primitive.
//
// Tensors are immutable by convention once a graph stage has produced them:
// a stage writes its output buffer exactly once, after which the buffer is
// only read. Shapes are row-major; element access in hot loops goes through
// precomputed strides rather than the convenience At/Set methods.
package tensor

import "fmt"

// DType identifies the element type of a logical tensor.
type DType uint8

const (
	Uint8 DType = iota
	Uint16
	Int16
)

// String returns the Go-style name of the dtype.
func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Elem constrains the element types a Dense tensor may carry.
type Elem interface {
	~uint8 | ~uint16 | ~int16 | ~int32 | ~int64
}

// Shape is the extent of each axis of a tensor, outermost first.
type Shape []int

// Size returns the total element count, or 0 for an empty shape.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Strides returns row-major strides for the shape.
func (s Shape) Strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

// Equal reports whether two shapes have identical rank and extents.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	out := "("
	for i, d := range s {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprint(d)
	}
	return out + ")"
}

// Dense is a row-major N-dimensional tensor over a fixed element type.
type Dense[T Elem] struct {
	shape   Shape
	strides []int
	Data    []T
}

// New allocates a zero-filled tensor with the given shape.
func New[T Elem](shape ...int) *Dense[T] {
	s := Shape(shape).Clone()
	return &Dense[T]{
		shape:   s,
		strides: s.Strides(),
		Data:    make([]T, s.Size()),
	}
}

// FromSlice wraps data in a tensor of the given shape. The slice is not
// copied; len(data) must equal the shape's size.
func FromSlice[T Elem](data []T, shape ...int) (*Dense[T], error) {
	s := Shape(shape).Clone()
	if len(data) != s.Size() {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), s)
	}
	return &Dense[T]{shape: s, strides: s.Strides(), Data: data}, nil
}

// Shape returns the tensor's shape. Callers must not modify it.
func (t *Dense[T]) Shape() Shape { return t.shape }

// Strides returns the tensor's row-major strides. Callers must not modify it.
func (t *Dense[T]) Strides() []int { return t.strides }

// Rank returns the number of axes.
func (t *Dense[T]) Rank() int { return len(t.shape) }

// Offset computes the flat index of a coordinate tuple.
func (t *Dense[T]) Offset(ix ...int) int {
	off := 0
	for i, x := range ix {
		off += x * t.strides[i]
	}
	return off
}

// At returns the element at a coordinate tuple.
func (t *Dense[T]) At(ix ...int) T { return t.Data[t.Offset(ix...)] }

// Set stores v at a coordinate tuple.
func (t *Dense[T]) Set(v T, ix ...int) { t.Data[t.Offset(ix...)] = v }
