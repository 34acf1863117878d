package vas

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Array is a dense, row-major block of elements:
// the unit of data exchanged with the read and write interfaces.
// A nil Shape denotes a scalar holding exactly one element.
// A scalar is never represented as a zero-rank array with a shape.
type Array struct {
	Dtype Dtype
	Shape []int
	Data  []byte
}

// Numel returns the number of elements in a shape.
// The empty (nil) shape counts as one element: a scalar.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewArray builds an Array over data, checking that data has exactly
// numel(shape) elements of the dtype's size.
func NewArray(dtype Dtype, shape []int, data []byte) (*Array, error) {
	if err := dtype.check(); err != nil {
		return nil, err
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape", d)
		}
	}
	if want := Numel(shape) * dtype.Size(); len(data) != want {
		return nil, fmt.Errorf("data is %d bytes, want %d for shape %v %s", len(data), want, shape, dtype)
	}
	return &Array{Dtype: dtype, Shape: shape, Data: data}, nil
}

// NewFilled builds an Array of the given shape with every element set to
// fill. A nil fill means all-zero bytes.
func NewFilled(dtype Dtype, shape []int, fill []byte) *Array {
	es := dtype.Size()
	data := make([]byte, Numel(shape)*es)
	if len(fill) > 0 {
		for i := 0; i < len(data); i += es {
			copy(data[i:i+es], fill)
		}
	}
	return &Array{Dtype: dtype, Shape: shape, Data: data}
}

// Scalar reports whether a holds a single element with no shape.
func (a *Array) Scalar() bool {
	return a.Shape == nil
}

func (a *Array) Numel() int {
	return Numel(a.Shape)
}

// Elem returns the raw bytes of the i'th element in row-major order.
func (a *Array) Elem(i int) []byte {
	es := a.Dtype.Size()
	return a.Data[i*es : (i+1)*es]
}

// FromInt64s builds an int64 Array from values in row-major order.
func FromInt64s(shape []int, vals []int64) (*Array, error) {
	if len(vals) != Numel(shape) {
		return nil, fmt.Errorf("%d values for shape %v", len(vals), shape)
	}
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return &Array{Dtype: Int64, Shape: shape, Data: data}, nil
}

// Int64Scalar builds a scalar int64 Array.
func Int64Scalar(v int64) *Array {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], uint64(v))
	return &Array{Dtype: Int64, Data: data[:]}
}

// Int64s decodes an int64 Array's elements in row-major order.
func (a *Array) Int64s() ([]int64, error) {
	if a.Dtype != Int64 {
		return nil, errors.Errorf("array dtype is %s, not int64", a.Dtype)
	}
	out := make([]int64, a.Numel())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.Elem(i)))
	}
	return out, nil
}

// FromFloat64s builds a float64 Array from values in row-major order.
func FromFloat64s(shape []int, vals []float64) (*Array, error) {
	if len(vals) != Numel(shape) {
		return nil, fmt.Errorf("%d values for shape %v", len(vals), shape)
	}
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return &Array{Dtype: Float64, Shape: shape, Data: data}, nil
}

// Float64s decodes a float64 Array's elements in row-major order.
func (a *Array) Float64s() ([]float64, error) {
	if a.Dtype != Float64 {
		return nil, errors.Errorf("array dtype is %s, not float64", a.Dtype)
	}
	out := make([]float64, a.Numel())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Elem(i)))
	}
	return out, nil
}

// Value decodes the i'th element into a Go value, for display.
func (a *Array) Value(i int) interface{} {
	e := a.Elem(i)
	switch a.Dtype {
	case Int8:
		return int8(e[0])
	case Uint8:
		return e[0]
	case Bool:
		return e[0] != 0
	case Int16:
		return int16(binary.LittleEndian.Uint16(e))
	case Uint16:
		return binary.LittleEndian.Uint16(e)
	case Int32:
		return int32(binary.LittleEndian.Uint32(e))
	case Uint32:
		return binary.LittleEndian.Uint32(e)
	case Int64:
		return int64(binary.LittleEndian.Uint64(e))
	case Uint64:
		return binary.LittleEndian.Uint64(e)
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(e))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(e))
	}
	return e
}

func (a *Array) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%v[", a.Dtype, a.Shape)
	for i := 0; i < a.Numel(); i++ {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%v", a.Value(i))
	}
	sb.WriteString("]")
	return sb.String()
}
