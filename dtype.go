package vas

import "fmt"

// Dtype is the element type of a dataset.
// Multi-byte types are stored little-endian.
type Dtype string

const (
	Int8    Dtype = "int8"
	Int16   Dtype = "int16"
	Int32   Dtype = "int32"
	Int64   Dtype = "int64"
	Uint8   Dtype = "uint8"
	Uint16  Dtype = "uint16"
	Uint32  Dtype = "uint32"
	Uint64  Dtype = "uint64"
	Float32 Dtype = "float32"
	Float64 Dtype = "float64"
	Bool    Dtype = "bool"
)

// Size returns the number of bytes per element, or 0 for an unknown Dtype.
func (d Dtype) Size() int {
	switch d {
	case Int8, Uint8, Bool:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

func (d Dtype) Valid() bool {
	return d.Size() > 0
}

func (d Dtype) check() error {
	if !d.Valid() {
		return fmt.Errorf("unknown dtype %q", string(d))
	}
	return nil
}
