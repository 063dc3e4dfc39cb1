package tensor

import "math/bits"

// ElementType identifies the element type of a tensor. The numeric codes are
// part of the external contract shared with producers and consumers outside
// the runtime and must not be renumbered.
type ElementType int32

const (
	Undefined  ElementType = 0
	Float32    ElementType = 1
	Uint8      ElementType = 2
	Int8       ElementType = 3
	Uint16     ElementType = 4
	Int16      ElementType = 5
	Int32      ElementType = 6
	Int64      ElementType = 7
	String     ElementType = 8
	Bool       ElementType = 9
	Float16    ElementType = 10
	Float64    ElementType = 11
	Uint32     ElementType = 12
	Uint64     ElementType = 13
	Complex64  ElementType = 14
	Complex128 ElementType = 15
	BFloat16   ElementType = 16
)

// ByteSize returns the size of one element in bytes. String elements are
// stored as opaque handles, so their size is the platform pointer width.
// Types the runtime cannot carry yet (Float16, Complex64, Complex128,
// BFloat16) and Undefined report 0; callers must treat 0 as unsupported.
func (t ElementType) ByteSize() int {
	switch t {
	case Uint8, Int8, Bool:
		return 1
	case Uint16, Int16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	case String:
		return bits.UintSize / 8
	default:
		return 0
	}
}

func (t ElementType) String() string {
	switch t {
	case Undefined:
		return "undefined"
	case Float32:
		return "float32"
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case String:
		return "string"
	case Bool:
		return "bool"
	case Float16:
		return "float16"
	case Float64:
		return "float64"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Complex64:
		return "complex64"
	case Complex128:
		return "complex128"
	case BFloat16:
		return "bfloat16"
	}
	return "unknown"
}
