// Package tensor implements the minimal dense/sparse tensor value types the
// process group needs to stage and reduce data. The real tensor library is
// a collaborator the process group only borrows shape/dtype/contiguity
// information from; this package plays that role for the closed set of
// element types the transport collaborator understands.
package tensor

import (
	"fmt"
)

// DType is one of the seven element types the transport collaborator can
// exchange. The set is closed: any other type is rejected by validation
// before a collective is ever enqueued.
type DType uint8

const (
	Float32 DType = iota
	Float64
	Float16
	Int8
	Uint8
	Int32
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Float16:
		return "f16"
	case Int8:
		return "i8"
	case Uint8:
		return "u8"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the width in bytes of one element of d.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16:
		return 2
	case Int8, Uint8:
		return 1
	default:
		return 0
	}
}

// SupportedDTypes is the closed set the transport and reduction dispatch
// tables cover. Anything outside it fails validation with ErrInvalidArgument.
var SupportedDTypes = map[DType]bool{
	Float32: true,
	Float64: true,
	Float16: true,
	Int8:    true,
	Uint8:   true,
	Int32:   true,
	Int64:   true,
}
