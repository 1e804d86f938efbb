// Package tensor provides the dense tensor type consumed by the optimizers
// in this repository. Tensors are caller-owned: the optimizer reads and
// writes their data and gradient in place but never creates or frees them.
package tensor

import "github.com/x448/float16"

// DataType represents runtime type information for tensor and
// preconditioner storage.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	Float64
	Float16
)

// Size returns the byte size of one element of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	case Float16:
		return 2
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// Round returns v reduced to the precision of the data type and widened
// back to float64. Float64 is the identity.
func (dt DataType) Round(v float64) float64 {
	switch dt {
	case Float64:
		return v
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	default:
		panic("unknown data type")
	}
}
