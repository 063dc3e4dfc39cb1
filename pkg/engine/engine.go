// Package engine abstracts the accelerator an inference runtime dispatches
// to. The core sees the device only through the Engine interface, which keeps
// the pipeline testable against a simulated backend and retargetable to real
// hardware.
package engine

import "github.com/accelkit/npu-dispatch/pkg/tensor"

// JobID is the opaque handle an engine returns on submit and consumes on
// Wait.
type JobID int64

// DataType is the engine's native element type for output descriptors.
type DataType int32

const (
	TypeNone DataType = iota
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat
)

// Element maps a native data type to the portable element type. The mapping
// is total: anything the runtime does not know becomes Undefined.
func (d DataType) Element() tensor.ElementType {
	switch d {
	case TypeUint8:
		return tensor.Uint8
	case TypeUint16:
		return tensor.Uint16
	case TypeUint32:
		return tensor.Uint32
	case TypeUint64:
		return tensor.Uint64
	case TypeInt8:
		return tensor.Int8
	case TypeInt16:
		return tensor.Int16
	case TypeInt32:
		return tensor.Int32
	case TypeInt64:
		return tensor.Int64
	case TypeFloat:
		return tensor.Float32
	default:
		return tensor.Undefined
	}
}

// Output is one native output tensor descriptor yielded by Wait. Data points
// into the scratch region handed to Submit and is valid only until that
// scratch buffer is reused.
type Output struct {
	Name  string
	Type  DataType
	Shape []int64
	Data  []byte
}

// Engine is the asynchronous submit/wait surface of an accelerator. Submit
// and Wait must be safe to call concurrently; the dispatch runtime submits
// from caller goroutines while a dedicated worker blocks in Wait.
//
// The engine completes jobs in submission order. Wait on the oldest
// outstanding handle therefore best overlaps device-side execution.
type Engine interface {
	// Name identifies the backend for logging.
	Name() string

	// Submit starts an asynchronous inference over input, instructing the
	// device to stage its outputs in scratch. The returned handle is
	// consumed by Wait.
	Submit(input []byte, scratch []byte) (JobID, error)

	// Wait blocks until the job identified by id completes and returns its
	// output descriptors.
	Wait(id JobID) ([]Output, error)

	// OutputScratchSize reports the scratch bytes one job needs for its
	// outputs, fixed for the loaded model.
	OutputScratchSize() int

	// OutputTensorSizes reports the per-output byte sizes, fixed for the
	// loaded model.
	OutputTensorSizes() []int

	// DeviceCount reports the number of attached devices.
	DeviceCount() int

	// Close tears the engine down. No Submit or Wait may be in flight.
	Close() error
}
