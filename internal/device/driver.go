package device

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-strider/internal/element"
)

// Status is the result code of a driver call.
type Status int

const (
	StatusSuccess Status = iota
	// StatusNotSupported means the driver declines the operation for this
	// element kind, layout or shape. Callers fall back to the CPU kernels.
	StatusNotSupported
	StatusBadParam
	StatusAllocFailed
	StatusExecutionFailed
	StatusInternalError
)

var statusNames = [...]string{
	StatusSuccess:         "success",
	StatusNotSupported:    "not supported",
	StatusBadParam:        "bad param",
	StatusAllocFailed:     "alloc failed",
	StatusExecutionFailed: "execution failed",
	StatusInternalError:   "internal error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrNotSupported is what StatusNotSupported converts to.
var ErrNotSupported = errors.New("device: operation not supported")

// Err converts s to an error. Success is nil, a capability gap is
// ErrNotSupported, and every other status wraps ErrDeviceFault.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusNotSupported:
		return ErrNotSupported
	default:
		return fmt.Errorf("%w: %s", ErrDeviceFault, s)
	}
}

// Operand describes a strided tensor resident in device memory.
type Operand struct {
	Memory  *DeviceMemory
	Kind    element.Kind
	Shape   []int
	Strides []int
	// Base is the offset of the first element in logical element units.
	Base int
}

// Count returns the number of logical elements described by o.
func (o Operand) Count() int {
	n := 1
	for _, d := range o.Shape {
		n *= d
	}
	return n
}

// ReduceOp selects a reduction.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMin
	ReduceMax
	ReduceProd
	ReduceAll
	ReduceAny
)

var reduceNames = [...]string{"sum", "mean", "min", "max", "prod", "all", "any"}

func (r ReduceOp) String() string { return reduceNames[r] }

// ParseReduceOp is the inverse of ReduceOp.String.
func ParseReduceOp(s string) (ReduceOp, error) {
	for i, n := range reduceNames {
		if n == s {
			return ReduceOp(i), nil
		}
	}
	return 0, fmt.Errorf("device: unknown reduction %q", s)
}

// ElementwiseOp selects a binary elementwise operation.
type ElementwiseOp int

const (
	Add ElementwiseOp = iota
	Subtract
	Multiply
	Divide
)

var elementwiseNames = [...]string{"add", "subtract", "multiply", "divide"}

func (e ElementwiseOp) String() string { return elementwiseNames[e] }

// ParseElementwiseOp is the inverse of ElementwiseOp.String.
func ParseElementwiseOp(s string) (ElementwiseOp, error) {
	for i, n := range elementwiseNames {
		if n == s {
			return ElementwiseOp(i), nil
		}
	}
	return 0, fmt.Errorf("device: unknown elementwise op %q", s)
}

// PoolMode selects how a pooling window is combined.
type PoolMode int

const (
	PoolAverage PoolMode = iota
	PoolMax
)

func (m PoolMode) String() string {
	if m == PoolMax {
		return "max"
	}
	return "average"
}

// PoolConfig describes a pooling window over the trailing dimensions.
type PoolConfig struct {
	Mode    PoolMode
	Window  []int
	Strides []int
}

// Driver is the binding to an accelerator's math library.
//
// Calls validate their arguments and enqueue the work on q, returning a
// status immediately. Results are visible to later commands on q.
type Driver interface {
	Name() string
	Reduce(q *Queue, op ReduceOp, x, y Operand) Status
	Elementwise(q *Queue, op ElementwiseOp, a, b, y Operand) Status
	Pool(q *Queue, cfg PoolConfig, x, y Operand) Status
}
