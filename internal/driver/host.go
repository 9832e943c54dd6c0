// Package driver provides an emulated accelerator driver.
//
// Host executes a subset of the device operations against discreet device
// memory using gonum kernels. Anything outside that subset is declined with
// StatusNotSupported so callers exercise their CPU fallback.
package driver

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
	"github.com/23skdu/longbow-strider/internal/simd"
)

// Host is an accelerator driver that runs on the host CPU.
type Host struct {
	declineReduce      map[device.ReduceOp]bool
	declineElementwise map[device.ElementwiseOp]bool
	fault              device.Status
	log                zerolog.Logger
}

// Option configures a Host driver.
type Option func(*Host)

// DeclineReduce makes the driver report ops as not supported.
func DeclineReduce(ops ...device.ReduceOp) Option {
	return func(h *Host) {
		for _, op := range ops {
			h.declineReduce[op] = true
		}
	}
}

// DeclineElementwise makes the driver report ops as not supported.
func DeclineElementwise(ops ...device.ElementwiseOp) Option {
	return func(h *Host) {
		for _, op := range ops {
			h.declineElementwise[op] = true
		}
	}
}

// FailWith makes every supported call return s. Used to inject device faults.
func FailWith(s device.Status) Option {
	return func(h *Host) { h.fault = s }
}

// WithLogger sets the driver logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// NewHost returns an emulated accelerator driver.
func NewHost(opts ...Option) *Host {
	h := &Host{
		declineReduce:      make(map[device.ReduceOp]bool),
		declineElementwise: make(map[device.ElementwiseOp]bool),
		log:                log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Name() string { return "host" }

// Reduce supports full reductions of contiguous float32 and float64 tensors.
func (h *Host) Reduce(q *device.Queue, op device.ReduceOp, x, y device.Operand) device.Status {
	if h.declineReduce[op] || op == device.ReduceAll || op == device.ReduceAny {
		return device.StatusNotSupported
	}
	if x.Kind != y.Kind || y.Count() != 1 || !contiguous(x) {
		return device.StatusNotSupported
	}
	if st := h.check(x, y); st != device.StatusSuccess {
		return st
	}
	n := x.Count()
	if n == 0 {
		return device.StatusNotSupported
	}

	switch x.Kind {
	case element.KindFloat64:
		q.Enqueue(func() {
			src := arrow.Float64Traits.CastFromBytes(x.Memory.Buffer)[x.Base : x.Base+n]
			dst := arrow.Float64Traits.CastFromBytes(y.Memory.Buffer)
			dst[y.Base] = reduce64(op, src)
		})
	case element.KindFloat32:
		q.Enqueue(func() {
			src := arrow.Float32Traits.CastFromBytes(x.Memory.Buffer)[x.Base : x.Base+n]
			dst := arrow.Float32Traits.CastFromBytes(y.Memory.Buffer)
			dst[y.Base] = reduce32(op, src)
		})
	default:
		return device.StatusNotSupported
	}
	h.log.Debug().Str("op", op.String()).Int("count", n).Msg("Driver reduce")
	return device.StatusSuccess
}

// Elementwise supports float32 and float64 operands with arbitrary strides,
// including stride 0 broadcasts.
func (h *Host) Elementwise(q *device.Queue, op device.ElementwiseOp, a, b, y device.Operand) device.Status {
	if h.declineElementwise[op] {
		return device.StatusNotSupported
	}
	if a.Kind != y.Kind || b.Kind != y.Kind || len(a.Shape) != len(y.Shape) || len(b.Shape) != len(y.Shape) {
		return device.StatusNotSupported
	}
	if st := h.check(a, b, y); st != device.StatusSuccess {
		return st
	}

	switch y.Kind {
	case element.KindFloat32:
		q.Enqueue(func() {
			av := arrow.Float32Traits.CastFromBytes(a.Memory.Buffer)
			bv := arrow.Float32Traits.CastFromBytes(b.Memory.Buffer)
			yv := arrow.Float32Traits.CastFromBytes(y.Memory.Buffer)
			if op == device.Add && contiguous(a) && contiguous(b) && contiguous(y) {
				x, z := a, b
				if sameStart(b, y) {
					// y aliases b, so seed it with b and accumulate a
					x, z = b, a
				}
				xv := arrow.Float32Traits.CastFromBytes(x.Memory.Buffer)
				zv := arrow.Float32Traits.CastFromBytes(z.Memory.Buffer)
				addContiguous32(xv[x.Base:], zv[z.Base:], yv[y.Base:], y.Count())
				return
			}
			strided(y.Shape, a, b, y, func(ia, ib, iy int) {
				yv[iy] = apply(op, av[ia], bv[ib])
			})
		})
	case element.KindFloat64:
		q.Enqueue(func() {
			av := arrow.Float64Traits.CastFromBytes(a.Memory.Buffer)
			bv := arrow.Float64Traits.CastFromBytes(b.Memory.Buffer)
			yv := arrow.Float64Traits.CastFromBytes(y.Memory.Buffer)
			if contiguous(a) && contiguous(b) && contiguous(y) {
				n := y.Count()
				binary64(op, yv[y.Base:y.Base+n], av[a.Base:a.Base+n], bv[b.Base:b.Base+n])
				return
			}
			strided(y.Shape, a, b, y, func(ia, ib, iy int) {
				yv[iy] = apply(op, av[ia], bv[ib])
			})
		})
	default:
		return device.StatusNotSupported
	}
	return device.StatusSuccess
}

// Pool is not implemented by the emulated driver.
func (h *Host) Pool(*device.Queue, device.PoolConfig, device.Operand, device.Operand) device.Status {
	return device.StatusNotSupported
}

func (h *Host) check(ops ...device.Operand) device.Status {
	if h.fault != device.StatusSuccess {
		return h.fault
	}
	for _, o := range ops {
		if o.Memory == nil || o.Memory.Released() {
			return device.StatusBadParam
		}
		if o.Memory.Type != device.Discreet {
			return device.StatusBadParam
		}
	}
	return device.StatusSuccess
}

func contiguous(o device.Operand) bool {
	stride := 1
	for i := len(o.Shape) - 1; i >= 0; i-- {
		if o.Shape[i] != 1 && o.Strides[i] != stride {
			return false
		}
		stride *= o.Shape[i]
	}
	return true
}

// strided visits every index of shape, passing the storage offsets of a, b and y.
func strided(shape []int, a, b, y device.Operand, fn func(ia, ib, iy int)) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n == 0 {
		return
	}
	idx := make([]int, len(shape))
	ia, ib, iy := a.Base, b.Base, y.Base
	for k := 0; k < n; k++ {
		fn(ia, ib, iy)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ia += a.Strides[d]
			ib += b.Strides[d]
			iy += y.Strides[d]
			if idx[d] < shape[d] {
				break
			}
			ia -= a.Strides[d] * shape[d]
			ib -= b.Strides[d] * shape[d]
			iy -= y.Strides[d] * shape[d]
			idx[d] = 0
		}
	}
}

func apply[T float32 | float64](op device.ElementwiseOp, a, b T) T {
	switch op {
	case device.Add:
		return a + b
	case device.Subtract:
		return a - b
	case device.Multiply:
		return a * b
	default:
		return a / b
	}
}

func sameStart(a, b device.Operand) bool {
	return a.Memory == b.Memory && a.Base == b.Base
}

// addContiguous32 writes a + b into y. y may alias a but not b.
func addContiguous32(a, b, y []float32, n int) {
	copy(y[:n], a[:n])
	blas32.Axpy(1, blas32.Vector{N: n, Inc: 1, Data: b}, blas32.Vector{N: n, Inc: 1, Data: y})
}

func binary64(op device.ElementwiseOp, dst, a, b []float64) {
	switch op {
	case device.Add:
		floats.AddTo(dst, a, b)
	case device.Subtract:
		floats.SubTo(dst, a, b)
	case device.Multiply:
		floats.MulTo(dst, a, b)
	default:
		floats.DivTo(dst, a, b)
	}
}

func reduce64(op device.ReduceOp, x []float64) float64 {
	switch op {
	case device.ReduceSum:
		return floats.Sum(x)
	case device.ReduceMean:
		return floats.Sum(x) / float64(len(x))
	case device.ReduceMin:
		return simd.Min(x)
	case device.ReduceMax:
		return simd.Max(x)
	default:
		return floats.Prod(x)
	}
}

func reduce32(op device.ReduceOp, x []float32) float32 {
	acc := x[0]
	switch op {
	case device.ReduceSum, device.ReduceMean:
		for _, v := range x[1:] {
			acc += v
		}
		if op == device.ReduceMean {
			acc /= float32(len(x))
		}
	case device.ReduceMin:
		acc = simd.Min(x)
	case device.ReduceMax:
		acc = simd.Max(x)
	default:
		for _, v := range x[1:] {
			acc *= v
		}
	}
	return acc
}
