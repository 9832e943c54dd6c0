package ops

import (
	"context"
	"fmt"
	"slices"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/simd"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

// Add writes a + b into out. b either has out's shape or holds a single
// element, which is broadcast. a and b may be arbitrary strided views.
func Add[T Numeric](ctx context.Context, q *device.Queue, a, b, out *tensor.Tensor[T, T]) error {
	return elementwise(ctx, q, device.Add, a, b, out)
}

// Subtract writes a - b into out.
func Subtract[T Numeric](ctx context.Context, q *device.Queue, a, b, out *tensor.Tensor[T, T]) error {
	return elementwise(ctx, q, device.Subtract, a, b, out)
}

// Multiply writes a * b into out.
func Multiply[T Numeric](ctx context.Context, q *device.Queue, a, b, out *tensor.Tensor[T, T]) error {
	return elementwise(ctx, q, device.Multiply, a, b, out)
}

// Divide writes a / b into out. Integer division by zero panics on the
// executing queue.
func Divide[T Numeric](ctx context.Context, q *device.Queue, a, b, out *tensor.Tensor[T, T]) error {
	return elementwise(ctx, q, device.Divide, a, b, out)
}

func elementwise[T Numeric](ctx context.Context, q *device.Queue, op device.ElementwiseOp, a, b, out *tensor.Tensor[T, T]) error {
	requireContiguous(op.String(), out)
	if a.Kind() != out.Kind() || b.Kind() != out.Kind() {
		panic(fmt.Sprintf("ops: %s of %s and %s into %s", op, a.Kind(), b.Kind(), out.Kind()))
	}
	if !slices.Equal(a.Shape(), out.Shape()) {
		panic(fmt.Sprintf("ops: %s of shape %v into %v", op, a.Shape(), out.Shape()))
	}
	scalar := b.Count() == 1 && !slices.Equal(b.Shape(), out.Shape())
	if !scalar && !slices.Equal(b.Shape(), out.Shape()) {
		panic(fmt.Sprintf("ops: %s operand shape %v does not broadcast to %v", op, b.Shape(), out.Shape()))
	}
	c := begin(ctx, q, op.String())

	if !q.UseGPU() {
		return c.end(pathCPU, elementwiseCPU(q, op, a, b, out))
	}

	ao, err := a.DeviceRead(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	bo, err := b.DeviceRead(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	if scalar {
		bo.Shape = out.Shape()
		bo.Strides = make([]int, out.Rank())
	}
	yo, err := out.DeviceReadWrite(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	switch st := q.Driver().Elementwise(q, op, ao, bo, yo); st {
	case device.StatusSuccess:
		return c.end(pathAccelerated, nil)
	case device.StatusNotSupported:
		c.fallback()
		return c.end(pathFallback, elementwiseCPU(q.HostQueue(), op, a, b, out))
	default:
		return c.end(pathAccelerated, deviceFault(op.String(), q, st))
	}
}

// broadcastStrides returns b's strides as seen from out's shape.
func broadcastStrides[T Numeric](b, out *tensor.Tensor[T, T]) []int {
	if slices.Equal(b.Shape(), out.Shape()) {
		return b.Strides()
	}
	return make([]int, out.Rank())
}

func elementwiseCPU[T Numeric](q *device.Queue, op device.ElementwiseOp, a, b, out *tensor.Tensor[T, T]) error {
	if !out.Kind().IsPacked() && a.IsContiguous() && slices.Equal(a.Strides(), out.Strides()) {
		if b.Count() == 1 && !slices.Equal(b.Shape(), out.Shape()) {
			return scalarContiguous(q, op, a, b, out)
		}
		if b.IsContiguous() && slices.Equal(b.Strides(), out.Strides()) {
			return vectorContiguous(q, op, a, b, out)
		}
	}

	ae, err := a.Elements().QueueRead(q)
	if err != nil {
		return err
	}
	be, err := b.Elements().QueueRead(q)
	if err != nil {
		return err
	}
	ye, err := out.Elements().QueueReadWrite(q)
	if err != nil {
		return err
	}
	shape, as, bs, ys := out.Shape(), a.Strides(), broadcastStrides(b, out), out.Strides()
	q.Enqueue(func() {
		walk3(shape, as, bs, ys, func(ia, ib, iy int) {
			put(ye, iy, apply(op, ae.Get(ia), be.Get(ib)))
		})
	})
	return nil
}

func vectorContiguous[T Numeric](q *device.Queue, op device.ElementwiseOp, a, b, out *tensor.Tensor[T, T]) error {
	av, err := a.Read(q)
	if err != nil {
		return err
	}
	bv, err := b.Read(q)
	if err != nil {
		return err
	}
	yv, err := out.ReadWrite(q)
	if err != nil {
		return err
	}
	q.Enqueue(func() {
		device.ParallelRange(out.Count(), func(s, e int) {
			switch op {
			case device.Add:
				simd.VecAdd(yv[s:e], av[s:e], bv[s:e])
			case device.Subtract:
				simd.VecSub(yv[s:e], av[s:e], bv[s:e])
			case device.Multiply:
				simd.VecMul(yv[s:e], av[s:e], bv[s:e])
			default:
				simd.VecDiv(yv[s:e], av[s:e], bv[s:e])
			}
		})
	})
	return nil
}

func scalarContiguous[T Numeric](q *device.Queue, op device.ElementwiseOp, a, b, out *tensor.Tensor[T, T]) error {
	av, err := a.Read(q)
	if err != nil {
		return err
	}
	bv, err := b.Read(q)
	if err != nil {
		return err
	}
	yv, err := out.ReadWrite(q)
	if err != nil {
		return err
	}
	q.Enqueue(func() {
		s := bv[0]
		device.ParallelRange(out.Count(), func(lo, hi int) {
			switch op {
			case device.Add:
				simd.VecAddScalar(yv[lo:hi], av[lo:hi], s)
			case device.Subtract:
				simd.VecAddScalar(yv[lo:hi], av[lo:hi], -s)
			case device.Multiply:
				simd.VecMulScalar(yv[lo:hi], av[lo:hi], s)
			default:
				for i := lo; i < hi; i++ {
					yv[i] = av[i] / s
				}
			}
		})
	})
	return nil
}

func apply[T Numeric](op device.ElementwiseOp, a, b T) T {
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

// put stores v in a kernel, where a value the element cannot hold is a
// contract violation.
func put[S, V any](e *tensor.LogicalElements[S, V], off int, v V) {
	if err := e.Put(off, v); err != nil {
		panic(err)
	}
}
