package ops

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/simd"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

// Sum reduces x into out. Dimensions of size 1 in out that are larger in x
// are reduced; every other dimension must match.
func Sum[T Numeric](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[T, T]) error {
	return reduce(ctx, q, device.ReduceSum, x, out)
}

// Mean is Sum divided by the number of reduced elements.
func Mean[T Numeric](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[T, T]) error {
	return reduce(ctx, q, device.ReduceMean, x, out)
}

// Min reduces x into out keeping the smallest value.
func Min[T Numeric](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[T, T]) error {
	return reduce(ctx, q, device.ReduceMin, x, out)
}

// Max reduces x into out keeping the largest value.
func Max[T Numeric](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[T, T]) error {
	return reduce(ctx, q, device.ReduceMax, x, out)
}

// Prod reduces x into out by multiplication.
func Prod[T Numeric](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[T, T]) error {
	return reduce(ctx, q, device.ReduceProd, x, out)
}

// All reduces boolean x into out with logical and. Packed and byte booleans
// are both accepted.
func All[S any](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[S, bool]) error {
	return reduceBool(ctx, q, device.ReduceAll, x, out)
}

// Any reduces boolean x into out with logical or.
func Any[S any](ctx context.Context, q *device.Queue, x, out *tensor.Tensor[S, bool]) error {
	return reduceBool(ctx, q, device.ReduceAny, x, out)
}

func reduce[T Numeric](ctx context.Context, q *device.Queue, op device.ReduceOp, x, out *tensor.Tensor[T, T]) error {
	requireContiguous(op.String(), out)
	checkReduceShape(op, x.Shape(), out.Shape())
	c := begin(ctx, q, op.String())

	if !q.UseGPU() {
		return c.end(pathCPU, reduceCPU(q, op, x, out))
	}

	xo, err := x.DeviceRead(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	yo, err := out.DeviceReadWrite(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	switch st := q.Driver().Reduce(q, op, xo, yo); st {
	case device.StatusSuccess:
		return c.end(pathAccelerated, nil)
	case device.StatusNotSupported:
		c.fallback()
		return c.end(pathFallback, reduceCPU(q.HostQueue(), op, x, out))
	default:
		return c.end(pathAccelerated, deviceFault(op.String(), q, st))
	}
}

func reduceBool[S any](ctx context.Context, q *device.Queue, op device.ReduceOp, x, out *tensor.Tensor[S, bool]) error {
	requireContiguous(op.String(), out)
	checkReduceShape(op, x.Shape(), out.Shape())
	c := begin(ctx, q, op.String())

	combine := func(a, b bool) bool { return a && b }
	if op == device.ReduceAny {
		combine = func(a, b bool) bool { return a || b }
	}

	if !q.UseGPU() {
		return c.end(pathCPU, reduceKernel(q, x, out, combine, nil))
	}

	xo, err := x.DeviceRead(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	yo, err := out.DeviceReadWrite(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	switch st := q.Driver().Reduce(q, op, xo, yo); st {
	case device.StatusSuccess:
		return c.end(pathAccelerated, nil)
	case device.StatusNotSupported:
		c.fallback()
		return c.end(pathFallback, reduceKernel(q.HostQueue(), x, out, combine, nil))
	default:
		return c.end(pathAccelerated, deviceFault(op.String(), q, st))
	}
}

func checkReduceShape(op device.ReduceOp, in, out []int) {
	if len(in) != len(out) {
		panic(fmt.Sprintf("ops: %s of rank %d into rank %d", op, len(in), len(out)))
	}
	for i := range in {
		if out[i] != 1 && out[i] != in[i] {
			panic(fmt.Sprintf("ops: %s of shape %v into %v", op, in, out))
		}
	}
}

// reduceCPU enqueues the CPU reduction of x into out on q.
func reduceCPU[T Numeric](q *device.Queue, op device.ReduceOp, x, out *tensor.Tensor[T, T]) error {
	if out.Count() == 1 && x.Count() > 0 && x.IsContiguous() && !x.Kind().IsPacked() {
		return reduceAllContiguous(q, op, x, out)
	}

	var combine func(a, b T) T
	var final func(acc T, n int) T
	switch op {
	case device.ReduceSum:
		combine = func(a, b T) T { return a + b }
	case device.ReduceMean:
		combine = func(a, b T) T { return a + b }
		final = func(acc T, n int) T { return acc / T(n) }
	case device.ReduceMin:
		combine = func(a, b T) T { return min(a, b) }
	case device.ReduceMax:
		combine = func(a, b T) T { return max(a, b) }
	case device.ReduceProd:
		combine = func(a, b T) T { return a * b }
	default:
		panic(fmt.Sprintf("ops: %s is not a numeric reduction", op))
	}
	return reduceKernel(q, x, out, combine, final)
}

func reduceAllContiguous[T Numeric](q *device.Queue, op device.ReduceOp, x, out *tensor.Tensor[T, T]) error {
	units, err := x.Read(q)
	if err != nil {
		return err
	}
	oe, err := out.Elements().QueueReadWrite(q)
	if err != nil {
		return err
	}
	n := x.Count()
	q.Enqueue(func() {
		var v T
		switch op {
		case device.ReduceSum:
			v = simd.Sum(units[:n])
		case device.ReduceMean:
			v = simd.Sum(units[:n]) / T(n)
		case device.ReduceMin:
			v = simd.Min(units[:n])
		case device.ReduceMax:
			v = simd.Max(units[:n])
		default:
			v = simd.Prod(units[:n])
		}
		put(oe, 0, v)
	})
	return nil
}

// reduceKernel enqueues a general strided reduction. Each output element is
// seeded with the first input element that maps to it and combined with the
// rest in row-major order. final, when set, receives the number of inputs
// per output.
func reduceKernel[S, V any](q *device.Queue, x, out *tensor.Tensor[S, V], combine func(a, b V) V, final func(acc V, n int) V) error {
	xe, err := x.Elements().QueueRead(q)
	if err != nil {
		return err
	}
	oe, err := out.Elements().QueueReadWrite(q)
	if err != nil {
		return err
	}
	xShape, xStrides, outShape, outStrides := x.Shape(), x.Strides(), out.Shape(), out.Strides()

	q.Enqueue(func() {
		n := out.Count()
		acc := make([]V, n)
		seen := make([]bool, n)
		reduceWalk(xShape, xStrides, outShape, func(off, pos int) {
			v := xe.Get(off)
			if !seen[pos] {
				acc[pos], seen[pos] = v, true
				return
			}
			acc[pos] = combine(acc[pos], v)
		})
		per := 0
		if n > 0 {
			per = tensor.ElementCount(xShape) / n
		}
		k := 0
		for off := range tensor.Offsets(outShape, outStrides) {
			v := acc[k]
			if final != nil && seen[k] {
				v = final(v, per)
			}
			put(oe, off, v)
			k++
		}
	})
	return nil
}
