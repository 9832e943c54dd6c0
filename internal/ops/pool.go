package ops

import (
	"context"
	"fmt"
	"slices"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

// PoolShape returns the output shape of pooling a tensor of shape in with
// cfg. Window strides default to the window size.
func PoolShape(in []int, cfg device.PoolConfig) []int {
	checkPool(in, cfg)
	lead := len(in) - len(cfg.Window)
	out := slices.Clone(in)
	for i, w := range cfg.Window {
		out[lead+i] = (in[lead+i]-w)/poolStride(cfg, i) + 1
	}
	return out
}

// AveragePool averages windows over the trailing dimensions of x.
func AveragePool[T Numeric](ctx context.Context, q *device.Queue, window, strides []int, x, out *tensor.Tensor[T, T]) error {
	return Pool(ctx, q, device.PoolConfig{Mode: device.PoolAverage, Window: window, Strides: strides}, x, out)
}

// MaxPool takes the largest value of windows over the trailing dimensions of x.
func MaxPool[T Numeric](ctx context.Context, q *device.Queue, window, strides []int, x, out *tensor.Tensor[T, T]) error {
	return Pool(ctx, q, device.PoolConfig{Mode: device.PoolMax, Window: window, Strides: strides}, x, out)
}

// Pool applies cfg to x, writing out, whose shape must equal PoolShape.
func Pool[T Numeric](ctx context.Context, q *device.Queue, cfg device.PoolConfig, x, out *tensor.Tensor[T, T]) error {
	op := "pool_" + cfg.Mode.String()
	requireContiguous(op, out)
	if want := PoolShape(x.Shape(), cfg); !slices.Equal(want, out.Shape()) {
		panic(fmt.Sprintf("ops: %s output shape %v, want %v", op, out.Shape(), want))
	}
	c := begin(ctx, q, op)

	if !q.UseGPU() {
		return c.end(pathCPU, poolCPU(q, cfg, x, out))
	}

	xo, err := x.DeviceRead(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	yo, err := out.DeviceReadWrite(q)
	if err != nil {
		return c.end(pathAccelerated, err)
	}
	switch st := q.Driver().Pool(q, cfg, xo, yo); st {
	case device.StatusSuccess:
		return c.end(pathAccelerated, nil)
	case device.StatusNotSupported:
		c.fallback()
		return c.end(pathFallback, poolCPU(q.HostQueue(), cfg, x, out))
	default:
		return c.end(pathAccelerated, deviceFault(op, q, st))
	}
}

func checkPool(in []int, cfg device.PoolConfig) {
	if len(cfg.Window) == 0 || len(cfg.Window) > len(in) {
		panic(fmt.Sprintf("ops: pool window %v for shape %v", cfg.Window, in))
	}
	if cfg.Strides != nil && len(cfg.Strides) != len(cfg.Window) {
		panic(fmt.Sprintf("ops: pool strides %v for window %v", cfg.Strides, cfg.Window))
	}
	lead := len(in) - len(cfg.Window)
	for i, w := range cfg.Window {
		if w < 1 || w > in[lead+i] || poolStride(cfg, i) < 1 {
			panic(fmt.Sprintf("ops: pool window %v strides %v for shape %v", cfg.Window, cfg.Strides, in))
		}
	}
}

func poolStride(cfg device.PoolConfig, i int) int {
	if cfg.Strides == nil {
		return cfg.Window[i]
	}
	return cfg.Strides[i]
}

func poolCPU[T Numeric](q *device.Queue, cfg device.PoolConfig, x, out *tensor.Tensor[T, T]) error {
	xe, err := x.Elements().QueueRead(q)
	if err != nil {
		return err
	}
	oe, err := out.Elements().QueueReadWrite(q)
	if err != nil {
		return err
	}

	xStrides := x.Strides()
	lead := x.Rank() - len(cfg.Window)
	// Step in x for one output step along each dimension.
	step := slices.Clone(xStrides)
	for i := range cfg.Window {
		step[lead+i] *= poolStride(cfg, i)
	}
	windowStrides := xStrides[lead:]
	outShape, outStrides := out.Shape(), out.Strides()
	size := tensor.ElementCount(cfg.Window)

	q.Enqueue(func() {
		walk3(outShape, step, outStrides, outStrides, func(base, iy, _ int) {
			var acc T
			first := true
			for off := range tensor.Offsets(cfg.Window, windowStrides) {
				v := xe.Get(base + off)
				switch {
				case first:
					acc, first = v, false
				case cfg.Mode == device.PoolMax:
					acc = max(acc, v)
				default:
					acc += v
				}
			}
			if cfg.Mode == device.PoolAverage {
				acc /= T(size)
			}
			put(oe, iy, acc)
		})
	})
	return nil
}
