package ops

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/driver"
	"github.com/23skdu/longbow-strider/internal/element"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

// newPlatform returns a CPU with two queues and an emulated accelerator
// configured by opts.
func newPlatform(t *testing.T, opts ...driver.Option) *device.Platform {
	t.Helper()
	opts = append(opts, driver.WithLogger(zerolog.Nop()))
	p, err := device.NewPlatform([]device.DeviceSpec{
		{Name: "cpu", Queues: 2},
		{Name: "emu", Accelerator: true, UseGPU: true, Driver: driver.NewHost(opts...)},
	}, device.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func values[S, V any](t *testing.T, q *device.Queue, x *tensor.Tensor[S, V]) []V {
	t.Helper()
	e := x.Elements()
	require.NoError(t, e.PrepareForRead(q))
	return e.Values()
}

func from[S, V any](t *testing.T, p *device.Platform, elem element.Element[S, V], shape []int, v []V) *tensor.Tensor[S, V] {
	t.Helper()
	x, err := tensor.FromValues(p, elem, shape, v)
	require.NoError(t, err)
	return x
}

func TestReduceSumFallbackMatchesCPU(t *testing.T) {
	p := newPlatform(t, driver.DeclineReduce(device.ReduceSum))
	ctx := context.Background()
	accel, cpu := p.Queue(1, 0), p.HostQueue()

	x := from(t, p, element.Float32, []int{4}, []float32{1, 2, 3, 4})
	viaAccel := tensor.New(p, element.Float32, []int{1}, tensor.RowMajor)
	viaCPU := tensor.New(p, element.Float32, []int{1}, tensor.RowMajor)

	fallbacks := testutil.ToFloat64(dispatchTotal.WithLabelValues("sum", pathFallback))
	cpuRuns := testutil.ToFloat64(dispatchTotal.WithLabelValues("sum", pathCPU))

	require.NoError(t, Sum(ctx, accel, x, viaAccel))
	require.NoError(t, Sum(ctx, cpu, x, viaCPU))

	got := values(t, cpu, viaAccel)
	want := values(t, cpu, viaCPU)
	assert.Equal(t, float32(10), got[0])
	assert.Equal(t, math.Float32bits(want[0]), math.Float32bits(got[0]))

	assert.Equal(t, fallbacks+1, testutil.ToFloat64(dispatchTotal.WithLabelValues("sum", pathFallback)))
	assert.Equal(t, cpuRuns+1, testutil.ToFloat64(dispatchTotal.WithLabelValues("sum", pathCPU)))
}

func TestReduceAccelerated(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	q := p.Queue(1, 0)

	x := from(t, p, element.Float64, []int{2, 2}, []float64{1, 2, 3, 4})
	out := tensor.New(p, element.Float64, []int{1, 1}, tensor.RowMajor)

	before := testutil.ToFloat64(dispatchTotal.WithLabelValues("prod", pathAccelerated))
	require.NoError(t, Prod(ctx, q, x, out))
	assert.Equal(t, []float64{24}, values(t, q, out))
	assert.Equal(t, before+1, testutil.ToFloat64(dispatchTotal.WithLabelValues("prod", pathAccelerated)))
}

func TestReduceNaNAgreesAcrossQueues(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	in := []float32{2, float32(math.NaN()), -1, 5}

	tests := []struct {
		name  string
		fn    func(context.Context, *device.Queue, *tensor.Tensor[float32, float32], *tensor.Tensor[float32, float32]) error
		first float32
	}{
		{"min", Min[float32], -1},
		{"max", Max[float32], 2},
	}

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		for _, tt := range tests {
			t.Run(q.Name()+"/"+tt.name, func(t *testing.T) {
				x := from(t, p, element.Float32, []int{4}, in)
				out := tensor.New(p, element.Float32, []int{1}, tensor.RowMajor)
				require.NoError(t, tt.fn(ctx, q, x, out))
				assert.True(t, math.IsNaN(float64(values(t, q, out)[0])))

				// columns of [[2 NaN] [-1 5]]
				cols := from(t, p, element.Float32, []int{2, 2}, in).Transposed()
				rows := tensor.New(p, element.Float32, []int{2, 1}, tensor.ColMajor)
				require.NoError(t, tt.fn(ctx, q, cols, rows))
				got := values(t, q, rows)
				assert.Equal(t, tt.first, got[0])
				assert.True(t, math.IsNaN(float64(got[1])))
			})
		}
	}
}

func TestReduceAxes(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		reduce func(context.Context, *device.Queue, *tensor.Tensor[float32, float32], *tensor.Tensor[float32, float32]) error
		out    []int
		want   []float32
	}{
		{"sum rows", Sum[float32], []int{2, 1}, []float32{6, 15}},
		{"max cols", Max[float32], []int{1, 3}, []float32{4, 5, 6}},
		{"min cols", Min[float32], []int{1, 3}, []float32{1, 2, 3}},
		{"mean all", Mean[float32], []int{1, 1}, []float32{3.5}},
		{"mean rows", Mean[float32], []int{2, 1}, []float32{2, 5}},
		{"prod none", Prod[float32], []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}},
	}

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		for _, tt := range tests {
			t.Run(q.Name()+"/"+tt.name, func(t *testing.T) {
				x := from(t, p, element.Float32, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
				out := tensor.New(p, element.Float32, tt.out, tensor.RowMajor)
				require.NoError(t, tt.reduce(ctx, q, x, out))
				assert.Equal(t, tt.want, values(t, q, out))
			})
		}
	}
}

func TestReduceStridedInput(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	// 3x4 matrix, keep columns 1 and 2.
	m := from(t, p, element.Int32, []int{3, 4}, []int32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	})
	x := m.Slice([]int{0, 1}, []int{3, 3})
	require.False(t, x.IsContiguous())

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		t.Run(q.Name(), func(t *testing.T) {
			out := tensor.New(p, element.Int32, []int{1, 2}, tensor.RowMajor)
			require.NoError(t, Sum(ctx, q, x, out))
			assert.Equal(t, []int32{18, 21}, values(t, q, out))

			total := tensor.New(p, element.Int32, []int{1, 1}, tensor.RowMajor)
			require.NoError(t, Sum(ctx, q, x.Transposed(), total.Transposed()))
			assert.Equal(t, []int32{39}, values(t, q, total))
		})
	}
}

func TestAllAny(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	in := []bool{
		true, true, true, true, true,
		true, false, true, true, false,
		false, false, false, false, false,
	}

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		t.Run(q.Name()+"/packed", func(t *testing.T) {
			x := from(t, p, element.Bool1, []int{3, 5}, in)
			all := tensor.New(p, element.Bool1, []int{3, 1}, tensor.RowMajor)
			anyOut := tensor.New(p, element.Bool1, []int{3, 1}, tensor.RowMajor)

			require.NoError(t, All(ctx, q, x, all))
			require.NoError(t, Any(ctx, q, x, anyOut))
			assert.Equal(t, []bool{true, false, false}, values(t, q, all))
			assert.Equal(t, []bool{true, true, false}, values(t, q, anyOut))
		})

		t.Run(q.Name()+"/bytes", func(t *testing.T) {
			x := from(t, p, element.Bool, []int{3, 5}, in)
			out := tensor.New(p, element.Bool, []int{1, 5}, tensor.RowMajor)
			require.NoError(t, Any(ctx, q, x, out))
			assert.Equal(t, []bool{true, true, true, true, true}, values(t, q, out))
		})
	}
}

func TestDeviceFaultPropagates(t *testing.T) {
	p := newPlatform(t, driver.FailWith(device.StatusExecutionFailed))
	ctx := context.Background()
	q := p.Queue(1, 0)

	x := from(t, p, element.Float32, []int{4}, []float32{1, 2, 3, 4})
	out := tensor.New(p, element.Float32, []int{1}, tensor.RowMajor)

	before := testutil.ToFloat64(faultsTotal.WithLabelValues("sum"))
	err := Sum(ctx, q, x, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrDeviceFault)
	assert.NotErrorIs(t, err, device.ErrNotSupported)
	assert.Equal(t, before+1, testutil.ToFloat64(faultsTotal.WithLabelValues("sum")))

	err = Add(ctx, q, x, x, tensor.New(p, element.Float32, []int{4}, tensor.RowMajor))
	assert.ErrorIs(t, err, device.ErrDeviceFault)
}

func TestContractViolations(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	q := p.HostQueue()
	x := from(t, p, element.Float32, []int{4, 4}, make([]float32, 16))

	t.Run("non-contiguous output", func(t *testing.T) {
		out := tensor.New(p, element.Float32, []int{4, 4}, tensor.RowMajor).Slice([]int{0, 0}, []int{4, 2})
		assert.Panics(t, func() { _ = Sum(ctx, q, x.Slice([]int{0, 0}, []int{4, 2}), out) })
		assert.Panics(t, func() { _ = Add(ctx, q, out, out, out) })
	})

	t.Run("reduce shape", func(t *testing.T) {
		out := tensor.New(p, element.Float32, []int{2, 1}, tensor.RowMajor)
		assert.Panics(t, func() { _ = Sum(ctx, q, x, out) })
		assert.Panics(t, func() { _ = Sum(ctx, q, x, tensor.New(p, element.Float32, []int{1}, tensor.RowMajor)) })
	})

	t.Run("broadcast shape", func(t *testing.T) {
		b := tensor.New(p, element.Float32, []int{4, 1}, tensor.RowMajor)
		assert.Panics(t, func() { _ = Add(ctx, q, x, b, tensor.New(p, element.Float32, []int{4, 4}, tensor.RowMajor)) })
	})

	t.Run("element kinds differ", func(t *testing.T) {
		packed := from(t, p, element.UInt4, []int{4}, []uint8{1, 2, 3, 4})
		whole := from(t, p, element.UInt8, []int{4}, []uint8{10, 20, 30, 40})
		out := tensor.New(p, element.UInt8, []int{4}, tensor.RowMajor)
		assert.Panics(t, func() { _ = Add(ctx, q, packed, whole, out) })
		assert.Panics(t, func() { _ = Add(ctx, q, whole, packed, out) })
		assert.Panics(t, func() { _ = Add(ctx, q, whole, whole, tensor.New(p, element.UInt4, []int{4}, tensor.RowMajor)) })
		assert.Equal(t, []uint8{10, 20, 30, 40}, values(t, q, whole))
	})

	t.Run("packed overflow", func(t *testing.T) {
		sp, err := device.NewPlatform(nil, device.WithLogger(zerolog.Nop()), device.WithQueueMode(device.Sync))
		require.NoError(t, err)
		defer sp.Close()
		a := from(t, sp, element.UInt4, []int{2}, []uint8{9, 9})
		out := tensor.New(sp, element.UInt4, []int{2}, tensor.RowMajor)
		assert.Panics(t, func() { _ = Add(ctx, sp.HostQueue(), a, a, out) })
	})
}

func TestElementwise(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		t.Run(q.Name()+"/contiguous", func(t *testing.T) {
			a := from(t, p, element.Float32, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
			b := from(t, p, element.Float32, []int{2, 3}, []float32{10, 20, 30, 40, 50, 60})
			out := tensor.New(p, element.Float32, []int{2, 3}, tensor.RowMajor)

			require.NoError(t, Add(ctx, q, a, b, out))
			assert.Equal(t, []float32{11, 22, 33, 44, 55, 66}, values(t, q, out))
			require.NoError(t, Subtract(ctx, q, b, a, out))
			assert.Equal(t, []float32{9, 18, 27, 36, 45, 54}, values(t, q, out))
			require.NoError(t, Multiply(ctx, q, a, b, out))
			assert.Equal(t, []float32{10, 40, 90, 160, 250, 360}, values(t, q, out))
			require.NoError(t, Divide(ctx, q, b, a, out))
			assert.Equal(t, []float32{10, 10, 10, 10, 10, 10}, values(t, q, out))
		})

		t.Run(q.Name()+"/scalar", func(t *testing.T) {
			a := from(t, p, element.Float64, []int{4}, []float64{1, 2, 3, 4})
			s := from(t, p, element.Float64, []int{1}, []float64{0.5})
			out := tensor.New(p, element.Float64, []int{4}, tensor.RowMajor)

			require.NoError(t, Add(ctx, q, a, s, out))
			assert.Equal(t, []float64{1.5, 2.5, 3.5, 4.5}, values(t, q, out))
			require.NoError(t, Subtract(ctx, q, a, s, out))
			assert.Equal(t, []float64{0.5, 1.5, 2.5, 3.5}, values(t, q, out))
			require.NoError(t, Divide(ctx, q, a, s, out))
			assert.Equal(t, []float64{2, 4, 6, 8}, values(t, q, out))
		})

		t.Run(q.Name()+"/transposed", func(t *testing.T) {
			a := from(t, p, element.Float32, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
			b := from(t, p, element.Float32, []int{3, 2}, []float32{1, 1, 2, 2, 3, 3})
			out := tensor.New(p, element.Float32, []int{2, 3}, tensor.RowMajor)

			require.NoError(t, Add(ctx, q, a, b.Transposed(), out))
			assert.Equal(t, []float32{2, 4, 6, 5, 7, 9}, values(t, q, out))
		})

		t.Run(q.Name()+"/integers", func(t *testing.T) {
			a := from(t, p, element.Int16, []int{3}, []int16{7, -9, 12})
			b := from(t, p, element.Int16, []int{1}, []int16{2})
			out := tensor.New(p, element.Int16, []int{3}, tensor.RowMajor)

			require.NoError(t, Divide(ctx, q, a, b, out))
			assert.Equal(t, []int16{3, -4, 6}, values(t, q, out))
			require.NoError(t, Subtract(ctx, q, a, b, out))
			assert.Equal(t, []int16{5, -11, 10}, values(t, q, out))
		})

		t.Run(q.Name()+"/packed", func(t *testing.T) {
			a := from(t, p, element.UInt4, []int{3}, []uint8{3, 4, 15})
			b := from(t, p, element.UInt4, []int{3}, []uint8{1, 2, 0})
			out := tensor.New(p, element.UInt4, []int{3}, tensor.RowMajor)

			require.NoError(t, Add(ctx, q, a, b, out))
			assert.Equal(t, []uint8{4, 6, 15}, values(t, q, out))
		})
	}
}

func TestElementwiseInPlace(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	q := p.Queue(1, 0)

	a := from(t, p, element.Float32, []int{3}, []float32{1, 2, 3})
	for range 3 {
		require.NoError(t, Add(ctx, q, a, a, a))
	}
	assert.Equal(t, []float32{8, 16, 24}, values(t, p.HostQueue(), a))

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		t.Run(q.Name()+"/output is second operand", func(t *testing.T) {
			a := from(t, p, element.Float32, []int{3}, []float32{1, 2, 3})
			b := from(t, p, element.Float32, []int{3}, []float32{10, 20, 30})
			require.NoError(t, Add(ctx, q, a, b, b))
			assert.Equal(t, []float32{11, 22, 33}, values(t, q, b))

			c := from(t, p, element.Float32, []int{3}, []float32{10, 20, 30})
			require.NoError(t, Subtract(ctx, q, a, c, c))
			assert.Equal(t, []float32{-9, -18, -27}, values(t, q, c))

			d := from(t, p, element.Float64, []int{3}, []float64{10, 20, 30})
			e := from(t, p, element.Float64, []int{3}, []float64{1, 2, 3})
			require.NoError(t, Add(ctx, q, e, d, d))
			assert.Equal(t, []float64{11, 22, 33}, values(t, q, d))
		})
	}
}

func TestPool(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	in := make([]float32, 16)
	for i := range in {
		in[i] = float32(i)
	}

	assert.Equal(t, []int{1, 2, 2}, PoolShape([]int{1, 4, 4}, device.PoolConfig{Window: []int{2, 2}}))
	assert.Equal(t, []int{1, 3, 3}, PoolShape([]int{1, 4, 4}, device.PoolConfig{Window: []int{2, 2}, Strides: []int{1, 1}}))
	assert.Panics(t, func() { PoolShape([]int{4}, device.PoolConfig{Window: []int{5}}) })
	assert.Panics(t, func() { PoolShape([]int{4}, device.PoolConfig{Window: []int{2, 2}}) })

	for _, q := range []*device.Queue{p.HostQueue(), p.Queue(1, 0)} {
		t.Run(q.Name(), func(t *testing.T) {
			x := from(t, p, element.Float32, []int{1, 4, 4}, in)

			avg := tensor.New(p, element.Float32, []int{1, 2, 2}, tensor.RowMajor)
			require.NoError(t, AveragePool(ctx, q, []int{2, 2}, nil, x, avg))
			assert.Equal(t, []float32{2.5, 4.5, 10.5, 12.5}, values(t, q, avg))

			mx := tensor.New(p, element.Float32, []int{1, 3, 3}, tensor.RowMajor)
			require.NoError(t, MaxPool(ctx, q, []int{2, 2}, []int{1, 1}, x, mx))
			assert.Equal(t, []float32{5, 6, 7, 9, 10, 11, 13, 14, 15}, values(t, q, mx))
		})
	}

	t.Run("falls back on accelerator", func(t *testing.T) {
		before := testutil.ToFloat64(dispatchTotal.WithLabelValues("pool_max", pathFallback))
		x := from(t, p, element.Float32, []int{4, 4}, in)
		out := tensor.New(p, element.Float32, []int{1, 4}, tensor.RowMajor)
		require.NoError(t, MaxPool(ctx, p.Queue(1, 0), []int{4, 1}, nil, x, out))
		assert.Equal(t, []float32{12, 13, 14, 15}, values(t, p.HostQueue(), out))
		assert.Equal(t, before+1, testutil.ToFloat64(dispatchTotal.WithLabelValues("pool_max", pathFallback)))
	})
}

func TestDispatchSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	x := []float32{1, 2, 3, 4}

	p := newPlatform(t, driver.DeclineReduce(device.ReduceMax))
	out := tensor.New(p, element.Float32, []int{1}, tensor.RowMajor)
	require.NoError(t, Max(ctx, p.Queue(1, 0), from(t, p, element.Float32, []int{4}, x), out))

	faulty := newPlatform(t, driver.FailWith(device.StatusBadParam))
	fout := tensor.New(faulty, element.Float32, []int{1}, tensor.RowMajor)
	require.Error(t, Min(ctx, faulty.Queue(1, 0), from(t, faulty, element.Float32, []int{4}, x), fout))

	spans := sr.Ended()
	require.Len(t, spans, 2)

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		m := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			m[kv.Key] = kv.Value
		}
		return m
	}

	fallback := attrs(spans[0])
	assert.Equal(t, "max", spans[0].Name())
	assert.Equal(t, "emu:0", fallback["queue"].AsString())
	assert.Equal(t, pathFallback, fallback["path"].AsString())
	assert.True(t, fallback["fallback"].AsBool())

	fault := attrs(spans[1])
	assert.Equal(t, "min", spans[1].Name())
	assert.Equal(t, pathAccelerated, fault["path"].AsString())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
