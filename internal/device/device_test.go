package device

import (
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Name() string { return "mock" }

func (m *mockDriver) Reduce(q *Queue, op ReduceOp, x, y Operand) Status {
	return m.Called(q, op, x, y).Get(0).(Status)
}

func (m *mockDriver) Elementwise(q *Queue, op ElementwiseOp, a, b, y Operand) Status {
	return m.Called(q, op, a, b, y).Get(0).(Status)
}

func (m *mockDriver) Pool(q *Queue, cfg PoolConfig, x, y Operand) Status {
	return m.Called(q, cfg, x, y).Get(0).(Status)
}

func newTestPlatform(t *testing.T, mem memory.Allocator, specs ...DeviceSpec) *Platform {
	t.Helper()
	p, err := NewPlatform(specs, WithAllocator(mem), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewPlatform(t *testing.T) {
	t.Run("defaults to one cpu", func(t *testing.T) {
		p := newTestPlatform(t, memory.NewGoAllocator())
		require.Len(t, p.Devices(), 1)
		assert.Equal(t, Unified, p.CPU().MemoryType())
		assert.False(t, p.HostQueue().UseGPU())
		assert.Same(t, p.HostQueue(), p.HostQueue().HostQueue())
	})

	t.Run("accelerator first is rejected", func(t *testing.T) {
		_, err := NewPlatform([]DeviceSpec{{Name: "gpu", Accelerator: true, Driver: &mockDriver{}}})
		assert.Error(t, err)
	})

	t.Run("accelerator needs a driver", func(t *testing.T) {
		_, err := NewPlatform([]DeviceSpec{{Name: "cpu"}, {Name: "gpu", Accelerator: true}})
		assert.Error(t, err)
	})

	t.Run("cpu never uses gpu", func(t *testing.T) {
		p := newTestPlatform(t, memory.NewGoAllocator(),
			DeviceSpec{Name: "cpu", Queues: 2, UseGPU: true},
			DeviceSpec{Name: "gpu", Accelerator: true, UseGPU: true, Driver: &mockDriver{}},
		)
		assert.False(t, p.Queue(0, 1).UseGPU())
		gpu := p.Queue(1, 0)
		assert.True(t, gpu.UseGPU())
		assert.Equal(t, Discreet, gpu.MemoryType())
		assert.Same(t, p.HostQueue(), gpu.HostQueue())
		assert.Equal(t, "gpu:0", gpu.Name())
	})
}

func TestDeviceMemory(t *testing.T) {
	p := newTestPlatform(t, memory.NewGoAllocator(),
		DeviceSpec{Name: "cpu"},
		DeviceSpec{Name: "gpu", Accelerator: true, Driver: &mockDriver{}},
	)

	t.Run("unified copy is synchronous", func(t *testing.T) {
		src, err := p.CPU().Allocate(16)
		require.NoError(t, err)
		dst, err := p.CPU().Allocate(16)
		require.NoError(t, err)
		for i := range src.Buffer {
			src.Buffer[i] = byte(i * 3)
		}

		dst.CopyFrom(src)
		assert.Equal(t, src.Buffer, dst.Buffer)
	})

	t.Run("mismatched memory type panics", func(t *testing.T) {
		host, err := p.CPU().Allocate(8)
		require.NoError(t, err)
		dev, err := p.Devices()[1].Allocate(8)
		require.NoError(t, err)
		assert.Panics(t, func() { host.CopyFrom(dev) })
	})

	t.Run("size mismatch panics", func(t *testing.T) {
		a, _ := p.CPU().Allocate(8)
		b, _ := p.CPU().Allocate(9)
		assert.Panics(t, func() { a.CopyFrom(b) })
		assert.Panics(t, func() { p.HostQueue().CopyAsync(a, b) })
	})

	t.Run("release runs once", func(t *testing.T) {
		calls := 0
		m := NewDeviceMemory(make([]byte, 4), Unified, 0, func() { calls++ })
		m.Release()
		m.Release()
		assert.Equal(t, 1, calls)
		assert.True(t, m.Released())
		assert.Nil(t, m.Buffer)
	})
}

func TestAllocateMetrics(t *testing.T) {
	p := newTestPlatform(t, memory.NewGoAllocator())
	before := testutil.ToFloat64(allocationsTotal.WithLabelValues("0"))
	inUse := testutil.ToFloat64(bytesInUse.WithLabelValues("0"))

	m, err := p.CPU().Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(allocationsTotal.WithLabelValues("0")))
	assert.Equal(t, inUse+100, testutil.ToFloat64(bytesInUse.WithLabelValues("0")))

	m.Release()
	assert.Equal(t, inUse, testutil.ToFloat64(bytesInUse.WithLabelValues("0")))
}

func TestDeviceCapacity(t *testing.T) {
	p := newTestPlatform(t, memory.NewGoAllocator(), DeviceSpec{Name: "cpu", Capacity: 64})

	a, err := p.CPU().Allocate(48)
	require.NoError(t, err)
	_, err = p.CPU().Allocate(32)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	a.Release()
	b, err := p.CPU().Allocate(64)
	require.NoError(t, err)
	b.Release()
}

func TestQueueOrdering(t *testing.T) {
	for _, mode := range []QueueMode{Async, Sync} {
		t.Run(modeName(mode), func(t *testing.T) {
			p, err := NewPlatform(nil, WithQueueMode(mode), WithLogger(zerolog.Nop()))
			require.NoError(t, err)
			defer p.Close()
			q := p.HostQueue()

			var got []int
			for i := 0; i < 500; i++ {
				q.Enqueue(func() { got = append(got, i) })
			}
			q.WaitUntilComplete()

			require.Len(t, got, 500)
			for i, v := range got {
				assert.Equal(t, i, v)
			}
		})
	}
}

func TestEventOrdersQueues(t *testing.T) {
	p := newTestPlatform(t, memory.NewGoAllocator(), DeviceSpec{Name: "cpu", Queues: 2})
	q1, q2 := p.Queue(0, 0), p.Queue(0, 1)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	q1.Enqueue(func() {
		<-gate
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	ev := q1.Record(q1.CreateEvent())
	q2.Wait(ev)
	q2.Enqueue(func() {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	assert.False(t, ev.Signaled())
	close(gate)
	q2.WaitUntilComplete()

	assert.True(t, ev.Signaled())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Panics(t, func() { q1.Record(ev) })
}

func TestQueueClose(t *testing.T) {
	p, err := NewPlatform(nil, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	q := p.HostQueue()

	ran := false
	q.Enqueue(func() { ran = true })
	p.Close()
	p.Close()

	assert.True(t, ran)
	assert.Panics(t, func() { q.Enqueue(func() {}) })
	q.WaitUntilComplete()
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, StatusSuccess.Err())
	assert.ErrorIs(t, StatusNotSupported.Err(), ErrNotSupported)
	assert.NotErrorIs(t, StatusNotSupported.Err(), ErrDeviceFault)
	for _, s := range []Status{StatusBadParam, StatusAllocFailed, StatusExecutionFailed, StatusInternalError} {
		assert.ErrorIs(t, s.Err(), ErrDeviceFault, s.String())
	}
}
