package device

import (
	"runtime"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multiDevice(t *testing.T, mem memory.Allocator) *Platform {
	return newTestPlatform(t, mem,
		DeviceSpec{Name: "cpu", Queues: 2},
		DeviceSpec{Name: "gpu0", Accelerator: true, Driver: &mockDriver{}},
		DeviceSpec{Name: "gpu1", Accelerator: true, Driver: &mockDriver{}},
	)
}

func TestBufferCoherence(t *testing.T) {
	p := multiDevice(t, memory.NewGoAllocator())
	host, gpu0, gpu1 := p.HostQueue(), p.Queue(1, 0), p.Queue(2, 0)

	b, err := NewBufferFrom(p, "x", []byte{1, 2, 3, 4})
	require.NoError(t, err)
	defer b.Release()

	t.Run("device read sees host data", func(t *testing.T) {
		m, err := b.Read(gpu0)
		require.NoError(t, err)
		gpu0.WaitUntilComplete()
		assert.Equal(t, Discreet, m.Type)
		assert.Equal(t, []byte{1, 2, 3, 4}, m.Buffer)
	})

	t.Run("device write is visible elsewhere", func(t *testing.T) {
		m, err := b.ReadWrite(gpu0)
		require.NoError(t, err)
		gpu0.Enqueue(func() { m.Buffer[0] = 42 })

		other, err := b.Read(gpu1)
		require.NoError(t, err)
		gpu1.WaitUntilComplete()
		assert.Equal(t, byte(42), other.Buffer[0])

		h, err := b.Read(host)
		require.NoError(t, err)
		host.WaitUntilComplete()
		assert.Equal(t, []byte{42, 2, 3, 4}, h.Buffer)
	})

	t.Run("host write invalidates device replicas", func(t *testing.T) {
		h, err := b.ReadWrite(host)
		require.NoError(t, err)
		host.Enqueue(func() { h.Buffer[3] = 9 })

		m, err := b.Read(gpu1)
		require.NoError(t, err)
		gpu1.WaitUntilComplete()
		assert.Equal(t, []byte{42, 2, 3, 9}, m.Buffer)
	})

	t.Run("unified queues share a replica", func(t *testing.T) {
		a, err := b.Read(p.Queue(0, 0))
		require.NoError(t, err)
		c, err := b.Read(p.Queue(0, 1))
		require.NoError(t, err)
		assert.Same(t, a, c)
		assert.Equal(t, 3, b.Replicas())
	})
}

func TestBufferStartsZeroed(t *testing.T) {
	p := multiDevice(t, memory.NewGoAllocator())
	b := NewBuffer(p, "z", 8)
	defer b.Release()

	m, err := b.Read(p.Queue(1, 0))
	require.NoError(t, err)
	p.Queue(1, 0).WaitUntilComplete()
	assert.Equal(t, make([]byte, 8), m.Buffer)
}

func TestBufferReleaseAllReplicas(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	p := multiDevice(t, mem)

	const n = 10
	buffers := make([]*Buffer, n)
	for i := range buffers {
		b := NewBuffer(p, "b", 64)
		for _, q := range []*Queue{p.HostQueue(), p.Queue(1, 0), p.Queue(2, 0)} {
			_, err := b.ReadWrite(q)
			require.NoError(t, err)
		}
		require.Equal(t, 3, b.Replicas())
		buffers[i] = b
	}
	assert.Equal(t, n*3*64, mem.CurrentAlloc())

	for _, b := range buffers {
		b.Release()
		b.Release()
		assert.True(t, b.Released())
	}
	assert.Equal(t, 0, mem.CurrentAlloc())

	_, err := buffers[0].Read(p.HostQueue())
	assert.ErrorIs(t, err, ErrReleased)
}

func TestBufferReplicaOutOfMemory(t *testing.T) {
	p := newTestPlatform(t, memory.NewGoAllocator(),
		DeviceSpec{Name: "cpu"},
		DeviceSpec{Name: "gpu", Accelerator: true, Capacity: 16, Driver: &mockDriver{}},
	)
	b := NewBuffer(p, "big", 32)
	defer b.Release()

	_, err := b.Read(p.Queue(1, 0))
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestDroppedBufferReturnsMemory(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	p := newTestPlatform(t, mem,
		DeviceSpec{Name: "cpu"},
		DeviceSpec{Name: "gpu", Accelerator: true, Capacity: 64, Driver: &mockDriver{}},
	)
	gpu := p.Queue(1, 0)

	func() {
		b := NewBuffer(p, "dropped", 64)
		_, err := b.ReadWrite(gpu)
		require.NoError(t, err)
		gpu.WaitUntilComplete()
	}()
	require.Equal(t, 64, mem.CurrentAlloc())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return mem.CurrentAlloc() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// device capacity came back with the replica
	b := NewBuffer(p, "next", 64)
	defer b.Release()
	_, err := b.Read(gpu)
	assert.NoError(t, err)
}
