package device

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// hostKey indexes the replica shared by every unified device.
const hostKey = -1

type replica struct {
	mem     *DeviceMemory
	version int
}

// Buffer is tensor storage that may be replicated across devices.
//
// Each device with discreet memory gets its own replica; unified devices share
// one host replica. A write through ReadWrite makes the writer's replica the
// master and every other replica stale. Stale replicas are refreshed with a
// copy enqueued on the accessing queue the next time they are used.
//
// A buffer that becomes unreachable without Release returns its replicas once
// the garbage collector finds it.
type Buffer struct {
	platform *Platform
	name     string
	size     int

	mu       sync.Mutex
	replicas map[int]*replica
	master   int
	version  int
	writer   *Queue
	readers  map[*Queue]struct{}
	released bool
	cleanup  runtime.Cleanup
}

// NewBuffer returns a zero-filled buffer of size bytes. No memory is
// allocated until the buffer is first accessed on a queue.
func NewBuffer(p *Platform, name string, size int) *Buffer {
	b := &Buffer{
		platform: p,
		name:     name,
		size:     size,
		replicas: make(map[int]*replica),
		master:   hostKey,
		readers:  make(map[*Queue]struct{}),
	}
	b.cleanup = runtime.AddCleanup(b, releaseReplicas, b.replicas)
	return b
}

// releaseReplicas must not reference the Buffer, so it takes the map.
func releaseReplicas(replicas map[int]*replica) {
	for _, r := range replicas {
		r.mem.Release()
	}
}

// NewBufferFrom returns a buffer holding a copy of data in host memory.
func NewBufferFrom(p *Platform, name string, data []byte) (*Buffer, error) {
	b := NewBuffer(p, name, len(data))
	mem, err := p.CPU().Allocate(len(data))
	if err != nil {
		return nil, err
	}
	copy(mem.Buffer, data)
	b.version = 1
	b.replicas[hostKey] = &replica{mem: mem, version: 1}
	return b, nil
}

// Platform returns the platform the buffer allocates on.
func (b *Buffer) Platform() *Platform { return b.platform }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return b.size }

// Name returns the label given at creation.
func (b *Buffer) Name() string { return b.name }

// Read returns the replica for q's device, brought up to date by commands
// enqueued on q. The contents are valid for later commands on q; host code
// must wait for q before touching them.
func (b *Buffer) Read(q *Queue) (*DeviceMemory, error) {
	return b.access(q, false)
}

// ReadWrite is Read plus a claim of exclusive write access. Replicas on other
// devices become stale and other queues order their next access after q.
func (b *Buffer) ReadWrite(q *Queue) (*DeviceMemory, error) {
	return b.access(q, true)
}

func (b *Buffer) access(q *Queue, write bool) (*DeviceMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, fmt.Errorf("%s: %w", b.name, ErrReleased)
	}

	if b.writer != nil && b.writer != q {
		q.Wait(b.writer.Record(b.writer.CreateEvent()))
	}
	if write {
		for r := range b.readers {
			if r != q {
				q.Wait(r.Record(r.CreateEvent()))
			}
		}
	}

	key := replicaKey(q)
	rep, ok := b.replicas[key]
	if !ok {
		mem, err := q.Allocate(b.size)
		if err != nil {
			return nil, fmt.Errorf("%s: replica on %s: %w", b.name, q.name, err)
		}
		rep = &replica{mem: mem}
		b.replicas[key] = rep
	}
	if rep.version != b.version {
		q.CopyAsync(rep.mem, b.replicas[b.master].mem)
		rep.version = b.version
	}

	if write {
		b.version++
		rep.version = b.version
		b.master = key
		b.writer = q
		clear(b.readers)
	} else {
		b.readers[q] = struct{}{}
	}
	return rep.mem, nil
}

func replicaKey(q *Queue) int {
	if q.device.memoryType == Unified {
		return hostKey
	}
	return q.device.id
}

// Release waits for every queue that used the buffer and then releases all
// replicas. Release is idempotent.
func (b *Buffer) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.cleanup.Stop()
	queues := make([]*Queue, 0, len(b.readers)+1)
	if b.writer != nil {
		queues = append(queues, b.writer)
	}
	for r := range b.readers {
		if r != b.writer {
			queues = append(queues, r)
		}
	}
	replicas := b.replicas
	b.replicas = nil
	b.mu.Unlock()

	var g errgroup.Group
	for _, q := range queues {
		g.Go(func() error {
			q.WaitUntilComplete()
			return nil
		})
	}
	_ = g.Wait()

	releaseReplicas(replicas)
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Replicas returns the number of device replicas currently allocated.
func (b *Buffer) Replicas() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replicas)
}
