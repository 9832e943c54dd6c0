package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const queueDepth = 64

// Queue is an ordered command stream on one device.
//
// Commands on the same queue run in submission order. Commands on different
// queues are unordered unless one waits on an event recorded by the other.
type Queue struct {
	device *Device
	id     int
	name   string
	mode   QueueMode
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
	work   chan func()
	done   chan struct{}
}

func newQueue(d *Device, id int, mode QueueMode) *Queue {
	q := &Queue{
		device: d,
		id:     id,
		name:   fmt.Sprintf("%s:%d", d.name, id),
		mode:   mode,
		done:   make(chan struct{}),
	}
	q.log = d.log.With().Int("queue", id).Logger()
	if mode == Async {
		q.work = make(chan func(), queueDepth)
		go q.run()
	} else {
		close(q.done)
	}
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for fn := range q.work {
		fn()
	}
}

func (q *Queue) ID() int                { return q.id }
func (q *Queue) Name() string           { return q.name }
func (q *Queue) Device() *Device        { return q.device }
func (q *Queue) Driver() Driver         { return q.device.driver }
func (q *Queue) MemoryType() MemoryType { return q.device.memoryType }
func (q *Queue) Logger() zerolog.Logger { return q.log }

// UseGPU reports whether operations on q are dispatched to the device driver.
func (q *Queue) UseGPU() bool { return q.device.useGPU }

// HostQueue returns the queue host code and CPU kernels use on behalf of q:
// q itself when its memory is unified, otherwise the platform's host queue.
func (q *Queue) HostQueue() *Queue {
	if q.device.memoryType == Unified {
		return q
	}
	return q.device.platform.HostQueue()
}

// Enqueue submits fn. It panics if the queue has been closed.
func (q *Queue) Enqueue(fn func()) {
	queueCommands.WithLabelValues(q.name).Inc()
	if q.mode == Sync {
		fn()
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		panic(fmt.Sprintf("device: enqueue on closed queue %s", q.name))
	}
	q.work <- fn
}

// WaitUntilComplete blocks until every command submitted so far has run.
func (q *Queue) WaitUntilComplete() {
	if q.isClosed() {
		return
	}
	ev := q.CreateEvent()
	q.Record(ev)
	ev.Wait()
}

// CreateEvent returns an unrecorded event.
func (q *Queue) CreateEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Record signals ev once all previously submitted commands have run.
// An event may be recorded only once.
func (q *Queue) Record(ev *Event) *Event {
	if !ev.recorded.CompareAndSwap(false, true) {
		panic("device: event recorded twice")
	}
	q.Enqueue(ev.signal)
	return ev
}

// Wait makes later commands on q wait for ev without blocking the caller.
func (q *Queue) Wait(ev *Event) {
	if ev.Signaled() {
		return
	}
	q.Enqueue(ev.Wait)
}

// CopyAsync enqueues a copy of src into dst. The regions must be the same size.
func (q *Queue) CopyAsync(dst, src *DeviceMemory) {
	if len(dst.Buffer) != len(src.Buffer) {
		panic(fmt.Sprintf("device: copy size mismatch %d != %d", len(src.Buffer), len(dst.Buffer)))
	}
	kind := copyKind(src, dst)
	q.Enqueue(func() {
		copy(dst.Buffer, src.Buffer)
		copiesTotal.WithLabelValues(kind).Inc()
	})
}

// Allocate allocates n bytes on q's device.
func (q *Queue) Allocate(n int) (*DeviceMemory, error) {
	return q.device.Allocate(n)
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Close drains outstanding commands and stops the worker. Close is idempotent.
func (q *Queue) Close() {
	if q.mode == Sync {
		return
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()
	<-q.done
}

// Event marks a point in a queue's command stream.
type Event struct {
	ch       chan struct{}
	once     sync.Once
	recorded atomic.Bool
}

func (e *Event) signal() {
	e.once.Do(func() { close(e.ch) })
}

// Wait blocks the caller until the event is signaled.
func (e *Event) Wait() { <-e.ch }

// Signaled reports whether every command before the record point has run.
func (e *Event) Signaled() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the event is signaled.
func (e *Event) Done() <-chan struct{} { return e.ch }
