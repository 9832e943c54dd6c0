package tensor

import (
	"fmt"
	"iter"
	"weak"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
)

// LogicalElements reads and writes a tensor's values by logical index,
// applying its strides and the element's storage mapping.
//
// The host buffer starts unbound. PrepareForRead or PrepareForReadWrite must
// be called before any access, and again after any operation that may have
// written the storage on another queue. The view does not keep the storage
// alive.
type LogicalElements[S, V any] struct {
	elem        element.Element[S, V]
	shape       []int
	strides     []int
	order       Order
	count       int
	alignment   int
	storedBase  int
	storedCount int
	storage     weak.Pointer[device.Buffer]

	bound  bool
	buffer []S
}

func newLogicalElements[S, V any](t *Tensor[S, V]) *LogicalElements[S, V] {
	base, n := t.elem.StoredRange(t.base, t.span)
	return &LogicalElements[S, V]{
		elem:        t.elem,
		shape:       t.shape,
		strides:     t.strides,
		order:       t.order,
		count:       t.count,
		alignment:   t.elem.Alignment(t.base),
		storedBase:  base,
		storedCount: n,
		storage:     weak.Make(t.storage),
	}
}

// Len returns the number of logical elements.
func (e *LogicalElements[S, V]) Len() int { return e.count }

// Alignment returns the position of the first element inside its stored unit.
func (e *LogicalElements[S, V]) Alignment() int { return e.alignment }

// StoredSpan returns the stored unit range the view covers.
func (e *LogicalElements[S, V]) StoredSpan() (base, count int) {
	return e.storedBase, e.storedCount
}

// Prepared reports whether a buffer is bound.
func (e *LogicalElements[S, V]) Prepared() bool { return e.bound }

// PrepareForRead binds the host copy of the storage, blocking until writes
// already submitted on q and on any other queue that wrote the storage are
// visible.
func (e *LogicalElements[S, V]) PrepareForRead(q *device.Queue) error {
	hq := q.HostQueue()
	if err := e.bind(hq, false); err != nil {
		return err
	}
	hq.WaitUntilComplete()
	return nil
}

// PrepareForReadWrite is PrepareForRead that also claims the storage for
// writing, so other queues resynchronize before their next access.
func (e *LogicalElements[S, V]) PrepareForReadWrite(q *device.Queue) error {
	hq := q.HostQueue()
	if err := e.bind(hq, true); err != nil {
		return err
	}
	hq.WaitUntilComplete()
	return nil
}

// QueueRead returns a copy of the view bound for a command that will run on
// q. It does not block; the contents are only valid from inside commands
// enqueued on q afterwards. q must have unified memory.
func (e *LogicalElements[S, V]) QueueRead(q *device.Queue) (*LogicalElements[S, V], error) {
	c := *e
	if err := c.bind(q, false); err != nil {
		return nil, err
	}
	return &c, nil
}

// QueueReadWrite is QueueRead with write access.
func (e *LogicalElements[S, V]) QueueReadWrite(q *device.Queue) (*LogicalElements[S, V], error) {
	c := *e
	if err := c.bind(q, true); err != nil {
		return nil, err
	}
	return &c, nil
}

func (e *LogicalElements[S, V]) bind(q *device.Queue, write bool) error {
	if q.MemoryType() != device.Unified {
		panic(fmt.Sprintf("tensor: host binding on %s memory queue %s", q.MemoryType(), q.Name()))
	}
	storage := e.storage.Value()
	if storage == nil {
		return fmt.Errorf("tensor: storage collected: %w", device.ErrReleased)
	}

	var (
		mem *device.DeviceMemory
		err error
	)
	if write {
		mem, err = storage.ReadWrite(q)
	} else {
		mem, err = storage.Read(q)
	}
	if err != nil {
		return err
	}
	e.buffer = castUnits[S](mem.Buffer)[e.storedBase : e.storedBase+e.storedCount]
	e.bound = true
	return nil
}

func (e *LogicalElements[S, V]) checkAccess() {
	if !e.bound {
		panic(ErrNotPrepared)
	}
	if e.order == NHWC || e.order == NDHWC {
		panic(fmt.Errorf("%w: subscript access in %s order", ErrNotImplemented, e.order))
	}
}

// At returns the value at the logical index. Bounds are not checked.
func (e *LogicalElements[S, V]) At(index ...int) V {
	e.checkAccess()
	return e.get(linear(index, e.strides) + e.alignment)
}

// Set writes value at the logical index. Bounds are not checked.
func (e *LogicalElements[S, V]) Set(value V, index ...int) error {
	e.checkAccess()
	return e.put(value, linear(index, e.strides)+e.alignment)
}

// Get returns the value at a storage offset relative to the first element,
// as produced by Offsets. Unlike At it works in every order.
func (e *LogicalElements[S, V]) Get(offset int) V {
	if !e.bound {
		panic(ErrNotPrepared)
	}
	return e.get(offset + e.alignment)
}

// Put writes value at a storage offset relative to the first element.
func (e *LogicalElements[S, V]) Put(offset int, value V) error {
	if !e.bound {
		panic(ErrNotPrepared)
	}
	return e.put(value, offset+e.alignment)
}

func (e *LogicalElements[S, V]) get(i int) V {
	return e.elem.Value(i, e.buffer[e.elem.StoredIndex(i)])
}

func (e *LogicalElements[S, V]) put(value V, i int) error {
	si := e.elem.StoredIndex(i)
	stored, err := e.elem.Store(value, i, e.buffer[si])
	if err != nil {
		return err
	}
	e.buffer[si] = stored
	return nil
}

// All yields every value in row-major logical order.
func (e *LogicalElements[S, V]) All() iter.Seq[V] {
	e.checkAccess()
	return func(yield func(V) bool) {
		for off := range Offsets(e.shape, e.strides) {
			if !yield(e.get(off + e.alignment)) {
				return
			}
		}
	}
}

// Values returns all values in row-major logical order.
func (e *LogicalElements[S, V]) Values() []V {
	out := make([]V, 0, e.count)
	for v := range e.All() {
		out = append(out, v)
	}
	return out
}

// Assign writes values in row-major logical order.
func (e *LogicalElements[S, V]) Assign(values []V) error {
	e.checkAccess()
	if len(values) != e.count {
		return fmt.Errorf("tensor: assigning %d values to %d elements", len(values), e.count)
	}
	k := 0
	for off := range Offsets(e.shape, e.strides) {
		if err := e.put(values[k], off+e.alignment); err != nil {
			return fmt.Errorf("tensor: element %d: %w", k, err)
		}
		k++
	}
	return nil
}
