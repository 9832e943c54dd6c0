package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
)

// BufferElements iterates a contiguous tensor directly in storage order.
//
// The stored units are captured when the view is created, so the view stays
// on the same memory even if the tensor's storage is accessed elsewhere in
// the meantime. It is only valid while the tensor remains contiguous.
type BufferElements[S, V any] struct {
	elem      element.Element[S, V]
	alignment int
	count     int
	units     []S
}

// BufferElements returns a read-only view bound for commands on q, or for
// host code once q has completed.
func (t *Tensor[S, V]) BufferElements(q *device.Queue) (*BufferElements[S, V], error) {
	return t.bufferElements(q, false)
}

// MutableBufferElements is BufferElements with write access.
func (t *Tensor[S, V]) MutableBufferElements(q *device.Queue) (*BufferElements[S, V], error) {
	return t.bufferElements(q, true)
}

func (t *Tensor[S, V]) bufferElements(q *device.Queue, write bool) (*BufferElements[S, V], error) {
	if !t.IsContiguous() {
		panic(fmt.Sprintf("tensor: buffer elements of non contiguous tensor %v/%v", t.shape, t.strides))
	}
	var (
		units []S
		err   error
	)
	if write {
		units, err = t.ReadWrite(q)
	} else {
		units, err = t.Read(q)
	}
	if err != nil {
		return nil, err
	}
	return &BufferElements[S, V]{
		elem:      t.elem,
		alignment: t.elem.Alignment(t.base),
		count:     t.count,
		units:     units,
	}, nil
}

// Len returns the number of elements.
func (b *BufferElements[S, V]) Len() int { return b.count }

// At returns the i-th element in storage order.
func (b *BufferElements[S, V]) At(i int) V {
	i += b.alignment
	return b.elem.Value(i, b.units[b.elem.StoredIndex(i)])
}

// Set writes the i-th element in storage order.
func (b *BufferElements[S, V]) Set(i int, v V) error {
	i += b.alignment
	si := b.elem.StoredIndex(i)
	u, err := b.elem.Store(v, i, b.units[si])
	if err != nil {
		return err
	}
	b.units[si] = u
	return nil
}

// Units returns the captured stored units.
func (b *BufferElements[S, V]) Units() []S { return b.units }
