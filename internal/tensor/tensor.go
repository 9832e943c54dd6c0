// Package tensor provides strided, typed tensors over device buffers and the
// element views used to read and write them from host code.
package tensor

import (
	"errors"
	"fmt"
	"slices"
	"unsafe"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
)

var (
	// ErrNotImplemented is the panic value for subscript access in device native orders.
	ErrNotImplemented = errors.New("tensor: not implemented")
	// ErrNotPrepared is the panic value for element access before binding a buffer.
	ErrNotPrepared = errors.New("tensor: elements not prepared")
)

// Tensor is a strided view of typed elements held in a device.Buffer.
//
// S is the stored unit and V the logical value; they differ only for packed
// elements. Views made with Slice and Transposed share storage with their
// parent. Storage is owned by the tensor it was created for; call Release on
// that tensor once all views are done.
type Tensor[S, V any] struct {
	elem    element.Element[S, V]
	shape   []int
	strides []int
	order   Order
	base    int
	count   int
	span    int
	storage *device.Buffer

	elements *LogicalElements[S, V]
}

// New returns a zero-filled tensor of the given shape laid out in order.
func New[S, V any](p *device.Platform, elem element.Element[S, V], shape []int, order Order) *Tensor[S, V] {
	if err := CheckShape(shape); err != nil {
		panic(err.Error())
	}
	checkOrder(order, len(shape))
	shape = slices.Clone(shape)
	strides := denseStrides(shape, order)
	count := ElementCount(shape)
	size := elem.StoredCount(count) * unitSize[S]()
	return newView(elem, device.NewBuffer(p, elem.Kind().String(), size), shape, strides, order, 0)
}

// FromValues returns a row-major tensor holding values.
func FromValues[S, V any](p *device.Platform, elem element.Element[S, V], shape []int, values []V) (*Tensor[S, V], error) {
	if err := CheckShape(shape); err != nil {
		return nil, err
	}
	if ElementCount(shape) != len(values) {
		return nil, fmt.Errorf("tensor: %d values for shape %v", len(values), shape)
	}
	units := make([]S, elem.StoredCount(len(values)))
	for i, v := range values {
		si := elem.StoredIndex(i)
		u, err := elem.Store(v, i, units[si])
		if err != nil {
			return nil, fmt.Errorf("tensor: value %d: %w", i, err)
		}
		units[si] = u
	}
	return fromStored(p, elem, slices.Clone(shape), RowMajor, units)
}

func fromStored[S, V any](p *device.Platform, elem element.Element[S, V], shape []int, order Order, units []S) (*Tensor[S, V], error) {
	checkOrder(order, len(shape))
	buf, err := device.NewBufferFrom(p, elem.Kind().String(), unitBytes(units))
	if err != nil {
		return nil, err
	}
	return newView(elem, buf, shape, denseStrides(shape, order), order, 0), nil
}

func newView[S, V any](elem element.Element[S, V], storage *device.Buffer, shape, strides []int, order Order, base int) *Tensor[S, V] {
	t := &Tensor[S, V]{
		elem:    elem,
		shape:   shape,
		strides: strides,
		order:   order,
		base:    base,
		count:   ElementCount(shape),
		span:    spanCount(shape, strides),
		storage: storage,
	}
	t.elements = newLogicalElements(t)
	return t
}

func (t *Tensor[S, V]) Shape() []int                     { return t.shape }
func (t *Tensor[S, V]) Strides() []int                   { return t.strides }
func (t *Tensor[S, V]) Order() Order                     { return t.order }
func (t *Tensor[S, V]) Count() int                       { return t.count }
func (t *Tensor[S, V]) SpanCount() int                   { return t.span }
func (t *Tensor[S, V]) StorageBase() int                 { return t.base }
func (t *Tensor[S, V]) Rank() int                        { return len(t.shape) }
func (t *Tensor[S, V]) Element() element.Element[S, V]   { return t.elem }
func (t *Tensor[S, V]) Kind() element.Kind               { return t.elem.Kind() }
func (t *Tensor[S, V]) Storage() *device.Buffer          { return t.storage }
func (t *Tensor[S, V]) Elements() *LogicalElements[S, V] { return t.elements }

// IsContiguous reports whether the elements occupy storage without gaps in
// the tensor's own order.
func (t *Tensor[S, V]) IsContiguous() bool {
	if t.count <= 1 {
		return true
	}
	dense := denseStrides(t.shape, t.order)
	for i, d := range t.shape {
		if d != 1 && t.strides[i] != dense[i] {
			return false
		}
	}
	return true
}

// StoredSpan returns the stored unit range covering the tensor.
func (t *Tensor[S, V]) StoredSpan() (base, count int) {
	return t.elem.StoredRange(t.base, t.span)
}

// Read returns the stored units covering the tensor, readable by commands on q.
func (t *Tensor[S, V]) Read(q *device.Queue) ([]S, error) {
	mem, err := t.storage.Read(q)
	if err != nil {
		return nil, err
	}
	return t.units(mem), nil
}

// ReadWrite is Read with exclusive write access for commands on q.
func (t *Tensor[S, V]) ReadWrite(q *device.Queue) ([]S, error) {
	mem, err := t.storage.ReadWrite(q)
	if err != nil {
		return nil, err
	}
	return t.units(mem), nil
}

func (t *Tensor[S, V]) units(mem *device.DeviceMemory) []S {
	base, n := t.StoredSpan()
	return castUnits[S](mem.Buffer)[base : base+n]
}

// DeviceRead describes the tensor for a driver call on q.
func (t *Tensor[S, V]) DeviceRead(q *device.Queue) (device.Operand, error) {
	mem, err := t.storage.Read(q)
	if err != nil {
		return device.Operand{}, err
	}
	return t.operand(mem), nil
}

// DeviceReadWrite is DeviceRead with exclusive write access.
func (t *Tensor[S, V]) DeviceReadWrite(q *device.Queue) (device.Operand, error) {
	mem, err := t.storage.ReadWrite(q)
	if err != nil {
		return device.Operand{}, err
	}
	return t.operand(mem), nil
}

func (t *Tensor[S, V]) operand(mem *device.DeviceMemory) device.Operand {
	return device.Operand{
		Memory:  mem,
		Kind:    t.elem.Kind(),
		Shape:   t.shape,
		Strides: t.strides,
		Base:    t.base,
	}
}

// Slice returns the view of elements in [lower, upper) along every dimension.
func (t *Tensor[S, V]) Slice(lower, upper []int) *Tensor[S, V] {
	if len(lower) != len(t.shape) || len(upper) != len(t.shape) {
		panic(fmt.Sprintf("tensor: slice bounds rank %d/%d for rank %d", len(lower), len(upper), len(t.shape)))
	}
	shape := make([]int, len(t.shape))
	for i := range shape {
		if lower[i] < 0 || upper[i] > t.shape[i] || lower[i] > upper[i] {
			panic(fmt.Sprintf("tensor: slice [%d, %d) out of bounds for dim %d of size %d", lower[i], upper[i], i, t.shape[i]))
		}
		shape[i] = upper[i] - lower[i]
	}
	return newView(t.elem, t.storage, shape, slices.Clone(t.strides), t.order, t.base+linear(lower, t.strides))
}

// Transposed returns the view with dimensions in reverse order. A row-major
// tensor becomes a contiguous column-major view and vice versa.
func (t *Tensor[S, V]) Transposed() *Tensor[S, V] {
	shape := slices.Clone(t.shape)
	strides := slices.Clone(t.strides)
	slices.Reverse(shape)
	slices.Reverse(strides)
	order := t.order
	switch order {
	case RowMajor:
		order = ColMajor
	case ColMajor:
		order = RowMajor
	default:
		panic(fmt.Sprintf("tensor: transpose of %s tensor", order))
	}
	return newView(t.elem, t.storage, shape, strides, order, t.base)
}

// Release frees the tensor's storage on every device. Views of the tensor
// must not be used afterwards.
func (t *Tensor[S, V]) Release() {
	t.storage.Release()
}

func unitSize[S any]() int {
	var zero S
	return int(unsafe.Sizeof(zero))
}

func castUnits[S any](b []byte) []S {
	size := unitSize[S]()
	if len(b) < size {
		return nil
	}
	return unsafe.Slice((*S)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/size)
}

func unitBytes[S any](units []S) []byte {
	if len(units) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(units))), len(units)*unitSize[S]())
}
