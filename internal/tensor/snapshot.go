package tensor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
)

// Snapshot is the CBOR form of a tensor. Data holds the stored units of a
// dense row-major copy, so packed elements stay packed.
type Snapshot struct {
	Kind  string `cbor:"kind"`
	Order string `cbor:"order"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// MarshalSnapshot encodes t's values as seen after all work on q completes.
func MarshalSnapshot[S, V any](t *Tensor[S, V], q *device.Queue) ([]byte, error) {
	values, err := HostValues(t, q)
	if err != nil {
		return nil, err
	}
	units := make([]S, t.elem.StoredCount(len(values)))
	for i, v := range values {
		si := t.elem.StoredIndex(i)
		if units[si], err = t.elem.Store(v, i, units[si]); err != nil {
			return nil, err
		}
	}

	order := RowMajor
	if t.order == NHWC || t.order == NDHWC {
		order = t.order
	}
	return cbor.Marshal(Snapshot{
		Kind:  t.Kind().String(),
		Order: order.String(),
		Shape: t.shape,
		Data:  unitBytes(units),
	})
}

// UnmarshalSnapshot decodes data into a new tensor of element elem.
func UnmarshalSnapshot[S, V any](p *device.Platform, elem element.Element[S, V], data []byte) (*Tensor[S, V], error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("tensor: decode snapshot: %w", err)
	}
	if s.Kind != elem.Kind().String() {
		return nil, fmt.Errorf("tensor: snapshot of %s decoded as %s", s.Kind, elem.Kind())
	}
	order, err := ParseOrder(s.Order)
	if err != nil {
		return nil, err
	}
	if err := CheckShape(s.Shape); err != nil {
		return nil, err
	}
	want := elem.StoredCount(ElementCount(s.Shape)) * unitSize[S]()
	if len(s.Data) != want {
		return nil, fmt.Errorf("tensor: snapshot has %d bytes, shape %v needs %d", len(s.Data), s.Shape, want)
	}
	units := make([]S, elem.StoredCount(ElementCount(s.Shape)))
	copy(unitBytes(units), s.Data)
	return fromStored(p, elem, s.Shape, order, units)
}

// HostValues returns t's values in row-major logical order once all work
// submitted on q has completed. Device native orders are read in storage
// order, which requires t to be contiguous.
func HostValues[S, V any](t *Tensor[S, V], q *device.Queue) ([]V, error) {
	if t.order != NHWC && t.order != NDHWC {
		e := t.Elements()
		if err := e.PrepareForRead(q); err != nil {
			return nil, err
		}
		return e.Values(), nil
	}

	hq := q.HostQueue()
	b, err := t.BufferElements(hq)
	if err != nil {
		return nil, err
	}
	hq.WaitUntilComplete()
	out := make([]V, b.Len())
	for i := range out {
		out[i] = b.At(i)
	}
	return out, nil
}
