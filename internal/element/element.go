// Package element maps logical tensor element values onto the physical units
// that hold them in storage.
//
// A whole-word element (float32, int16, ...) stores one value per unit and the
// mapping is the identity. A packed element (Bool1, UInt1, UInt4) shares one
// byte between several logical values, so reads and writes go through a bit
// level read/modify/write.
package element

import (
	"errors"
	"fmt"
)

// ErrValueRange is returned when a value cannot be represented by a packed element.
var ErrValueRange = errors.New("element: value out of range")

// Element describes how a logical value of type V lives inside a stored unit of type S.
//
// For every count > 0, StoredCount(count) == StoredIndex(count-1)+1.
type Element[S, V any] interface {
	// Kind is the runtime tag handed to device drivers.
	Kind() Kind

	// StoredIndex returns the index of the unit holding logical index.
	StoredIndex(index int) int

	// StoredCount returns the number of units needed for count logical values.
	StoredCount(count int) int

	// StoredRange returns the smallest unit span covering [start, start+count).
	// The start is rounded down and the end rounded up to unit boundaries.
	StoredRange(start, count int) (base, n int)

	// Alignment returns the position of index inside its unit.
	Alignment(index int) int

	// Value decodes the value at logical index from its unit.
	Value(index int, stored S) V

	// Store merges value into the unit holding logical index, preserving
	// every bit that belongs to other logical values.
	Store(value V, index int, stored S) (S, error)
}

// PackedElement is implemented by elements that share a unit between values.
type PackedElement interface {
	Layout() Packed
}

// LayoutOf returns the packing layout of e, if it is a packed element.
func LayoutOf(e any) (Packed, bool) {
	p, ok := e.(PackedElement)
	if !ok {
		return Packed{}, false
	}
	return p.Layout(), true
}

// Kind identifies an element type at run time.
type Kind int

const (
	KindInvalid Kind = iota
	KindFloat16
	KindFloat32
	KindFloat64
	KindComplex64
	KindComplex128
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUInt8
	KindUInt16
	KindUInt32
	KindUInt64
	KindBool
	KindBool1
	KindUInt1
	KindUInt4
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindFloat16:    "float16",
	KindFloat32:    "float32",
	KindFloat64:    "float64",
	KindComplex64:  "complex64",
	KindComplex128: "complex128",
	KindInt8:       "int8",
	KindInt16:      "int16",
	KindInt32:      "int32",
	KindInt64:      "int64",
	KindUInt8:      "uint8",
	KindUInt16:     "uint16",
	KindUInt32:     "uint32",
	KindUInt64:     "uint64",
	KindBool:       "bool",
	KindBool1:      "bool1",
	KindUInt1:      "uint1",
	KindUInt4:      "uint4",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name && Kind(k) != KindInvalid {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("element: unknown kind %q", name)
}

// StoredBytes returns the size in bytes of one stored unit.
func (k Kind) StoredBytes() int {
	switch k {
	case KindInt8, KindUInt8, KindBool, KindBool1, KindUInt1, KindUInt4:
		return 1
	case KindFloat16, KindInt16, KindUInt16:
		return 2
	case KindFloat32, KindInt32, KindUInt32:
		return 4
	case KindFloat64, KindInt64, KindUInt64, KindComplex64:
		return 8
	case KindComplex128:
		return 16
	default:
		panic(fmt.Sprintf("element: no storage size for %s", k))
	}
}

// IsPacked reports whether several values of kind k share one stored unit.
func (k Kind) IsPacked() bool {
	return k == KindBool1 || k == KindUInt1 || k == KindUInt4
}
