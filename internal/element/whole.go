package element

import "github.com/x448/float16"

// Whole is the identity mapping used by every element that fills its stored unit.
type Whole[T any] struct {
	kind Kind
}

// NewWhole returns a whole-word element tagged with kind.
func NewWhole[T any](kind Kind) Whole[T] {
	return Whole[T]{kind: kind}
}

func (w Whole[T]) Kind() Kind { return w.kind }

func (Whole[T]) StoredIndex(index int) int { return index }

func (Whole[T]) StoredCount(count int) int { return count }

func (Whole[T]) StoredRange(start, count int) (int, int) { return start, count }

func (Whole[T]) Alignment(int) int { return 0 }

func (Whole[T]) Value(_ int, stored T) T { return stored }

func (Whole[T]) Store(value T, _ int, _ T) (T, error) { return value, nil }

// Whole-word elements.
var (
	Float16    = NewWhole[float16.Float16](KindFloat16)
	Float32    = NewWhole[float32](KindFloat32)
	Float64    = NewWhole[float64](KindFloat64)
	Complex64  = NewWhole[complex64](KindComplex64)
	Complex128 = NewWhole[complex128](KindComplex128)
	Int8       = NewWhole[int8](KindInt8)
	Int16      = NewWhole[int16](KindInt16)
	Int32      = NewWhole[int32](KindInt32)
	Int64      = NewWhole[int64](KindInt64)
	UInt8      = NewWhole[uint8](KindUInt8)
	UInt16     = NewWhole[uint16](KindUInt16)
	UInt32     = NewWhole[uint32](KindUInt32)
	UInt64     = NewWhole[uint64](KindUInt64)
	Bool       = NewWhole[bool](KindBool)
)
