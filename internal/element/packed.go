package element

import "fmt"

// Packed describes how sub-byte values are laid out inside a uint8 unit.
//
// 1<<IndexShift logical values share one byte. The value at logical index i
// occupies the ValueMask bits starting at (i % (1<<IndexShift)) << MaskingShift.
type Packed struct {
	IndexShift   uint
	MaskingShift uint
	ValueMask    uint8
	ValueMin     int
	ValueMax     int
}

// PerUnit is the number of logical values that share one stored byte.
func (p Packed) PerUnit() int { return 1 << p.IndexShift }

func (p Packed) StoredIndex(index int) int { return index >> p.IndexShift }

func (p Packed) StoredCount(count int) int {
	if count <= 0 {
		return 0
	}
	return p.StoredIndex(count-1) + 1
}

func (p Packed) StoredRange(start, count int) (int, int) {
	if count <= 0 {
		return p.StoredIndex(start), 0
	}
	base := p.StoredIndex(start)
	last := p.StoredIndex(start + count - 1)
	return base, last - base + 1
}

func (p Packed) Alignment(index int) int {
	return index & (p.PerUnit() - 1)
}

func (p Packed) shift(index int) uint {
	return uint(p.Alignment(index)) << p.MaskingShift
}

func (p Packed) get(index int, stored uint8) int {
	return int((stored >> p.shift(index)) & p.ValueMask)
}

func (p Packed) put(v int, index int, stored uint8) (uint8, error) {
	if v < p.ValueMin || v > p.ValueMax {
		return stored, fmt.Errorf("%w: %d not in [%d, %d]", ErrValueRange, v, p.ValueMin, p.ValueMax)
	}
	s := p.shift(index)
	return stored&^(p.ValueMask<<s) | uint8(v)<<s, nil
}

// Bit layouts of the packed elements.
var (
	bitLayout    = Packed{IndexShift: 3, MaskingShift: 0, ValueMask: 0x01, ValueMin: 0, ValueMax: 1}
	nibbleLayout = Packed{IndexShift: 1, MaskingShift: 2, ValueMask: 0x0F, ValueMin: 0, ValueMax: 15}
)

// Bool1Element packs eight booleans into each byte.
type Bool1Element struct{ Packed }

func (Bool1Element) Kind() Kind { return KindBool1 }

func (e Bool1Element) Layout() Packed { return e.Packed }

func (e Bool1Element) Value(index int, stored uint8) bool {
	return e.get(index, stored) != 0
}

func (e Bool1Element) Store(value bool, index int, stored uint8) (uint8, error) {
	v := 0
	if value {
		v = 1
	}
	return e.put(v, index, stored)
}

// PackedUInt stores small unsigned integers in a sub-field of each byte.
type PackedUInt struct {
	Packed
	kind Kind
}

func (e PackedUInt) Kind() Kind { return e.kind }

func (e PackedUInt) Layout() Packed { return e.Packed }

func (e PackedUInt) Value(index int, stored uint8) uint8 {
	return uint8(e.get(index, stored))
}

// Store fails with ErrValueRange when value exceeds ValueMax.
func (e PackedUInt) Store(value uint8, index int, stored uint8) (uint8, error) {
	return e.put(int(value), index, stored)
}

// Packed elements.
var (
	Bool1 = Bool1Element{Packed: bitLayout}
	UInt1 = PackedUInt{Packed: bitLayout, kind: KindUInt1}
	UInt4 = PackedUInt{Packed: nibbleLayout, kind: KindUInt4}
)

var (
	_ Element[uint8, bool]      = Bool1
	_ Element[uint8, uint8]     = UInt1
	_ Element[float32, float32] = Float32
)
