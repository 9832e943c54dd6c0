package tensor

import (
	"fmt"
	"iter"
)

// Order is the layout of a tensor's elements in storage.
type Order int

const (
	RowMajor Order = iota
	ColMajor
	// NHWC is a device native image layout. It requires rank 4.
	NHWC
	// NDHWC is a device native volume layout. It requires rank 5.
	NDHWC
)

var orderNames = [...]string{"row", "col", "nhwc", "ndhwc"}

func (o Order) String() string {
	if o >= 0 && int(o) < len(orderNames) {
		return orderNames[o]
	}
	return fmt.Sprintf("order(%d)", int(o))
}

// ParseOrder is the inverse of Order.String.
func ParseOrder(s string) (Order, error) {
	for i, n := range orderNames {
		if n == s {
			return Order(i), nil
		}
	}
	return RowMajor, fmt.Errorf("tensor: unknown order %q", s)
}

func checkOrder(o Order, rank int) {
	switch {
	case o == NHWC && rank != 4:
		panic(fmt.Sprintf("tensor: nhwc order requires rank 4, got %d", rank))
	case o == NDHWC && rank != 5:
		panic(fmt.Sprintf("tensor: ndhwc order requires rank 5, got %d", rank))
	case o < RowMajor || o > NDHWC:
		panic(fmt.Sprintf("tensor: invalid order %d", int(o)))
	}
}

// denseStrides returns the strides of a gap free layout of shape in order o.
func denseStrides(shape []int, o Order) []int {
	strides := make([]int, len(shape))
	stride := 1
	if o == ColMajor {
		for i := range shape {
			strides[i] = stride
			stride *= shape[i]
		}
		return strides
	}
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// CheckShape rejects negative dimensions.
func CheckShape(shape []int) error {
	for i, d := range shape {
		if d < 0 {
			return fmt.Errorf("tensor: dimension %d of shape %v is negative", i, shape)
		}
	}
	return nil
}

// ElementCount returns the product of the dimensions.
func ElementCount(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func spanCount(shape, strides []int) int {
	if ElementCount(shape) == 0 {
		return 0
	}
	span := 1
	for i, d := range shape {
		span += (d - 1) * strides[i]
	}
	return span
}

func linear(index, strides []int) int {
	i := 0
	for d, v := range index {
		i += v * strides[d]
	}
	return i
}

// Offsets yields the storage offset of every element of shape, relative to
// the first element, visiting indices in row-major logical order.
func Offsets(shape, strides []int) iter.Seq[int] {
	return func(yield func(int) bool) {
		n := ElementCount(shape)
		if n == 0 {
			return
		}
		idx := make([]int, len(shape))
		off := 0
		for k := 0; k < n; k++ {
			if !yield(off) {
				return
			}
			for d := len(shape) - 1; d >= 0; d-- {
				idx[d]++
				off += strides[d]
				if idx[d] < shape[d] {
					break
				}
				off -= strides[d] * shape[d]
				idx[d] = 0
			}
		}
	}
}
