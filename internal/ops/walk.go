package ops

import "github.com/23skdu/longbow-strider/internal/tensor"

// reduceWalk visits every element of a tensor with shape and strides in
// row-major order, passing its storage offset and the row-major position of
// the output element it reduces into. Dimensions of size 1 in out collapse.
func reduceWalk(shape, strides, out []int, fn func(off, pos int)) {
	n := tensor.ElementCount(shape)
	if n == 0 {
		return
	}
	posStrides := make([]int, len(out))
	stride := 1
	for d := len(out) - 1; d >= 0; d-- {
		if out[d] != 1 {
			posStrides[d] = stride
		}
		stride *= out[d]
	}

	idx := make([]int, len(shape))
	off, pos := 0, 0
	for k := 0; k < n; k++ {
		fn(off, pos)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			pos += posStrides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= strides[d] * shape[d]
			pos -= posStrides[d] * shape[d]
			idx[d] = 0
		}
	}
}

// walk3 visits every index of shape passing the storage offsets of three
// operands. A stride of 0 repeats the same element.
func walk3(shape, as, bs, ys []int, fn func(ia, ib, iy int)) {
	n := tensor.ElementCount(shape)
	if n == 0 {
		return
	}
	idx := make([]int, len(shape))
	ia, ib, iy := 0, 0, 0
	for k := 0; k < n; k++ {
		fn(ia, ib, iy)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ia += as[d]
			ib += bs[d]
			iy += ys[d]
			if idx[d] < shape[d] {
				break
			}
			ia -= as[d] * shape[d]
			ib -= bs[d] * shape[d]
			iy -= ys[d] * shape[d]
			idx[d] = 0
		}
	}
}
