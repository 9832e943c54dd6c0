// Package simd holds unrolled vector kernels used by the CPU reference paths
// on contiguous spans.
package simd

// Number is the set of element types the kernels operate on.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// VecAdd performs dst = a + b
func VecAdd[T Number](dst, a, b []T) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] + b[i]
	}
}

// VecSub performs dst = a - b
func VecSub[T Number](dst, a, b []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] - b[i]
		dst[i+1] = a[i+1] - b[i+1]
		dst[i+2] = a[i+2] - b[i+2]
		dst[i+3] = a[i+3] - b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] - b[i]
	}
}

// VecMul performs dst = a * b
func VecMul[T Number](dst, a, b []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] * b[i]
		dst[i+1] = a[i+1] * b[i+1]
		dst[i+2] = a[i+2] * b[i+2]
		dst[i+3] = a[i+3] * b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] * b[i]
	}
}

// VecDiv performs dst = a / b. Integer division by zero panics.
func VecDiv[T Number](dst, a, b []T) {
	for i := range dst {
		dst[i] = a[i] / b[i]
	}
}

// VecAddScalar performs dst = a + s
func VecAddScalar[T Number](dst, a []T, s T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] + s
		dst[i+1] = a[i+1] + s
		dst[i+2] = a[i+2] + s
		dst[i+3] = a[i+3] + s
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] + s
	}
}

// VecMulScalar performs dst = a * s
func VecMulScalar[T Number](dst, a []T, s T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] * s
		dst[i+1] = a[i+1] * s
		dst[i+2] = a[i+2] * s
		dst[i+3] = a[i+3] * s
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] * s
	}
}

// Sum returns the sum of x, accumulated left to right.
func Sum[T Number](x []T) T {
	var sum T
	for _, v := range x {
		sum += v
	}
	return sum
}

// Prod returns the product of x.
func Prod[T Number](x []T) T {
	p := T(1)
	for _, v := range x {
		p *= v
	}
	return p
}

// Min returns the smallest element of x. x must not be empty. A NaN anywhere
// in x makes the result NaN.
func Min[T Number](x []T) T {
	m := x[0]
	for _, v := range x[1:] {
		m = min(m, v)
	}
	return m
}

// Max returns the largest element of x. x must not be empty. A NaN anywhere
// in x makes the result NaN.
func Max[T Number](x []T) T {
	m := x[0]
	for _, v := range x[1:] {
		m = max(m, v)
	}
	return m
}
