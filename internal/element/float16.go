package element

import (
	"math"

	"github.com/x448/float16"
)

const maxFloat16 = 65504.0

// ToFloat16 converts f to half precision.
// Finite values beyond the half range saturate to ±65504 rather than becoming
// infinite. NaN and infinities are preserved.
func ToFloat16(f float32) float16.Float16 {
	switch {
	case math.IsNaN(float64(f)), math.IsInf(float64(f), 0):
		return float16.Fromfloat32(f)
	case f > maxFloat16:
		f = maxFloat16
	case f < -maxFloat16:
		f = -maxFloat16
	}
	return float16.Fromfloat32(f)
}

// FromFloat16 widens h to float32.
func FromFloat16(h float16.Float16) float32 {
	return h.Float32()
}
