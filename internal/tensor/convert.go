package tensor

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
)

// bf16QuietNaN is the canonical quiet NaN for bfloat16.
const bf16QuietNaN = bfloat16.BFloat16(0x7FC0)

// ToBFloat16 narrows f to bfloat16 with round-to-nearest-even on the dropped
// mantissa bits. Values beyond the bf16 range round to infinity, NaN stays NaN.
func ToBFloat16(f float32) bfloat16.BFloat16 {
	if f != f {
		return bf16QuietNaN
	}
	bits := math.Float32bits(f)
	bits += 0x7FFF + (bits>>16)&1
	return bfloat16.BFloat16(bits >> 16)
}

// FromBFloat16 widens a bfloat16 to float32. The conversion is exact.
func FromBFloat16(h bfloat16.BFloat16) float32 {
	return h.Float32()
}

// ConvertToBFloat16 narrows src into dst element by element.
func ConvertToBFloat16(dst []bfloat16.BFloat16, src []float32) {
	for i, v := range src {
		dst[i] = ToBFloat16(v)
	}
}

// ConvertFromBFloat16 widens src into dst element by element.
func ConvertFromBFloat16(dst []float32, src []bfloat16.BFloat16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}
