package primitive

import "math"

const maxScale = math.MaxFloat32

// QuantizeValue maps x to clamp(roundHalfEven(x/s) + z, qmin, qmax).
// NaN maps to the zero-point; infinities saturate.
func QuantizeValue(x, s float32, z, qmin, qmax int32) int32 {
	if x != x {
		return clamp(float64(z), qmin, qmax)
	}
	q := math.RoundToEven(float64(x/s)) + float64(z)
	return clamp(q, qmin, qmax)
}

// DequantizeValue maps q back to (q - z) * s.
func DequantizeValue(q, z int32, s float32) float32 {
	return float32(q-z) * s
}

func clamp(v float64, lo, hi int32) int32 {
	if v <= float64(lo) {
		return lo
	}
	if v >= float64(hi) {
		return hi
	}
	return int32(v)
}
