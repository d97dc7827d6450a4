package quantize

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/primitive"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

// EpsilonScale is substituted for the scale of a zero-width range.
const EpsilonScale float32 = 1e-9

// Params are the quantization parameters handed to the kernel dispatcher.
type Params struct {
	Scales     []float32
	ZeroPoints []int32 // nil for symmetric targets
	QMin, QMax int32
}

// Deriver computes scales and zero-points from min/max statistics.
//
// Signed targets are symmetric: scale = max(|min|, |max|) / qmax, zero-point 0.
// Unsigned targets are affine: scale = (max - min) / (qmax - qmin) and
// zero-point = clamp(round(-min / scale)).
type Deriver struct {
	op         string
	dtype      tensor.DType
	qmin, qmax int32
}

// NewDeriver returns a deriver for an integer target. reduceRange narrows the
// unsigned range to [0, 127].
func NewDeriver(op string, dt tensor.DType, reduceRange bool) Deriver {
	qmin, qmax := dt.Range()
	if reduceRange && dt == tensor.Uint8 {
		qmax = 127
	}
	return Deriver{op: op, dtype: dt, qmin: qmin, qmax: qmax}
}

// Range returns the clamp bounds of the target.
func (d Deriver) Range() (qmin, qmax int32) {
	return d.qmin, d.qmax
}

// Symmetric reports whether zero-points are always zero.
func (d Deriver) Symmetric() bool {
	return d.dtype == tensor.Int8
}

// Derive overwrites scales (and zeroPoints for affine targets) from the
// per-slot statistics. All slices must have the same length; zeroPoints may be
// nil for symmetric targets. Slots with a degenerate range get EpsilonScale
// and are reported as RangeErrors.
func (d Deriver) Derive(mins, maxs, scales []float32, zeroPoints []int32) []*operator.RangeError {
	var degenerate []*operator.RangeError
	for c := range scales {
		lo, hi := mins[c], maxs[c]
		var scale float32
		if d.Symmetric() {
			scale = max(abs32(lo), abs32(hi)) / float32(d.qmax)
		} else {
			scale = (hi - lo) / float32(d.qmax-d.qmin)
		}
		if !(scale > 0) || math.IsInf(float64(scale), 0) {
			scale = EpsilonScale
			degenerate = append(degenerate, &operator.RangeError{
				Op: d.op, Channel: c, Min: lo, Max: hi, Scale: scale,
			})
		}
		scales[c] = scale
		if zeroPoints != nil {
			if d.Symmetric() {
				zeroPoints[c] = 0
			} else {
				zeroPoints[c] = primitive.QuantizeValue(-lo, scale, 0, d.qmin, d.qmax)
			}
		}
	}
	return degenerate
}

// Params packages derived scales for the dispatcher.
func (d Deriver) Params(scales []float32, zeroPoints []int32) Params {
	if d.Symmetric() {
		zeroPoints = nil
	}
	return Params{Scales: scales, ZeroPoints: zeroPoints, QMin: d.qmin, QMax: d.qmax}
}

// DeriveParams is the allocating form of Deriver.Derive, used to turn
// calibration statistics into static configuration.
func DeriveParams(dt tensor.DType, reduceRange bool, mins, maxs []float32) (scales []float32, zeroPoints []int32, err error) {
	if !dt.IsInteger() {
		return nil, nil, fmt.Errorf("derive params: %s is not an integer dtype", dt)
	}
	if len(mins) != len(maxs) || len(mins) == 0 {
		return nil, nil, fmt.Errorf("derive params: %d minimums and %d maximums", len(mins), len(maxs))
	}
	scales = make([]float32, len(mins))
	zeroPoints = make([]int32, len(mins))
	NewDeriver("calibration", dt, reduceRange).Derive(mins, maxs, scales, zeroPoints)
	return scales, zeroPoints, nil
}

func abs32(x float32) float32 {
	return math.Float32frombits(math.Float32bits(x) &^ (1 << 31))
}
