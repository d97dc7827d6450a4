package quantize

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

func TestDeriver_Symmetric(t *testing.T) {
	d := NewDeriver("q", tensor.Int8, false)
	scales := make([]float32, 2)
	zps := []int32{7, 7}

	errs := d.Derive([]float32{-254, -1}, []float32{127, 63.5}, scales, zps)

	assert.Empty(t, errs)
	assert.InDelta(t, 2.0, scales[0], 1e-6)
	assert.InDelta(t, 0.5, scales[1], 1e-6)
	assert.Equal(t, []int32{0, 0}, zps)
	assert.True(t, d.Symmetric())
}

func TestDeriver_Affine(t *testing.T) {
	d := NewDeriver("q", tensor.Uint8, false)
	scales := make([]float32, 1)
	zps := make([]int32, 1)

	errs := d.Derive([]float32{-1}, []float32{1.55}, scales, zps)

	assert.Empty(t, errs)
	assert.InDelta(t, 0.01, scales[0], 1e-6)
	assert.Equal(t, int32(100), zps[0])
}

func TestDeriver_ReduceRange(t *testing.T) {
	d := NewDeriver("q", tensor.Uint8, true)
	qmin, qmax := d.Range()
	assert.Equal(t, int32(0), qmin)
	assert.Equal(t, int32(127), qmax)

	scales := make([]float32, 1)
	zps := make([]int32, 1)
	d.Derive([]float32{0}, []float32{127}, scales, zps)
	assert.InDelta(t, 1.0, scales[0], 1e-6)

	// reduce_range only narrows unsigned targets.
	qmin, qmax = NewDeriver("q", tensor.Int8, true).Range()
	assert.Equal(t, int32(-128), qmin)
	assert.Equal(t, int32(127), qmax)
}

func TestDeriver_DegenerateRange(t *testing.T) {
	tests := []struct {
		name   string
		dt     tensor.DType
		lo, hi float32
	}{
		{"SignedZero", tensor.Int8, 0, 0},
		{"UnsignedConstant", tensor.Uint8, 3, 3},
		{"UnsignedNegativeConstant", tensor.Uint8, -2, -2},
		{"Inverted", tensor.Uint8, 1, 0},
		{"NaN", tensor.Int8, float32(math.NaN()), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeriver("q", tt.dt, false)
			scales := []float32{42}
			zps := []int32{0}

			errs := d.Derive([]float32{tt.lo}, []float32{tt.hi}, scales, zps)

			require.Len(t, errs, 1)
			assert.Equal(t, EpsilonScale, scales[0])
			assert.True(t, errors.Is(errs[0], operator.ErrRange))
			assert.Equal(t, 0, errs[0].Channel)
			qmin, qmax := d.Range()
			assert.GreaterOrEqual(t, zps[0], qmin)
			assert.LessOrEqual(t, zps[0], qmax)
		})
	}
}

func TestDeriver_PerChannelReportsOnlyDegenerateSlots(t *testing.T) {
	d := NewDeriver("q", tensor.Int8, false)
	scales := make([]float32, 3)

	errs := d.Derive([]float32{-1, 0, -2}, []float32{1, 0, 2}, scales, nil)

	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Channel)
	assert.Equal(t, EpsilonScale, scales[1])
	assert.InDelta(t, 2.0/127, scales[2], 1e-7)
}

func TestDeriver_Params(t *testing.T) {
	p := NewDeriver("q", tensor.Int8, false).Params([]float32{1}, []int32{5})
	assert.Nil(t, p.ZeroPoints)
	assert.Equal(t, int32(-128), p.QMin)

	p = NewDeriver("q", tensor.Uint8, true).Params([]float32{1}, []int32{5})
	assert.Equal(t, []int32{5}, p.ZeroPoints)
	assert.Equal(t, int32(127), p.QMax)
}

func TestDeriveParams(t *testing.T) {
	scales, zps, err := DeriveParams(tensor.Uint8, false, []float32{0}, []float32{2})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/255, scales[0], 1e-7)
	assert.Equal(t, []int32{0}, zps)

	_, _, err = DeriveParams(tensor.Float32, false, []float32{0}, []float32{1})
	assert.Error(t, err)

	_, _, err = DeriveParams(tensor.Int8, false, []float32{0, 1}, []float32{1})
	assert.Error(t, err)

	_, _, err = DeriveParams(tensor.Int8, false, nil, nil)
	assert.Error(t, err)
}
