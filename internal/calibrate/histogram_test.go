package calibrate

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-quant/internal/tensor"
)

func gaussian(n int, outlier float32) []float32 {
	r := rand.New(rand.NewPCG(1, 2))
	vals := make([]float32, n, n+1)
	for i := range vals {
		vals[i] = float32(r.NormFloat64())
	}
	return append(vals, outlier)
}

func TestHistogram_ClipsOutlier(t *testing.T) {
	vals := gaussian(10000, 100)
	dataMin := vals[0]
	for _, v := range vals {
		dataMin = min(dataMin, v)
	}

	o := NewHistogram()
	require.NoError(t, o.Observe(tensor.FromFloat32("a", vals)))

	mins, maxs, err := o.Range()
	require.NoError(t, err)
	require.Len(t, maxs, 1)
	// The smallest candidate threshold covers 128 of 2048 bins.
	assert.GreaterOrEqual(t, maxs[0], float32(6))
	assert.Less(t, maxs[0], float32(20))
	assert.Equal(t, dataMin, mins[0])

	scales, _, err := Params(o, tensor.Int8, false)
	require.NoError(t, err)
	assert.InDelta(t, maxs[0]/127, scales[0], 1e-6)

	mm := NewMinMax()
	require.NoError(t, mm.Observe(tensor.FromFloat32("a", vals)))
	_, mmMax, err := mm.Range()
	require.NoError(t, err)
	assert.Equal(t, float32(100), mmMax[0])
}

func TestHistogram_Rebins(t *testing.T) {
	o := NewHistogram()
	require.NoError(t, o.Observe(tensor.FromFloat32("a", []float32{0.5, 1})))
	h := o.hists[0]
	assert.Equal(t, 1.0/2048, h.width)
	assert.Equal(t, 1.0, h.bins[1024])
	assert.Equal(t, 1.0, h.bins[2047])

	require.NoError(t, o.Observe(tensor.FromFloat32("b", []float32{-10})))
	assert.Equal(t, 16.0/2048, h.width)
	assert.Equal(t, 3.0, floats.Sum(h.bins))
	assert.Equal(t, 1.0, h.bins[64])
	assert.Equal(t, 1.0, h.bins[127])
	assert.Equal(t, 1.0, h.bins[1280])
	assert.Equal(t, 3, h.count)
	assert.Equal(t, -10.0, h.min)
	assert.Equal(t, 1.0, h.max)
}

func TestHistogram_AllZero(t *testing.T) {
	o := NewHistogram()
	require.NoError(t, o.Observe(tensor.FromFloat32("a", []float32{0, 0, 0})))

	mins, maxs, err := o.Range()
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, mins)
	assert.Equal(t, []float32{0}, maxs)
}

func TestHistogram_PerChannel(t *testing.T) {
	o := NewHistogram(PerChannel(0), WithBins(128))
	// shape [2, 2]: channel 0 holds {-1, 0.5}, channel 1 holds {0, 0}
	require.NoError(t, o.Observe(tensor.FromFloat32("a", []float32{-1, 0.5, 0, 0}, 2, 2)))
	require.Len(t, o.hists, 2)
	assert.Len(t, o.hists[0].bins, 128)

	mins, maxs, err := o.Range()
	require.NoError(t, err)
	// With as many bins as levels the only candidate keeps the full range.
	assert.Equal(t, []float32{-1, 0}, mins)
	assert.Equal(t, []float32{0.5, 0}, maxs)

	err = o.Observe(tensor.FromFloat32("b", []float32{1, 2, 3}, 3, 1))
	assert.ErrorContains(t, err, "3 channels, previously 2")

	o.Reset()
	_, _, err = o.Range()
	assert.ErrorIs(t, err, ErrNoData)
	require.NoError(t, o.Observe(tensor.FromFloat32("c", []float32{1, 2, 3}, 3, 1)))
	assert.Len(t, o.hists, 3)
}

func TestHistogram_Errors(t *testing.T) {
	o := NewHistogram()
	_, _, err := o.Range()
	assert.ErrorIs(t, err, ErrNoData)

	err = o.Observe(tensor.New("ints", tensor.Int8, 2))
	assert.Error(t, err)
	assert.Nil(t, o.hists)
}
