package tensor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestParseDType(t *testing.T) {
	tests := []struct {
		in   string
		want DType
	}{
		{"fp32", Float32},
		{"bf16", BFloat16},
		{"s8", Int8},
		{"U8", Uint8},
		{" fp32 ", Float32},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dt, err := ParseDType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dt)
			assert.Equal(t, dt, mustParse(t, dt.String()))
		})
	}

	_, err := ParseDType("fp16")
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) DType {
	t.Helper()
	dt, err := ParseDType(s)
	require.NoError(t, err)
	return dt
}

func TestDTypeProperties(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 1, Int8.Size())
	assert.Equal(t, 1, Uint8.Size())
	assert.Equal(t, 0, DType(42).Size())

	lo, hi := Int8.Range()
	assert.Equal(t, int32(-128), lo)
	assert.Equal(t, int32(127), hi)
	lo, hi = Uint8.Range()
	assert.Equal(t, int32(0), lo)
	assert.Equal(t, int32(255), hi)

	assert.True(t, Int8.IsInteger())
	assert.False(t, BFloat16.IsInteger())
	assert.True(t, BFloat16.IsFloat())
}

func TestTensor_Basics(t *testing.T) {
	x := FromFloat32("x", []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, []int{3, 1}, x.Strides())
	assert.Equal(t, 6, x.Len())
	assert.Equal(t, 24, x.ByteSize())
	assert.Equal(t, float32(6), x.Float32s()[5])
	assert.Equal(t, "x<fp32[2 3]>", x.String())

	assert.Panics(t, func() { x.Int8s() })
}

func TestTensor_RebindReusesStorage(t *testing.T) {
	x := New("x", Float32, 4, 4)
	x.Float32s()[0] = 7
	before := &x.Bytes()[0]

	require.NoError(t, x.Rebind(Int8, []int{8}))
	assert.Equal(t, []int{8}, x.Shape())
	assert.Equal(t, Int8, x.DType())
	assert.Same(t, before, &x.Bytes()[0])
	assert.Equal(t, int8(0), x.Int8s()[0], "rebind must zero storage")

	assert.Error(t, x.Rebind(DType(9), []int{1}))
	assert.Error(t, x.Rebind(Float32, []int{-1}))
}

func TestTensor_Quantization(t *testing.T) {
	x := New("q", Int8, 2, 2)
	x.SetQuantization([]float32{0.5, 2}, []int32{0, 0}, 1)

	assert.Equal(t, []float32{0.5, 2}, x.Scales())
	assert.Equal(t, 1, x.QuantAxis())

	require.NoError(t, x.Rebind(Int8, []int{4}))
	assert.Empty(t, x.Scales())
	assert.Equal(t, PerTensor, x.QuantAxis())
}

func TestTensor_Clone(t *testing.T) {
	x := New("q", Uint8, 3)
	copy(x.Uint8s(), []uint8{1, 2, 3})
	x.SetQuantization([]float32{0.5}, []int32{7}, PerTensor)

	c := x.Clone("copy")
	x.Uint8s()[0] = 9
	assert.Equal(t, "copy", c.Name())
	assert.Equal(t, []uint8{1, 2, 3}, c.Uint8s())
	assert.Equal(t, []float32{0.5}, c.Scales())
	assert.Equal(t, []int32{7}, c.ZeroPoints())

	assert.False(t, Empty("e").Clone("e2").Bound())
}

func TestTensor_Unbound(t *testing.T) {
	x := Empty("placeholder")
	assert.False(t, x.Bound())
	assert.Equal(t, 0, x.Len())
	assert.Nil(t, x.Bytes())
}

func TestPool_Metrics(t *testing.T) {
	p := NewPool()
	startHits := getMetricValue(poolHits)
	startMisses := getMetricValue(poolMisses)

	t1, err := p.Get("a", Float32, 128, 128)
	require.NoError(t, err)
	assert.Equal(t, float64(1), getMetricValue(poolMisses)-startMisses)

	p.Put(t1)
	assert.False(t, t1.Bound())

	// sync.Pool gives no guarantee of returning the parked buffer, so only
	// check that exactly one of hit or miss was recorded.
	t2, err := p.Get("b", Uint8, 64)
	require.NoError(t, err)
	hits := getMetricValue(poolHits) - startHits
	misses := getMetricValue(poolMisses) - startMisses
	assert.Equal(t, float64(2), hits+misses)
	assert.Equal(t, 64, t2.Len())

	foreign := New("foreign", Float32, 2)
	p.Put(foreign)
	assert.True(t, foreign.Bound(), "foreign tensors are not pooled")
}
