package primitive

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quant/internal/tensor"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	return 0
}

func quantizeDesc(src, dst *tensor.Tensor, kind Kind, scales []float32, zps []int32) *Descriptor {
	lo, hi := kind.DstType().Range()
	return &Descriptor{
		Kind:       kind,
		Count:      src.Len(),
		Channels:   len(scales),
		Inner:      1,
		Scales:     scales,
		ZeroPoints: zps,
		QMin:       lo,
		QMax:       hi,
		SrcType:    src.DType(),
		Src:        src.Bytes(),
		Dst:        dst.Bytes(),
	}
}

func TestQuantizeValue(t *testing.T) {
	tests := []struct {
		name string
		x, s float32
		z    int32
		want int32
	}{
		{"Exact", 5, 1, 0, 5},
		{"HalfToEvenDown", 2.5, 1, 0, 2},
		{"HalfToEvenUp", 3.5, 1, 0, 4},
		{"NegativeHalf", -2.5, 1, 0, -2},
		{"ClampHigh", 127.5, 1, 0, 127},
		{"ClampLow", -1000, 1, 0, -128},
		{"ZeroPoint", 1, 0.5, 10, 12},
		{"NaN", float32(math.NaN()), 1, 3, 3},
		{"PosInf", float32(math.Inf(1)), 1, 0, 127},
		{"NegInf", float32(math.Inf(-1)), 1, 0, -128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuantizeValue(tt.x, tt.s, tt.z, -128, 127))
		})
	}
}

func TestCPUExecutor_QuantizeS8(t *testing.T) {
	e := NewCPUExecutor(2)
	src := tensor.FromFloat32("src", []float32{-10, 0, 5, 127.5})
	dst := tensor.New("dst", tensor.Int8, 4)

	start := getMetricValue(elementsProcessed.WithLabelValues("quantize_s8"))
	require.NoError(t, e.Execute(quantizeDesc(src, dst, KindQuantizeS8, []float32{1}, nil)))

	assert.Equal(t, []int8{-10, 0, 5, 127}, dst.Int8s())
	assert.Equal(t, float64(4), getMetricValue(elementsProcessed.WithLabelValues("quantize_s8"))-start)
}

func TestCPUExecutor_QuantizeU8(t *testing.T) {
	e := NewCPUExecutor(1)
	src := tensor.FromFloat32("src", []float32{0, 2, -1, 300})
	dst := tensor.New("dst", tensor.Uint8, 4)

	d := quantizeDesc(src, dst, KindQuantizeU8, []float32{2.0 / 255}, []int32{0})
	require.NoError(t, e.Execute(d))
	assert.Equal(t, []uint8{0, 255, 0, 255}, dst.Uint8s())

	// Narrowed clamp range.
	d.QMax = 127
	require.NoError(t, e.Execute(d))
	assert.Equal(t, []uint8{0, 127, 0, 127}, dst.Uint8s())
}

func TestCPUExecutor_PerChannel(t *testing.T) {
	e := NewCPUExecutor(1)
	// Shape [2, 3] quantized along axis 0: channel = i / 3.
	src := tensor.FromFloat32("src", []float32{1, 2, 3, 4, 8, 12}, 2, 3)
	dst := tensor.New("dst", tensor.Int8, 2, 3)

	d := quantizeDesc(src, dst, KindQuantizeS8, []float32{0.5, 2}, nil)
	d.Inner = 3
	require.NoError(t, e.Execute(d))
	assert.Equal(t, []int8{2, 4, 6, 2, 4, 6}, dst.Int8s())

	// Same data along axis 1: channel = i % 2 with Inner 1 on a [3, 2] view.
	d.Inner = 1
	require.NoError(t, e.Execute(d))
	assert.Equal(t, []int8{2, 1, 6, 2, 16, 6}, dst.Int8s())
}

func TestCPUExecutor_ParallelMatchesSerial(t *testing.T) {
	n := 1000
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i-n/2) * 0.37
	}
	src := tensor.FromFloat32("src", values)
	serial := tensor.New("serial", tensor.Int8, n)
	parallel := tensor.New("parallel", tensor.Int8, n)

	one := NewCPUExecutor(1)
	many := &CPUExecutor{workers: 7, grain: 16}

	require.NoError(t, one.Execute(quantizeDesc(src, serial, KindQuantizeS8, []float32{1.5}, nil)))
	start := getMetricValue(elementsProcessed.WithLabelValues("quantize_s8"))
	require.NoError(t, many.Execute(quantizeDesc(src, parallel, KindQuantizeS8, []float32{1.5}, nil)))
	assert.Equal(t, serial.Int8s(), parallel.Int8s())
	// counted once after every chunk finished
	assert.Equal(t, float64(n), getMetricValue(elementsProcessed.WithLabelValues("quantize_s8"))-start)
}

func TestCPUExecutor_Convert(t *testing.T) {
	e := NewCPUExecutor(1)
	src := tensor.FromFloat32("src", []float32{1, -2, 0.5})
	bf := tensor.New("bf", tensor.BFloat16, 3)

	require.NoError(t, e.Execute(&Descriptor{
		Kind: KindConvertBF16, Count: 3, Channels: 1, Inner: 1,
		SrcType: tensor.Float32, Src: src.Bytes(), Dst: bf.Bytes(),
	}))
	assert.Equal(t, uint16(0x3F80), uint16(bf.BFloat16s()[0]))
	assert.Equal(t, uint16(0xC000), uint16(bf.BFloat16s()[1]))

	back := tensor.New("back", tensor.Float32, 3)
	require.NoError(t, e.Execute(&Descriptor{
		Kind: KindConvertF32, Count: 3, Channels: 1, Inner: 1,
		SrcType: tensor.BFloat16, Src: bf.Bytes(), Dst: back.Bytes(),
	}))
	assert.Equal(t, []float32{1, -2, 0.5}, back.Float32s())
}

func TestCPUExecutor_Dequantize(t *testing.T) {
	e := NewCPUExecutor(1)
	q := tensor.New("q", tensor.Uint8, 3)
	copy(q.Uint8s(), []uint8{0, 10, 255})
	out := tensor.New("out", tensor.Float32, 3)

	require.NoError(t, e.Execute(&Descriptor{
		Kind: KindDequantize, Count: 3, Channels: 1, Inner: 1,
		Scales: []float32{0.5}, ZeroPoints: []int32{10},
		SrcType: tensor.Uint8, Src: q.Bytes(), Dst: out.Bytes(),
	}))
	assert.Equal(t, []float32{-5, 0, 122.5}, out.Float32s())
}

func TestCPUExecutor_InvalidDescriptorLeavesDestination(t *testing.T) {
	e := NewCPUExecutor(1)
	src := tensor.FromFloat32("src", []float32{1, 2})
	dst := tensor.New("dst", tensor.Int8, 2)
	dst.Int8s()[0] = 42

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
	}{
		{"ZeroScale", func(d *Descriptor) { d.Scales = []float32{0} }},
		{"NaNScale", func(d *Descriptor) { d.Scales = []float32{float32(math.NaN())} }},
		{"ScaleCount", func(d *Descriptor) { d.Scales = []float32{1, 1} }},
		{"ZeroPointCount", func(d *Descriptor) { d.ZeroPoints = []int32{0, 0} }},
		{"ShortDestination", func(d *Descriptor) { d.Dst = d.Dst[:1] }},
		{"WrongSource", func(d *Descriptor) { d.SrcType = tensor.Int8 }},
		{"ClampRange", func(d *Descriptor) { d.QMax = 300 }},
		{"Layout", func(d *Descriptor) { d.Inner = 0 }},
		{"Kind", func(d *Descriptor) { d.Kind = Kind(99) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := quantizeDesc(src, dst, KindQuantizeS8, []float32{1}, nil)
			tt.mutate(d)
			assert.Error(t, e.Execute(d))
			assert.Equal(t, int8(42), dst.Int8s()[0])
		})
	}
}
