package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quant/internal/config"
	"github.com/23skdu/longbow-quant/internal/operator"
	_ "github.com/23skdu/longbow-quant/internal/operator/dequantize"
	"github.com/23skdu/longbow-quant/internal/operator/quantize"
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

type mockOperator struct {
	mock.Mock
	name string
}

func (m *mockOperator) Name() string { return m.name }
func (m *mockOperator) Type() string { return "test.Mock" }

func (m *mockOperator) Prepare(inputs, outputs []*tensor.Tensor) error {
	return m.Called(inputs, outputs).Error(0)
}

func (m *mockOperator) Reshape(inputs, outputs []*tensor.Tensor) error {
	args := m.Called(inputs, outputs)
	if err := args.Error(0); err != nil {
		return err
	}
	return outputs[0].Rebind(tensor.Float32, inputs[0].Shape())
}

func (m *mockOperator) Forward(inputs, outputs []*tensor.Tensor) error {
	return m.Called(inputs, outputs).Error(0)
}

func quantGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := FromConfig(&config.Graph{
		Name:    "roundtrip",
		Inputs:  []string{"x", "lo", "hi"},
		Outputs: []string{"q", "y"},
		Nodes: []config.Node{
			{Name: "quant", Type: quantize.TypeName, Inputs: []string{"x", "lo", "hi"}, Outputs: []string{"q"},
				Attrs: map[string]any{"output_dtype": "u8"}},
			{Name: "dequant", Type: "Dequantize", Inputs: []string{"q"}, Outputs: []string{"y"}},
		},
	})
	require.NoError(t, err)
	return g
}

func TestGraph_QuantizeDequantize(t *testing.T) {
	g := quantGraph(t)
	defer g.Close()

	res, err := g.Run(context.Background(), map[string]*tensor.Tensor{
		"x":  tensor.FromFloat32("x", []float32{0, 0.5, 2}),
		"lo": tensor.Scalar("lo", 0),
		"hi": tensor.Scalar("hi", 2),
	})
	require.NoError(t, err)

	assert.Equal(t, []uint8{0, 64, 255}, res["q"].Uint8s())
	y := res["y"].Float32s()
	require.Len(t, y, 3)
	assert.InDelta(t, 0, y[0], 1e-6)
	assert.InDelta(t, 0.5, y[1], 1.0/255)
	assert.InDelta(t, 2, y[2], 1e-6)
}

func TestGraph_ReshapeOnlyOnShapeChange(t *testing.T) {
	g := quantGraph(t)
	defer g.Close()
	feeds := func(values ...float32) map[string]*tensor.Tensor {
		return map[string]*tensor.Tensor{
			"x":  tensor.FromFloat32("x", values),
			"lo": tensor.Scalar("lo", -1),
			"hi": tensor.Scalar("hi", 1),
		}
	}

	start := getMetricValue(nodeReshapes.WithLabelValues("roundtrip", "quant"))
	for i := 0; i < 3; i++ {
		_, err := g.Run(context.Background(), feeds(0.5, -0.5))
		require.NoError(t, err)
	}
	assert.Equal(t, float64(1), getMetricValue(nodeReshapes.WithLabelValues("roundtrip", "quant"))-start)

	res, err := g.Run(context.Background(), feeds(1, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, res["y"].Shape())
	assert.Equal(t, float64(2), getMetricValue(nodeReshapes.WithLabelValues("roundtrip", "quant"))-start)
}

func TestGraph_PhaseOrdering(t *testing.T) {
	op := &mockOperator{name: "m"}
	op.On("Prepare", mock.Anything, mock.Anything).Return(nil).Once()
	op.On("Reshape", mock.Anything, mock.Anything).Return(nil).Twice()
	op.On("Forward", mock.Anything, mock.Anything).Return(nil).Times(3)

	g, err := New("mock", []string{"x"}, []string{"y"}, Node{Op: op, Inputs: []string{"x"}, Outputs: []string{"y"}})
	require.NoError(t, err)

	ctx := context.Background()
	for _, n := range []int{2, 2, 4} {
		_, err := g.Run(ctx, map[string]*tensor.Tensor{"x": tensor.New("x", tensor.Float32, n)})
		require.NoError(t, err)
	}
	op.AssertExpectations(t)
}

func TestGraph_FailedReshapeIsRetried(t *testing.T) {
	op := &mockOperator{name: "m"}
	op.On("Prepare", mock.Anything, mock.Anything).Return(nil)
	op.On("Reshape", mock.Anything, mock.Anything).Return(errors.New("bad shape")).Once()
	op.On("Reshape", mock.Anything, mock.Anything).Return(nil).Once()
	op.On("Forward", mock.Anything, mock.Anything).Return(nil).Once()

	g, err := New("retry", []string{"x"}, []string{"y"}, Node{Op: op, Inputs: []string{"x"}, Outputs: []string{"y"}})
	require.NoError(t, err)
	feeds := map[string]*tensor.Tensor{"x": tensor.New("x", tensor.Float32, 2)}

	start := getMetricValue(runsTotal.WithLabelValues("retry", "error"))
	_, err = g.Run(context.Background(), feeds)
	assert.ErrorContains(t, err, "reshape m")
	assert.Equal(t, float64(1), getMetricValue(runsTotal.WithLabelValues("retry", "error"))-start)

	_, err = g.Run(context.Background(), feeds)
	require.NoError(t, err)
	op.AssertExpectations(t)
}

func TestGraph_Errors(t *testing.T) {
	g := quantGraph(t)
	_, err := g.Run(context.Background(), map[string]*tensor.Tensor{"x": tensor.Scalar("x", 1)})
	assert.True(t, errors.Is(err, ErrMissingFeed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Run(ctx, map[string]*tensor.Tensor{
		"x": tensor.Scalar("x", 1), "lo": tensor.Scalar("lo", 0), "hi": tensor.Scalar("hi", 1),
	})
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = New("g", []string{"x"}, nil, Node{Op: &mockOperator{name: "a"}, Inputs: []string{"z"}, Outputs: []string{"y"}})
	assert.Error(t, err)
	_, err = New("g", []string{"x"}, nil, Node{Op: &mockOperator{name: "a"}, Inputs: []string{"x"}, Outputs: []string{"x"}})
	assert.Error(t, err)
	_, err = New("g", []string{"x"}, []string{"q"}, Node{Op: &mockOperator{name: "a"}, Inputs: []string{"x"}, Outputs: []string{"y"}})
	assert.Error(t, err)
	_, err = New("g", nil, nil, Node{})
	assert.Error(t, err)
}

func TestFromConfig_UnknownType(t *testing.T) {
	_, err := FromConfig(&config.Graph{
		Name: "g", Inputs: []string{"x"},
		Nodes: []config.Node{{Name: "n", Type: "Softmax", Inputs: []string{"x"}, Outputs: []string{"y"}}},
	})
	assert.True(t, errors.Is(err, operator.ErrConfig))
}

func TestFromConfig_PrepareError(t *testing.T) {
	g, err := FromConfig(&config.Graph{
		Name: "bad", Inputs: []string{"x"}, Outputs: []string{"q"},
		Nodes: []config.Node{{Name: "quant", Type: quantize.TypeName, Inputs: []string{"x"}, Outputs: []string{"q"},
			Attrs: map[string]any{"output_dtype": "s8"}}},
	})
	require.NoError(t, err)

	_, err = g.Run(context.Background(), map[string]*tensor.Tensor{"x": tensor.Scalar("x", 1)})
	assert.True(t, errors.Is(err, operator.ErrConfig))

	op, ok := g.Operator("quant")
	require.True(t, ok)
	assert.Equal(t, quantize.TypeName, op.Type())
}
