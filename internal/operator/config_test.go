package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Floats(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want []float32
	}{
		{"YAMLList", []any{0.5, 2}, []float32{0.5, 2}},
		{"CBORList", []any{float64(0.25), uint64(3), int64(-1)}, []float32{0.25, 3, -1}},
		{"Scalar", 1.5, []float32{1.5}},
		{"EngineString", "0.5,2.0", []float32{0.5, 2}},
		{"SpacedString", "1 2  3", []float32{1, 2, 3}},
		{"TypedSlice", []float64{4}, []float32{4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{Name: "q", Attrs: map[string]any{"scales": tt.v}}
			got, ok, err := c.Floats("scales")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	c := Config{Name: "q", Attrs: map[string]any{"scales": []any{"x"}}}
	_, _, err := c.Floats("scales")
	assert.ErrorIs(t, err, ErrConfig)

	_, ok, err := Config{}.Floats("scales")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfig_Scalars(t *testing.T) {
	c := Config{Name: "q", Attrs: map[string]any{
		"output_dtype":     "s8",
		"per_channel_axis": 1,
		"reduce_range":     "true",
		"zero_points":      "1,2",
		"bad_axis":         1.5,
		"bad_dtype":        7,
	}}

	s, err := c.String("output_dtype", "fp32")
	require.NoError(t, err)
	assert.Equal(t, "s8", s)

	s, err = c.String("missing", "fp32")
	require.NoError(t, err)
	assert.Equal(t, "fp32", s)

	_, err = c.String("bad_dtype", "")
	assert.ErrorIs(t, err, ErrConfig)

	n, ok, err := c.Int("per_channel_axis")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	_, _, err = c.Int("bad_axis")
	assert.ErrorIs(t, err, ErrConfig)

	b, err := c.Bool("reduce_range", false)
	require.NoError(t, err)
	assert.True(t, b)

	zps, ok, err := c.Ints("zero_points")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int32{1, 2}, zps)

	assert.True(t, c.Has("output_dtype"))
	assert.False(t, c.Has("scales"))
}
