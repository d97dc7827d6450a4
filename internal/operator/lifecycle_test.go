package operator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_Transitions(t *testing.T) {
	l := NewLifecycle("q")
	assert.Equal(t, Unprepared, l.Phase())
	assert.ErrorIs(t, l.CanReshape(), ErrNotReady)
	assert.ErrorIs(t, l.Ready([]int{2}), ErrNotReady)

	l.MarkPrepared()
	l.MarkPrepared()
	assert.Equal(t, Prepared, l.Phase())
	require.NoError(t, l.CanReshape())
	assert.True(t, l.ShapeChanged([]int{2}))

	l.MarkReshaped([]int{2, 3})
	assert.Equal(t, Reshaped, l.Phase())
	assert.False(t, l.ShapeChanged([]int{2, 3}))
	assert.True(t, l.ShapeChanged([]int{3, 2}))
	require.NoError(t, l.Ready([]int{2, 3}))

	err := l.Ready([]int{4})
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Contains(t, err.Error(), "reshaped for [2 3]")

	l.Invalidate()
	assert.Equal(t, Prepared, l.Phase())
	assert.ErrorIs(t, l.Ready([]int{2, 3}), ErrNotReady)
}

func TestErrors_Taxonomy(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{&ConfigError{Op: "q", Key: "output_dtype", Reason: "bad"}, ErrConfig},
		{&ShapeError{Op: "q", Tensor: "x", Shape: []int{2}, Reason: "bad"}, ErrShape},
		{&RangeError{Op: "q", Min: 1, Max: 1, Scale: 1e-9}, ErrRange},
		{&NotReadyError{Op: "q", Phase: Prepared, Want: Reshaped}, ErrNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.want)
			wrapped := errors.Join(errors.New("context"), tt.err)
			assert.ErrorIs(t, wrapped, tt.want)
			assert.NotEmpty(t, tt.err.Error())
			for _, other := range []error{ErrConfig, ErrShape, ErrRange, ErrNotReady} {
				if other != tt.want {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
		})
	}
}
