// Package calibrate collects min/max statistics over representative data and
// turns them into static quantization parameters.
package calibrate

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-quant/internal/operator/quantize"
	"github.com/23skdu/longbow-quant/internal/primitive"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

// DefaultAveragingConstant is the MovingAverage update weight.
const DefaultAveragingConstant = 0.01

// ErrNoData is returned when parameters are requested before any finite value
// was observed.
var ErrNoData = errors.New("calibrate: no data observed")

// Observer accumulates statistics over a stream of tensors.
type Observer interface {
	Observe(t *tensor.Tensor) error
	Range() (mins, maxs []float32, err error)
	// Axis returns the channel axis and whether statistics are per channel.
	Axis() (axis int, perChannel bool)
	Reset()
}

var (
	_ Observer = (*MinMax)(nil)
	_ Observer = (*MovingAverage)(nil)
	_ Observer = (*Histogram)(nil)
)

// stats computes per-slot min/max of a single tensor.
type stats struct {
	axis       int
	perChannel bool
	constant   float32
	bins       int
	scratch    []float64
	batchMin   []float32
	batchMax   []float32
}

// each calls fn with the finite values of every slot of t. A slot without
// finite values is an ErrNoData error.
func (s *stats) each(t *tensor.Tensor, fn func(c, channels int, vals []float64)) error {
	if !t.Bound() || !t.DType().IsFloat() {
		return fmt.Errorf("calibrate: observe %s: need a bound fp32 or bf16 tensor", t)
	}
	layout := quantize.PerTensorLayout
	if s.perChannel {
		var err error
		if layout, err = quantize.ChannelLayout(t.Shape(), s.axis); err != nil {
			return fmt.Errorf("calibrate: observe %s: %w", t, err)
		}
	}

	var values []float32
	if t.DType() == tensor.Float32 {
		values = t.Float32s()
	} else {
		values = t.Values()
	}

	block := layout.Inner * layout.Channels
	for c := 0; c < layout.Channels; c++ {
		s.scratch = s.scratch[:0]
		for base := c * layout.Inner; base < len(values); base += block {
			for _, v := range values[base : base+layout.Inner] {
				if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
					s.scratch = append(s.scratch, float64(v))
				}
			}
		}
		if len(s.scratch) == 0 {
			return fmt.Errorf("%w: channel %d of %s has no finite values", ErrNoData, c, t)
		}
		fn(c, layout.Channels, s.scratch)
	}
	return nil
}

func (s *stats) batch(t *tensor.Tensor) (mins, maxs []float32, err error) {
	err = s.each(t, func(c, channels int, vals []float64) {
		if c == 0 {
			s.batchMin = resize(s.batchMin, channels)
			s.batchMax = resize(s.batchMax, channels)
		}
		s.batchMin[c] = float32(floats.Min(vals))
		s.batchMax[c] = float32(floats.Max(vals))
	})
	if err != nil {
		return nil, nil, err
	}
	return s.batchMin, s.batchMax, nil
}

func (s *stats) Axis() (axis int, perChannel bool) {
	return s.axis, s.perChannel
}

// Option configures an observer.
type Option func(*stats)

// PerChannel collects statistics per slice along axis. Negative axes count
// from the end.
func PerChannel(axis int) Option {
	return func(s *stats) {
		s.axis = axis
		s.perChannel = true
	}
}

// WithAveragingConstant sets the MovingAverage update weight. Values outside
// (0, 1] are ignored.
func WithAveragingConstant(c float32) Option {
	return func(s *stats) {
		if c > 0 && c <= 1 {
			s.constant = c
		}
	}
}

// WithBins sets the Histogram bin count. Values below the number of
// quantization levels are ignored.
func WithBins(n int) Option {
	return func(s *stats) {
		if n >= quantLevels {
			s.bins = n
		}
	}
}

func newStats(opts []Option) stats {
	s := stats{axis: tensor.PerTensor, constant: DefaultAveragingConstant, bins: DefaultBins}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func resize(s []float32, n int) []float32 {
	if cap(s) < n {
		return make([]float32, n)
	}
	return s[:n]
}

// MinMax tracks the running minimum and maximum.
type MinMax struct {
	stats
	mins, maxs []float32
	count      int
}

// NewMinMax returns a per-tensor MinMax observer unless PerChannel is given.
func NewMinMax(opts ...Option) *MinMax {
	return &MinMax{stats: newStats(opts)}
}

func (o *MinMax) Observe(t *tensor.Tensor) error {
	bmin, bmax, err := o.batch(t)
	if err != nil {
		return err
	}
	if o.count == 0 {
		o.mins = append(o.mins[:0], bmin...)
		o.maxs = append(o.maxs[:0], bmax...)
	} else {
		if len(bmin) != len(o.mins) {
			return fmt.Errorf("calibrate: observe %s: %d channels, previously %d", t, len(bmin), len(o.mins))
		}
		for c := range bmin {
			o.mins[c] = min(o.mins[c], bmin[c])
			o.maxs[c] = max(o.maxs[c], bmax[c])
		}
	}
	o.count++
	return nil
}

func (o *MinMax) Range() (mins, maxs []float32, err error) {
	if o.count == 0 {
		return nil, nil, ErrNoData
	}
	return clone(o.mins), clone(o.maxs), nil
}

func (o *MinMax) Reset() {
	o.count = 0
	o.mins = o.mins[:0]
	o.maxs = o.maxs[:0]
}

// MovingAverage tracks an exponential moving average of per-batch minimum
// and maximum: m += c * (batch - m). The first batch initializes the average.
type MovingAverage struct {
	stats
	mins, maxs []float32
	count      int
}

// NewMovingAverage returns a MovingAverage observer using
// DefaultAveragingConstant unless WithAveragingConstant is given.
func NewMovingAverage(opts ...Option) *MovingAverage {
	return &MovingAverage{stats: newStats(opts)}
}

func (o *MovingAverage) Observe(t *tensor.Tensor) error {
	bmin, bmax, err := o.batch(t)
	if err != nil {
		return err
	}
	if o.count == 0 {
		o.mins = append(o.mins[:0], bmin...)
		o.maxs = append(o.maxs[:0], bmax...)
	} else {
		if len(bmin) != len(o.mins) {
			return fmt.Errorf("calibrate: observe %s: %d channels, previously %d", t, len(bmin), len(o.mins))
		}
		for c := range bmin {
			o.mins[c] += o.constant * (bmin[c] - o.mins[c])
			o.maxs[c] += o.constant * (bmax[c] - o.maxs[c])
		}
	}
	o.count++
	return nil
}

func (o *MovingAverage) Range() (mins, maxs []float32, err error) {
	if o.count == 0 {
		return nil, nil, ErrNoData
	}
	return clone(o.mins), clone(o.maxs), nil
}

func (o *MovingAverage) Reset() {
	o.count = 0
	o.mins = o.mins[:0]
	o.maxs = o.maxs[:0]
}

func clone(s []float32) []float32 {
	return append([]float32(nil), s...)
}

// New returns an observer by algorithm name: "minmax", "moving_average" or
// "kl".
func New(algorithm string, opts ...Option) (Observer, error) {
	switch algorithm {
	case "minmax", "":
		return NewMinMax(opts...), nil
	case "moving_average":
		return NewMovingAverage(opts...), nil
	case "kl":
		return NewHistogram(opts...), nil
	}
	return nil, fmt.Errorf("calibrate: unknown algorithm %q", algorithm)
}

// DefaultReduceRange reports whether calibration narrows the range of dt when
// not told otherwise: u8 targets on hosts without AVX512-VNNI.
func DefaultReduceRange(dt tensor.DType) bool {
	return dt == tensor.Uint8 && !primitive.HasVNNI()
}

// Params derives static scales and zero-points from an observer.
func Params(o Observer, dt tensor.DType, reduceRange bool) (scales []float32, zeroPoints []int32, err error) {
	mins, maxs, err := o.Range()
	if err != nil {
		return nil, nil, err
	}
	scales, zeroPoints, err = quantize.DeriveParams(dt, reduceRange, mins, maxs)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().
		Str("dtype", dt.String()).
		Int("channels", len(scales)).
		Floats32("scales", scales).
		Msg("Derived calibration parameters")
	return scales, zeroPoints, nil
}

// Attrs returns Quantize operator attributes carrying the calibrated
// parameters as static configuration.
func Attrs(o Observer, dt tensor.DType, reduceRange bool) (map[string]any, error) {
	scales, zeroPoints, err := Params(o, dt, reduceRange)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{
		quantize.KeyOutputDType: dt.String(),
		quantize.KeyScales:      toAny(scales),
	}
	if dt == tensor.Uint8 {
		zps := make([]any, len(zeroPoints))
		for i, z := range zeroPoints {
			zps[i] = int(z)
		}
		attrs[quantize.KeyZeroPoints] = zps
		if reduceRange {
			attrs[quantize.KeyReduceRange] = true
		}
	}
	if axis, perChannel := o.Axis(); perChannel {
		attrs[quantize.KeyPerChannelAxis] = axis
	}
	return attrs, nil
}

func toAny(vals []float32) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}
