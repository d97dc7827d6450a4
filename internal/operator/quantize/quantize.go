// Package quantize implements the Quantize operator: it converts an fp32 (or
// bf16) tensor into s8, u8, bf16 or fp32, deriving scales either from static
// calibration data or from min/max tensors supplied on every call.
//
// Inputs are [source, min, max]; min and max are optional but must be given
// together. The single output is the destination tensor, which carries the
// applied scales and zero-points after Forward.
package quantize

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/primitive"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

// TypeName is the registered operator type.
const TypeName = "Quantize"

// Configuration keys.
const (
	KeyOutputDType    = "output_dtype"
	KeyScales         = "scales"
	KeyZeroPoints     = "zero_points"
	KeyPerChannelAxis = "per_channel_axis"
	KeyReduceRange    = "reduce_range"
)

func init() {
	operator.Register(TypeName, func(cfg operator.Config) (operator.Operator, error) {
		return New(cfg), nil
	})
}

// ensure interface compliance
var _ operator.Operator = (*Operator)(nil)

// Option customizes an Operator.
type Option func(*Operator)

// WithExecutor replaces the primitive executor used by the dispatcher.
func WithExecutor(e primitive.Executor) Option {
	return func(o *Operator) { o.exec = e }
}

// Operator is the Quantize graph operator.
type Operator struct {
	cfg        operator.Config
	lc         operator.Lifecycle
	exec       primitive.Executor
	dispatcher *Dispatcher
	deriver    Deriver
	logger     zerolog.Logger

	// Static configuration, fixed by Prepare.
	outputDType      tensor.DType
	perChannel       bool
	axis             int
	reduceRange      bool
	staticScales     []float32
	staticZeroPoints []int32

	// Shape-dependent state, rebuilt by Reshape.
	layout  Layout
	dynamic bool
	dst     *tensor.Tensor

	// Applied parameters; overwritten in place by dynamic Forward calls.
	scales     []float32
	zeroPoints []int32
}

// New creates an unprepared Quantize operator.
func New(cfg operator.Config, opts ...Option) *Operator {
	o := &Operator{
		cfg:    cfg,
		lc:     operator.NewLifecycle(cfg.Name),
		axis:   tensor.PerTensor,
		logger: log.With().Str("op", cfg.Name).Str("type", TypeName).Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exec == nil {
		o.exec = primitive.NewCPUExecutor(0)
	}
	o.dispatcher = NewDispatcher(cfg.Name, o.exec)
	return o
}

func (o *Operator) Name() string { return o.cfg.Name }
func (o *Operator) Type() string { return TypeName }

// Phase returns the lifecycle phase.
func (o *Operator) Phase() operator.Phase { return o.lc.Phase() }

// OutputDType returns the configured destination representation.
func (o *Operator) OutputDType() tensor.DType { return o.outputDType }

// Scales returns a copy of the scales applied by the last Forward, or the
// static scales before any Forward.
func (o *Operator) Scales() []float32 {
	return append([]float32(nil), o.scales...)
}

// ZeroPoints returns a copy of the applied zero-points. Symmetric targets
// return nil.
func (o *Operator) ZeroPoints() []int32 {
	if o.deriver.Symmetric() {
		return nil
	}
	return append([]int32(nil), o.zeroPoints...)
}

func (o *Operator) configErr(key, format string, args ...any) error {
	return &operator.ConfigError{Op: o.cfg.Name, Key: key, Reason: fmt.Sprintf(format, args...)}
}

func (o *Operator) shapeErr(t *tensor.Tensor, format string, args ...any) error {
	e := &operator.ShapeError{Op: o.cfg.Name, Reason: fmt.Sprintf(format, args...)}
	if t != nil {
		e.Tensor = t.Name()
		e.Shape = t.Shape()
	}
	return e
}

// Prepare reads the static configuration. It runs once; later calls are no-ops.
func (o *Operator) Prepare(inputs, outputs []*tensor.Tensor) error {
	if o.lc.Prepared() {
		return nil
	}

	tag, err := o.cfg.String(KeyOutputDType, tensor.Float32.String())
	if err != nil {
		return err
	}
	dt, err := tensor.ParseDType(tag)
	if err != nil {
		return o.configErr(KeyOutputDType, "unsupported output representation %q", tag)
	}

	axis, perChannel, err := o.cfg.Int(KeyPerChannelAxis)
	if err != nil {
		return err
	}
	reduceRange, err := o.cfg.Bool(KeyReduceRange, false)
	if err != nil {
		return err
	}

	scales, hasScales, err := o.cfg.Floats(KeyScales)
	if err != nil {
		return err
	}
	zeroPoints, hasZeroPoints, err := o.cfg.Ints(KeyZeroPoints)
	if err != nil {
		return err
	}

	deriver := NewDeriver(o.cfg.Name, dt, reduceRange)
	if dt.IsInteger() {
		if hasScales {
			if len(scales) == 0 {
				return o.configErr(KeyScales, "empty scale list")
			}
			for i, s := range scales {
				if !(s > 0) || math.IsInf(float64(s), 0) {
					return o.configErr(KeyScales, "scale[%d]=%g must be positive and finite", i, s)
				}
			}
			if !perChannel && len(scales) != 1 {
				return o.configErr(KeyScales, "%d scales given without %s", len(scales), KeyPerChannelAxis)
			}
		}
		if hasZeroPoints {
			if !hasScales {
				return o.configErr(KeyZeroPoints, "zero-points given without scales")
			}
			if len(zeroPoints) != len(scales) {
				return o.configErr(KeyZeroPoints, "%d zero-points for %d scales", len(zeroPoints), len(scales))
			}
			qmin, qmax := deriver.Range()
			for i, z := range zeroPoints {
				if deriver.Symmetric() && z != 0 {
					return o.configErr(KeyZeroPoints, "symmetric %s target needs zero-point 0, got %d", dt, z)
				}
				if z < qmin || z > qmax {
					return o.configErr(KeyZeroPoints, "zero_point[%d]=%d outside [%d,%d]", i, z, qmin, qmax)
				}
			}
		}
		_, hasMin := inputAt(inputs, 1)
		if !hasScales && !hasMin {
			return o.configErr(KeyScales, "%s target needs static scales or min/max inputs", dt)
		}
	}

	o.outputDType = dt
	o.perChannel = perChannel
	if perChannel {
		o.axis = axis
	}
	o.reduceRange = reduceRange
	o.deriver = deriver
	if dt.IsInteger() {
		o.staticScales = scales
		o.staticZeroPoints = zeroPoints
		if dt == tensor.Uint8 && hasScales && !hasZeroPoints {
			o.staticZeroPoints = make([]int32, len(scales))
		}
	} else {
		o.staticScales = unitScale
	}
	o.scales = o.staticScales
	o.zeroPoints = o.staticZeroPoints

	o.lc.MarkPrepared()
	o.logger.Debug().
		Str("dtype", dt.String()).
		Bool("per_channel", perChannel).
		Int("axis", axis).
		Int("static_scales", len(scales)).
		Bool("reduce_range", reduceRange).
		Msg("Prepared")
	return nil
}

// inputAt reports the tensor at i and whether the slot is declared. Slots
// declared with a nil tensor count as declared at Prepare time, when
// producers may not have run yet.
func inputAt(inputs []*tensor.Tensor, i int) (*tensor.Tensor, bool) {
	if i >= len(inputs) {
		return nil, false
	}
	return inputs[i], true
}

// Reshape validates shapes and binds the destination. Shape-dependent state
// is rebuilt only when the source shape changed since the last Reshape.
func (o *Operator) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := o.lc.CanReshape(); err != nil {
		return err
	}
	if err := o.reshape(inputs, outputs); err != nil {
		o.lc.Invalidate()
		return err
	}
	return nil
}

func (o *Operator) reshape(inputs, outputs []*tensor.Tensor) error {
	src := operator.Input(inputs, 0)
	if src == nil || !src.Bound() {
		return o.shapeErr(nil, "source tensor is required")
	}
	if !src.DType().IsFloat() {
		return o.configErr("", "source %s must be fp32 or bf16, got %s", src.Name(), src.DType())
	}
	dst := operator.Input(outputs, 0)
	if dst == nil {
		return o.shapeErr(nil, "destination tensor is required")
	}
	if dst == src {
		return o.shapeErr(src, "destination must not alias the source")
	}
	srcMin, srcMax := operator.Input(inputs, 1), operator.Input(inputs, 2)
	if (srcMin == nil) != (srcMax == nil) {
		return o.shapeErr(src, "min and max tensors must be given together")
	}
	dynamic := srcMin != nil && o.outputDType.IsInteger()
	if o.outputDType.IsInteger() && !dynamic && o.staticScales == nil {
		return o.configErr(KeyScales, "no static scales and no min/max tensors")
	}

	shape := src.Shape()
	changed := o.lc.ShapeChanged(shape)
	layout := o.layout
	if changed {
		layout = PerTensorLayout
		if o.perChannel && o.outputDType.IsInteger() {
			var err error
			if layout, err = ChannelLayout(shape, o.axis); err != nil {
				return o.shapeErr(src, "%v", err)
			}
		}
	}

	if o.outputDType.IsInteger() {
		if dynamic {
			for _, t := range []*tensor.Tensor{srcMin, srcMax} {
				if err := o.checkRangeTensor(t, layout); err != nil {
					return err
				}
			}
		} else if len(o.staticScales) != layout.Channels {
			return o.shapeErr(src, "%d static scales for %d channels on axis %d",
				len(o.staticScales), layout.Channels, layout.Axis)
		}
	}

	// Everything is validated; from here on the destination may change.
	if !dst.Bound() || dst.DType() != o.outputDType || !tensor.SameShape(dst.Shape(), shape) {
		if err := dst.Rebind(o.outputDType, shape); err != nil {
			return fmt.Errorf("%s: bind destination: %w", o.cfg.Name, err)
		}
	}
	o.dst = dst

	if dynamic {
		if changed || !o.dynamic {
			o.scales = make([]float32, layout.Channels)
			if !o.deriver.Symmetric() {
				o.zeroPoints = make([]int32, layout.Channels)
			}
		}
	} else {
		o.scales = o.staticScales
		o.zeroPoints = o.staticZeroPoints
	}
	o.dynamic = dynamic
	o.layout = layout

	if changed {
		o.lc.MarkReshaped(shape)
		reshapeTotal.WithLabelValues(o.outputDType.String()).Inc()
		o.logger.Debug().
			Ints("shape", shape).
			Int("channels", layout.Channels).
			Bool("dynamic", dynamic).
			Msg("Reshaped")
	}
	return nil
}

func (o *Operator) checkRangeTensor(t *tensor.Tensor, layout Layout) error {
	if !t.Bound() || t.DType() != tensor.Float32 {
		return o.shapeErr(t, "min/max tensors must be bound fp32")
	}
	if t.Len() != layout.Channels {
		if layout.Axis == tensor.PerTensor {
			return o.shapeErr(t, "per-tensor min/max must hold one value")
		}
		return o.shapeErr(t, "per-channel min/max must hold %d values", layout.Channels)
	}
	return nil
}

// checkBounds rejects NaN bounds and reversed ranges. A zero-width range is
// valid and handled by the deriver.
func (o *Operator) checkBounds(src *tensor.Tensor, mins, maxs []float32) error {
	for c := range mins {
		lo, hi := mins[c], maxs[c]
		if math.IsNaN(float64(lo)) || math.IsNaN(float64(hi)) {
			return o.shapeErr(src, "range slot %d has a NaN bound (min=%g max=%g)", c, lo, hi)
		}
		if lo > hi {
			return o.shapeErr(src, "range slot %d is reversed (min=%g > max=%g)", c, lo, hi)
		}
	}
	return nil
}

// Forward quantizes the source into the destination bound by Reshape. On
// failure the destination is left untouched.
func (o *Operator) Forward(inputs, outputs []*tensor.Tensor) error {
	src := operator.Input(inputs, 0)
	if src == nil {
		return o.shapeErr(nil, "source tensor is required")
	}
	if err := o.lc.Ready(src.Shape()); err != nil {
		return err
	}
	dst := operator.Input(outputs, 0)
	if dst == nil || dst != o.dst || dst.DType() != o.outputDType || !tensor.SameShape(dst.Shape(), src.Shape()) {
		return &operator.NotReadyError{
			Op: o.cfg.Name, Phase: o.lc.Phase(), Want: operator.Reshaped,
			Reason: "destination is not the tensor bound by Reshape",
		}
	}

	srcMin, srcMax := operator.Input(inputs, 1), operator.Input(inputs, 2)
	if o.outputDType.IsInteger() && (srcMin != nil && srcMax != nil) != o.dynamic {
		return o.shapeErr(src, "min/max presence changed since Reshape")
	}

	mode := "static"
	if o.dynamic {
		mode = "dynamic"
		for _, t := range []*tensor.Tensor{srcMin, srcMax} {
			if err := o.checkRangeTensor(t, o.layout); err != nil {
				return err
			}
		}
		if err := o.checkBounds(src, srcMin.Float32s(), srcMax.Float32s()); err != nil {
			return err
		}
		var zps []int32
		if !o.deriver.Symmetric() {
			zps = o.zeroPoints
		}
		for _, rangeErr := range o.deriver.Derive(srcMin.Float32s(), srcMax.Float32s(), o.scales, zps) {
			degenerateRanges.Inc()
			o.logger.Warn().Err(rangeErr).Msg("Degenerate quantization range")
		}
	}

	var params Params
	if o.outputDType.IsInteger() {
		params = o.deriver.Params(o.scales, o.zeroPoints)
	}
	if err := o.dispatcher.Dispatch(src, dst, params, o.layout); err != nil {
		return err
	}
	forwardTotal.WithLabelValues(o.outputDType.String(), mode).Inc()
	return nil
}
