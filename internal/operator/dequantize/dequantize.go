// Package dequantize implements the Dequantize operator, the consumer of the
// scale metadata published by Quantize. It restores fp32 values as
// (q - z) * s per channel, and widens bf16 sources.
package dequantize

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/operator/quantize"
	"github.com/23skdu/longbow-quant/internal/primitive"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

const TypeName = "Dequantize"

func init() {
	operator.Register(TypeName, func(cfg operator.Config) (operator.Operator, error) {
		return New(cfg), nil
	})
}

var _ operator.Operator = (*Operator)(nil)

type Option func(*Operator)

// WithExecutor replaces the primitive executor.
func WithExecutor(e primitive.Executor) Option {
	return func(o *Operator) { o.exec = e }
}

// Operator is the Dequantize graph operator. Input 0 is the quantized tensor,
// output 0 receives fp32 values.
type Operator struct {
	cfg    operator.Config
	lc     operator.Lifecycle
	exec   primitive.Executor
	logger zerolog.Logger

	dst  *tensor.Tensor
	desc primitive.Descriptor
}

func New(cfg operator.Config, opts ...Option) *Operator {
	o := &Operator{
		cfg:    cfg,
		lc:     operator.NewLifecycle(cfg.Name),
		logger: log.With().Str("op", cfg.Name).Str("type", TypeName).Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exec == nil {
		o.exec = primitive.NewCPUExecutor(0)
	}
	return o
}

func (o *Operator) Name() string { return o.cfg.Name }
func (o *Operator) Type() string { return TypeName }
func (o *Operator) Phase() operator.Phase { return o.lc.Phase() }

// Prepare accepts only an fp32 output representation.
func (o *Operator) Prepare(inputs, outputs []*tensor.Tensor) error {
	if o.lc.Prepared() {
		return nil
	}
	tag, err := o.cfg.String(quantize.KeyOutputDType, tensor.Float32.String())
	if err != nil {
		return err
	}
	if dt, err := tensor.ParseDType(tag); err != nil || dt != tensor.Float32 {
		return &operator.ConfigError{
			Op: o.cfg.Name, Key: quantize.KeyOutputDType,
			Reason: fmt.Sprintf("dequantize writes fp32, got %q", tag),
		}
	}
	o.lc.MarkPrepared()
	return nil
}

func (o *Operator) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := o.lc.CanReshape(); err != nil {
		return err
	}
	src := operator.Input(inputs, 0)
	dst := operator.Input(outputs, 0)
	if src == nil || !src.Bound() || dst == nil || dst == src {
		o.lc.Invalidate()
		return &operator.ShapeError{Op: o.cfg.Name, Reason: "needs a bound source and a distinct destination"}
	}
	shape := src.Shape()
	if !dst.Bound() || dst.DType() != tensor.Float32 || !tensor.SameShape(dst.Shape(), shape) {
		if err := dst.Rebind(tensor.Float32, shape); err != nil {
			o.lc.Invalidate()
			return fmt.Errorf("%s: bind destination: %w", o.cfg.Name, err)
		}
	}
	o.dst = dst
	if o.lc.ShapeChanged(shape) {
		o.lc.MarkReshaped(shape)
		o.logger.Debug().Ints("shape", shape).Msg("Reshaped")
	}
	return nil
}

// Forward reads the scale metadata attached to the source on every call, since
// a dynamic producer may change it between calls.
func (o *Operator) Forward(inputs, outputs []*tensor.Tensor) error {
	src := operator.Input(inputs, 0)
	if src == nil {
		return &operator.ShapeError{Op: o.cfg.Name, Reason: "source tensor is required"}
	}
	if err := o.lc.Ready(src.Shape()); err != nil {
		return err
	}
	dst := operator.Input(outputs, 0)
	if dst == nil || dst != o.dst || !tensor.SameShape(dst.Shape(), src.Shape()) {
		return &operator.NotReadyError{
			Op: o.cfg.Name, Phase: o.lc.Phase(), Want: operator.Reshaped,
			Reason: "destination is not the tensor bound by Reshape",
		}
	}
	if err := o.describe(src, dst); err != nil {
		return err
	}
	if err := o.exec.Execute(&o.desc); err != nil {
		return fmt.Errorf("%s: dispatch %s: %w", o.cfg.Name, o.desc.Kind, err)
	}
	dst.SetQuantization([]float32{1}, nil, tensor.PerTensor)
	return nil
}

func (o *Operator) describe(src, dst *tensor.Tensor) error {
	o.desc = primitive.Descriptor{
		Kind:     primitive.KindConvertF32,
		Count:    src.Len(),
		Channels: 1,
		Inner:    1,
		SrcType:  src.DType(),
		Src:      src.Bytes(),
		Dst:      dst.Bytes(),
	}
	if !src.DType().IsInteger() {
		return nil
	}

	layout := quantize.PerTensorLayout
	if axis := src.QuantAxis(); axis != tensor.PerTensor {
		var err error
		if layout, err = quantize.ChannelLayout(src.Shape(), axis); err != nil {
			return &operator.ShapeError{Op: o.cfg.Name, Tensor: src.Name(), Shape: src.Shape(), Reason: err.Error()}
		}
	}
	scales := src.Scales()
	if len(scales) != layout.Channels {
		return &operator.ShapeError{
			Op: o.cfg.Name, Tensor: src.Name(), Shape: src.Shape(),
			Reason: fmt.Sprintf("%d published scales for %d channels", len(scales), layout.Channels),
		}
	}
	o.desc.Kind = primitive.KindDequantize
	o.desc.Channels = layout.Channels
	o.desc.Inner = layout.Inner
	o.desc.Scales = scales
	o.desc.ZeroPoints = src.ZeroPoints()
	return nil
}
