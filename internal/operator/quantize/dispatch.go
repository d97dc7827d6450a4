package quantize

import (
	"fmt"

	"github.com/23skdu/longbow-quant/internal/operator"
	"github.com/23skdu/longbow-quant/internal/primitive"
	"github.com/23skdu/longbow-quant/internal/tensor"
)

// Layout describes how elements map to scale slots.
type Layout struct {
	Axis     int // tensor.PerTensor or the normalized channel axis
	Channels int
	Inner    int
}

// PerTensorLayout is the layout of a single scale.
var PerTensorLayout = Layout{Axis: tensor.PerTensor, Channels: 1, Inner: 1}

// ChannelLayout returns the layout of per-channel scales along axis of shape.
// Negative axes count from the end. An empty channel axis is an error.
func ChannelLayout(shape []int, axis int) (Layout, error) {
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis >= len(shape) {
		return Layout{}, fmt.Errorf("channel axis %d out of range for rank %d", axis, len(shape))
	}
	if shape[axis] == 0 {
		return Layout{}, fmt.Errorf("channel axis %d of shape %v is empty", axis, shape)
	}
	return Layout{
		Axis:     axis,
		Channels: shape[axis],
		Inner:    max(1, tensor.NumElements(shape[axis+1:])),
	}, nil
}

// kernel is one entry of the per-representation handler table.
type kernel struct {
	kind   primitive.Kind
	scaled bool
}

var kernels = [...]kernel{
	tensor.Float32:  {kind: primitive.KindConvertF32},
	tensor.BFloat16: {kind: primitive.KindConvertBF16},
	tensor.Int8:     {kind: primitive.KindQuantizeS8, scaled: true},
	tensor.Uint8:    {kind: primitive.KindQuantizeU8, scaled: true},
}

var unitScale = []float32{1}

// Dispatcher selects the primitive for a destination representation, builds
// its descriptor and publishes the applied scales on the destination.
type Dispatcher struct {
	op   string
	exec primitive.Executor
}

// NewDispatcher returns a dispatcher whose errors name op.
func NewDispatcher(op string, exec primitive.Executor) *Dispatcher {
	return &Dispatcher{op: op, exec: exec}
}

// Descriptor builds the primitive descriptor transforming src into dst.
func (d *Dispatcher) Descriptor(src, dst *tensor.Tensor, p Params, layout Layout) (*primitive.Descriptor, error) {
	out := dst.DType()
	if !out.Valid() {
		return nil, fmt.Errorf("%s: dispatch: invalid destination dtype %d", d.op, int(out))
	}
	if !tensor.SameShape(src.Shape(), dst.Shape()) {
		return nil, &operator.ShapeError{
			Op: d.op, Tensor: dst.Name(), Shape: dst.Shape(),
			Reason: fmt.Sprintf("does not match source shape %v", src.Shape()),
		}
	}
	k := kernels[out]
	desc := &primitive.Descriptor{
		Kind:     k.kind,
		Count:    src.Len(),
		Channels: 1,
		Inner:    1,
		SrcType:  src.DType(),
		Src:      src.Bytes(),
		Dst:      dst.Bytes(),
	}
	if !k.scaled {
		return desc, nil
	}
	if len(p.Scales) != layout.Channels {
		return nil, &operator.ShapeError{
			Op: d.op, Tensor: src.Name(), Shape: src.Shape(),
			Reason: fmt.Sprintf("%d scales for %d channels", len(p.Scales), layout.Channels),
		}
	}
	desc.Channels = layout.Channels
	desc.Inner = layout.Inner
	desc.Scales = p.Scales
	desc.ZeroPoints = p.ZeroPoints
	desc.QMin, desc.QMax = p.QMin, p.QMax
	return desc, nil
}

// Dispatch transforms src into dst. On success dst carries the applied scales,
// zero-points and channel axis.
func (d *Dispatcher) Dispatch(src, dst *tensor.Tensor, p Params, layout Layout) error {
	desc, err := d.Descriptor(src, dst, p, layout)
	if err != nil {
		return err
	}
	if err := d.exec.Execute(desc); err != nil {
		return fmt.Errorf("%s: dispatch %s: %w", d.op, desc.Kind, err)
	}
	if kernels[dst.DType()].scaled {
		dst.SetQuantization(p.Scales, p.ZeroPoints, layout.Axis)
	} else {
		dst.SetQuantization(unitScale, nil, tensor.PerTensor)
	}
	return nil
}
