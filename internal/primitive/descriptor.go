// Package primitive defines the vectorized element-wise transform contract used
// by operators, and a CPU implementation of it.
package primitive

import (
	"fmt"

	"github.com/23skdu/longbow-quant/internal/tensor"
)

// Kind selects the transform a primitive performs.
type Kind int

const (
	// KindConvertF32 widens (bf16) or copies (fp32) the source into fp32.
	KindConvertF32 Kind = iota
	// KindConvertBF16 narrows the source into bf16 with round-to-nearest-even.
	KindConvertBF16
	// KindQuantizeS8 computes clamp(roundHalfEven(x/s) + z) into int8.
	KindQuantizeS8
	// KindQuantizeU8 computes clamp(roundHalfEven(x/s) + z) into uint8.
	KindQuantizeU8
	// KindDequantize computes (q - z) * s from an int8/uint8 source into fp32.
	KindDequantize
)

var kindNames = map[Kind]string{
	KindConvertF32:  "convert_f32",
	KindConvertBF16: "convert_bf16",
	KindQuantizeS8:  "quantize_s8",
	KindQuantizeU8:  "quantize_u8",
	KindDequantize:  "dequantize",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DstType returns the element representation written by the kind.
func (k Kind) DstType() tensor.DType {
	switch k {
	case KindConvertBF16:
		return tensor.BFloat16
	case KindQuantizeS8:
		return tensor.Int8
	case KindQuantizeU8:
		return tensor.Uint8
	}
	return tensor.Float32
}

// Scaled reports whether the kind consumes scales and zero-points.
func (k Kind) Scaled() bool {
	return k == KindQuantizeS8 || k == KindQuantizeU8 || k == KindDequantize
}

// Descriptor carries everything a primitive needs to transform a buffer.
//
// Element i belongs to channel (i / Inner) % Channels. A per-tensor transform
// uses Channels == 1.
type Descriptor struct {
	Kind     Kind
	Count    int
	Channels int
	Inner    int

	Scales     []float32
	ZeroPoints []int32 // empty means all zero
	QMin, QMax int32   // clamp bounds of quantize kinds

	SrcType tensor.DType
	Src     []byte
	Dst     []byte
}

// Executor performs the transform described by a Descriptor. Implementations
// either write every destination element or return an error without writing.
type Executor interface {
	Execute(d *Descriptor) error
}

// Validate checks that the descriptor is internally consistent.
func (d *Descriptor) Validate() error {
	if _, ok := kindNames[d.Kind]; !ok {
		return fmt.Errorf("primitive: unknown kind %d", int(d.Kind))
	}
	if d.Count < 0 {
		return fmt.Errorf("primitive: negative element count %d", d.Count)
	}
	if d.Channels < 1 || d.Inner < 1 {
		return fmt.Errorf("primitive: invalid channel layout channels=%d inner=%d", d.Channels, d.Inner)
	}

	switch d.Kind {
	case KindDequantize:
		if !d.SrcType.IsInteger() {
			return fmt.Errorf("primitive: %s needs an integer source, got %s", d.Kind, d.SrcType)
		}
	default:
		if !d.SrcType.IsFloat() {
			return fmt.Errorf("primitive: %s needs a float source, got %s", d.Kind, d.SrcType)
		}
	}
	if want := d.Count * d.SrcType.Size(); len(d.Src) != want {
		return fmt.Errorf("primitive: source holds %d bytes, want %d", len(d.Src), want)
	}
	if want := d.Count * d.Kind.DstType().Size(); len(d.Dst) != want {
		return fmt.Errorf("primitive: destination holds %d bytes, want %d", len(d.Dst), want)
	}

	if !d.Kind.Scaled() {
		return nil
	}
	if len(d.Scales) != d.Channels {
		return fmt.Errorf("primitive: %d scales for %d channels", len(d.Scales), d.Channels)
	}
	for i, s := range d.Scales {
		if !(s > 0) || s > maxScale {
			return fmt.Errorf("primitive: scale[%d]=%g is not a positive finite value", i, s)
		}
	}
	if n := len(d.ZeroPoints); n != 0 && n != d.Channels {
		return fmt.Errorf("primitive: %d zero-points for %d channels", n, d.Channels)
	}
	if d.Kind == KindDequantize {
		return nil
	}
	lo, hi := d.Kind.DstType().Range()
	if d.QMin > d.QMax || d.QMin < lo || d.QMax > hi {
		return fmt.Errorf("primitive: clamp range [%d,%d] outside %s range [%d,%d]",
			d.QMin, d.QMax, d.Kind.DstType(), lo, hi)
	}
	return nil
}
