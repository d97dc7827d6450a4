package tensor

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
)

// PerTensor is the channel axis value of metadata that applies to the whole tensor.
const PerTensor = -1

// Tensor is a typed, shaped, contiguous buffer.
//
// Storage is kept in 8-byte words so that typed views over the raw bytes are
// always aligned. A Tensor optionally remembers the Pool it was created from;
// Rebind then draws replacement storage from that pool.
type Tensor struct {
	name    string
	dtype   DType
	shape   []int
	strides []int
	words   []uint64
	nbytes  int
	pool    *Pool

	// Quantization metadata published by the producer of this tensor.
	scales     []float32
	zeroPoints []int32
	axis       int
}

// New allocates a zeroed tensor.
func New(name string, dt DType, shape ...int) *Tensor {
	t := &Tensor{name: name, axis: PerTensor}
	if err := t.Rebind(dt, shape); err != nil {
		panic(err)
	}
	return t
}

// Empty returns an unbound tensor. It has no storage until Rebind is called.
func Empty(name string) *Tensor {
	return &Tensor{name: name, dtype: Float32, axis: PerTensor}
}

// FromFloat32 creates an fp32 tensor holding a copy of values.
func FromFloat32(name string, values []float32, shape ...int) *Tensor {
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	t := New(name, Float32, shape...)
	if len(values) != t.Len() {
		panic(fmt.Sprintf("FromFloat32: %d values do not fill shape %v", len(values), shape))
	}
	copy(t.Float32s(), values)
	return t
}

// Scalar creates a single element fp32 tensor.
func Scalar(name string, v float32) *Tensor {
	return FromFloat32(name, []float32{v}, 1)
}

func (t *Tensor) Name() string { return t.name }
func (t *Tensor) DType() DType { return t.dtype }
func (t *Tensor) Shape() []int { return t.shape }
func (t *Tensor) Strides() []int { return t.strides }
func (t *Tensor) Rank() int { return len(t.shape) }

// Bound reports whether the tensor has storage for its shape.
func (t *Tensor) Bound() bool {
	return t.shape != nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	if t.shape == nil {
		return 0
	}
	return NumElements(t.shape)
}

// ByteSize returns the size in bytes of the element data.
func (t *Tensor) ByteSize() int {
	return t.nbytes
}

// Bytes returns the raw element bytes.
func (t *Tensor) Bytes() []byte {
	if t.nbytes == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&t.words[0])), t.nbytes)
}

// Float32s returns a view of the data as fp32 values. It panics on other dtypes.
func (t *Tensor) Float32s() []float32 {
	t.mustBe(Float32)
	if t.nbytes == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.words[0])), t.Len())
}

// BFloat16s returns a view of the data as bf16 values.
func (t *Tensor) BFloat16s() []bfloat16.BFloat16 {
	t.mustBe(BFloat16)
	if t.nbytes == 0 {
		return nil
	}
	return unsafe.Slice((*bfloat16.BFloat16)(unsafe.Pointer(&t.words[0])), t.Len())
}

// Int8s returns a view of the data as signed 8-bit values.
func (t *Tensor) Int8s() []int8 {
	t.mustBe(Int8)
	if t.nbytes == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&t.words[0])), t.Len())
}

// Uint8s returns a view of the data as unsigned 8-bit values.
func (t *Tensor) Uint8s() []uint8 {
	t.mustBe(Uint8)
	return t.Bytes()
}

// Values returns every element widened to fp32. Integer elements are returned
// as stored, not dequantized.
func (t *Tensor) Values() []float32 {
	out := make([]float32, t.Len())
	switch t.dtype {
	case Float32:
		copy(out, t.Float32s())
	case BFloat16:
		for i, v := range t.BFloat16s() {
			out[i] = v.Float32()
		}
	case Int8:
		for i, v := range t.Int8s() {
			out[i] = float32(v)
		}
	case Uint8:
		for i, v := range t.Uint8s() {
			out[i] = float32(v)
		}
	}
	return out
}

func (t *Tensor) mustBe(dt DType) {
	if t.dtype != dt {
		panic(fmt.Sprintf("tensor %q is %s, not %s", t.name, t.dtype, dt))
	}
}

// Rebind points the tensor at storage sized for dt and shape. Existing storage
// is reused when it is large enough; otherwise new storage is taken from the
// tensor's pool (or the heap) and the old storage is returned to the pool.
// Quantization metadata is cleared.
func (t *Tensor) Rebind(dt DType, shape []int) error {
	if !dt.Valid() {
		return fmt.Errorf("rebind %q: invalid dtype %d", t.name, int(dt))
	}
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("rebind %q: negative dimension in shape %v", t.name, shape)
		}
	}
	nbytes := NumElements(shape) * dt.Size()
	need := (nbytes + 7) / 8
	if cap(t.words) < need {
		old := t.words
		if t.pool != nil {
			t.words = t.pool.get(need)
			t.pool.put(old)
		} else {
			t.words = make([]uint64, need)
		}
	} else {
		t.words = t.words[:need]
		clear(t.words)
	}
	t.dtype = dt
	t.shape = slices.Clone(shape)
	if t.shape == nil {
		t.shape = []int{}
	}
	t.strides = ContiguousStrides(t.shape)
	t.nbytes = nbytes
	t.ClearQuantization()
	return nil
}

// SetQuantization attaches the scales and zero-points used to produce the
// tensor's data. axis is PerTensor or the channel axis the entries index.
func (t *Tensor) SetQuantization(scales []float32, zeroPoints []int32, axis int) {
	t.scales = append(t.scales[:0], scales...)
	t.zeroPoints = append(t.zeroPoints[:0], zeroPoints...)
	t.axis = axis
}

// ClearQuantization removes attached quantization metadata.
func (t *Tensor) ClearQuantization() {
	t.scales = t.scales[:0]
	t.zeroPoints = t.zeroPoints[:0]
	t.axis = PerTensor
}

// Scales returns the attached scales. Callers must not modify the slice.
func (t *Tensor) Scales() []float32 { return t.scales }

// ZeroPoints returns the attached zero-points. Callers must not modify the slice.
func (t *Tensor) ZeroPoints() []int32 { return t.zeroPoints }

// QuantAxis returns the channel axis of the attached metadata, or PerTensor.
func (t *Tensor) QuantAxis() int { return t.axis }

// Clone returns a heap-backed copy of the tensor, including its quantization
// metadata.
func (t *Tensor) Clone(name string) *Tensor {
	c := &Tensor{name: name, axis: PerTensor}
	if !t.Bound() {
		c.dtype = t.dtype
		return c
	}
	if err := c.Rebind(t.dtype, t.shape); err != nil {
		panic(err)
	}
	copy(c.Bytes(), t.Bytes())
	c.SetQuantization(t.scales, t.zeroPoints, t.axis)
	return c
}

// Release hands the storage back to the tensor's pool and unbinds it.
func (t *Tensor) Release() {
	if t.pool != nil {
		t.pool.put(t.words)
	}
	t.words = nil
	t.shape = nil
	t.strides = nil
	t.nbytes = 0
	t.ClearQuantization()
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s<%s%v>", t.name, t.dtype, t.shape)
}

// NumElements returns the product of the dimensions. A rank-0 shape holds one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ContiguousStrides returns row-major element strides for shape.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// SameShape reports whether two shapes are equal.
func SameShape(a, b []int) bool {
	return slices.Equal(a, b)
}
