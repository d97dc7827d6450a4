package tensor

import (
	"fmt"
	"strings"
)

// DType is the element representation of a tensor.
type DType int

const (
	Float32 DType = iota
	BFloat16
	Int8
	Uint8

	numDTypes
)

var dtypeNames = [numDTypes]string{
	Float32:  "fp32",
	BFloat16: "bf16",
	Int8:     "s8",
	Uint8:    "u8",
}

var dtypeSizes = [numDTypes]int{
	Float32:  4,
	BFloat16: 2,
	Int8:     1,
	Uint8:    1,
}

// ParseDType maps a configuration tag (fp32, bf16, s8, u8) to a DType.
func ParseDType(s string) (DType, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	for dt, name := range dtypeNames {
		if name == tag {
			return DType(dt), nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Valid reports whether dt is one of the known representations.
func (dt DType) Valid() bool {
	return dt >= 0 && dt < numDTypes
}

func (dt DType) String() string {
	if !dt.Valid() {
		return fmt.Sprintf("dtype(%d)", int(dt))
	}
	return dtypeNames[dt]
}

// Size returns the byte width of a single element.
func (dt DType) Size() int {
	if !dt.Valid() {
		return 0
	}
	return dtypeSizes[dt]
}

// IsInteger reports whether dt is a quantized integer representation.
func (dt DType) IsInteger() bool {
	return dt == Int8 || dt == Uint8
}

// IsFloat reports whether dt is a floating point representation.
func (dt DType) IsFloat() bool {
	return dt == Float32 || dt == BFloat16
}

// Range returns the representable integer range of an integer dtype.
// Float dtypes return (0, 0).
func (dt DType) Range() (lo, hi int32) {
	switch dt {
	case Int8:
		return -128, 127
	case Uint8:
		return 0, 255
	}
	return 0, 0
}
