package operator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Config is the static configuration of one operator: its name, registered
// type and an attribute mapping. Attribute values may come from YAML, CBOR,
// JSON or engine-style strings ("0.5,2.0"), so accessors coerce the usual
// decoded representations.
type Config struct {
	Name  string         `yaml:"name" json:"name" cbor:"name"`
	Type  string         `yaml:"type" json:"type" cbor:"type"`
	Attrs map[string]any `yaml:"attrs,omitempty" json:"attrs,omitempty" cbor:"attrs,omitempty"`
}

// Has reports whether key is set.
func (c Config) Has(key string) bool {
	_, ok := c.Attrs[key]
	return ok
}

func (c Config) errorf(key, format string, args ...any) error {
	return &ConfigError{Op: c.Name, Key: key, Reason: fmt.Sprintf(format, args...)}
}

// String returns a string attribute, or def when absent.
func (c Config) String(key, def string) (string, error) {
	v, ok := c.Attrs[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", c.errorf(key, "want string, got %T", v)
	}
	return s, nil
}

// Bool returns a boolean attribute, or def when absent.
func (c Config) Bool(key string, def bool) (bool, error) {
	v, ok := c.Attrs[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, c.errorf(key, "invalid bool %q", b)
		}
		return parsed, nil
	}
	return false, c.errorf(key, "want bool, got %T", v)
}

// Int returns an integer attribute. ok is false when absent.
func (c Config) Int(key string) (n int, ok bool, err error) {
	v, present := c.Attrs[key]
	if !present || v == nil {
		return 0, false, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, false, c.errorf(key, "%v", err)
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false, c.errorf(key, "%v is not an integer", v)
	}
	return int(f), true, nil
}

// Floats returns a float list attribute. A scalar is a list of one.
// ok is false when absent.
func (c Config) Floats(key string) (vals []float32, ok bool, err error) {
	v, present := c.Attrs[key]
	if !present || v == nil {
		return nil, false, nil
	}
	items, err := toList(v)
	if err != nil {
		return nil, false, c.errorf(key, "%v", err)
	}
	vals = make([]float32, len(items))
	for i, item := range items {
		f, err := toFloat(item)
		if err != nil {
			return nil, false, c.errorf(key, "element %d: %v", i, err)
		}
		vals[i] = float32(f)
	}
	return vals, true, nil
}

// Ints returns an integer list attribute. ok is false when absent.
func (c Config) Ints(key string) (vals []int32, ok bool, err error) {
	floats, ok, err := c.Floats(key)
	if !ok || err != nil {
		return nil, ok, err
	}
	vals = make([]int32, len(floats))
	for i, f := range floats {
		if float64(f) != math.Trunc(float64(f)) {
			return nil, false, c.errorf(key, "element %d: %v is not an integer", i, f)
		}
		vals[i] = int32(f)
	}
	return vals, true, nil
}

func toList(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []float64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case []float32:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case []int:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case string:
		fields := strings.FieldsFunc(x, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		out := make([]any, len(fields))
		for i := range fields {
			out[i] = fields[i]
		}
		return out, nil
	}
	return []any{v}, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("want number, got %T", v)
}
