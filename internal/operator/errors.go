package operator

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("operator: invalid configuration")
	// ErrShape matches every *ShapeError.
	ErrShape = errors.New("operator: incompatible shape")
	// ErrRange matches every *RangeError.
	ErrRange = errors.New("operator: degenerate range")
	// ErrNotReady matches every *NotReadyError.
	ErrNotReady = errors.New("operator: not ready")
)

// ConfigError reports an unsupported or malformed configuration value.
// It is fatal at Prepare.
type ConfigError struct {
	Op     string
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: config: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: config %q: %s", e.Op, e.Key, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ShapeError reports tensors whose shapes do not fit the operator's
// configuration.
type ShapeError struct {
	Op     string
	Tensor string
	Shape  []int
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Tensor == "" {
		return fmt.Sprintf("%s: shape: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: shape of %s %v: %s", e.Op, e.Tensor, e.Shape, e.Reason)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// RangeError describes a zero-width min/max range. Operators recover from it
// by substituting an epsilon scale; it is reported for logging only.
type RangeError struct {
	Op      string
	Channel int
	Min     float32
	Max     float32
	Scale   float32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: channel %d: degenerate range [%g, %g], using scale %g",
		e.Op, e.Channel, e.Min, e.Max, e.Scale)
}

func (e *RangeError) Is(target error) bool { return target == ErrRange }

// NotReadyError reports a phase called out of order.
type NotReadyError struct {
	Op     string
	Phase  Phase
	Want   Phase
	Reason string
}

func (e *NotReadyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: not ready: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: operator is %s, needs %s", e.Op, e.Phase, e.Want)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }
