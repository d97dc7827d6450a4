package operator

import (
	"fmt"
	"slices"
)

// Phase is a lifecycle state.
type Phase int

const (
	Unprepared Phase = iota
	Prepared
	// Reshaped means output storage is bound for the recorded shape and
	// Forward may run.
	Reshaped
)

func (p Phase) String() string {
	switch p {
	case Unprepared:
		return "unprepared"
	case Prepared:
		return "prepared"
	case Reshaped:
		return "reshaped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Lifecycle tracks an operator's phase and the input shape of its last
// successful Reshape. The zero value is Unprepared.
type Lifecycle struct {
	op    string
	phase Phase
	shape []int
}

// NewLifecycle returns a lifecycle whose errors name op.
func NewLifecycle(op string) Lifecycle {
	return Lifecycle{op: op}
}

func (l *Lifecycle) Phase() Phase { return l.phase }

// Prepared reports whether Prepare has completed.
func (l *Lifecycle) Prepared() bool { return l.phase >= Prepared }

// MarkPrepared records a successful Prepare.
func (l *Lifecycle) MarkPrepared() {
	if l.phase == Unprepared {
		l.phase = Prepared
	}
}

// CanReshape fails unless Prepare has completed.
func (l *Lifecycle) CanReshape() error {
	if l.phase < Prepared {
		return &NotReadyError{Op: l.op, Phase: l.phase, Want: Prepared}
	}
	return nil
}

// ShapeChanged reports whether shape differs from the last successful
// Reshape, or no Reshape has succeeded yet.
func (l *Lifecycle) ShapeChanged(shape []int) bool {
	return l.phase != Reshaped || !slices.Equal(l.shape, shape)
}

// MarkReshaped records a successful Reshape for shape.
func (l *Lifecycle) MarkReshaped(shape []int) {
	l.shape = slices.Clone(shape)
	l.phase = Reshaped
}

// Invalidate drops a Reshape after a failed attempt so that Forward cannot
// run against stale bindings.
func (l *Lifecycle) Invalidate() {
	if l.phase == Reshaped {
		l.phase = Prepared
		l.shape = nil
	}
}

// Ready fails unless Reshape has completed for exactly shape.
func (l *Lifecycle) Ready(shape []int) error {
	if l.phase != Reshaped {
		return &NotReadyError{Op: l.op, Phase: l.phase, Want: Reshaped}
	}
	if !slices.Equal(l.shape, shape) {
		return &NotReadyError{
			Op: l.op, Phase: l.phase, Want: Reshaped,
			Reason: fmt.Sprintf("reshaped for %v, called with %v", l.shape, shape),
		}
	}
	return nil
}
