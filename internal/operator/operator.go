// Package operator defines the three-phase lifecycle every graph operator
// implements, the error taxonomy shared by operators, and operator
// configuration.
package operator

import "github.com/23skdu/longbow-quant/internal/tensor"

// Operator is a node of an execution graph.
//
// Prepare runs once after graph load and reads static configuration.
// Reshape runs whenever the input shapes differ from the previous Reshape and
// binds output storage. Forward runs once per inference call.
//
// Tensors passed to any phase are borrowed for the duration of the call.
// Inputs are never modified. A single operator instance must not be called
// concurrently; distinct instances may run in parallel.
type Operator interface {
	Name() string
	Type() string
	Prepare(inputs, outputs []*tensor.Tensor) error
	Reshape(inputs, outputs []*tensor.Tensor) error
	Forward(inputs, outputs []*tensor.Tensor) error
}

// Input returns inputs[i], or nil when the slot is absent.
func Input(inputs []*tensor.Tensor, i int) *tensor.Tensor {
	if i < 0 || i >= len(inputs) {
		return nil
	}
	return inputs[i]
}
