// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradients

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/imagegrad/graph"
)

// Gradient is the gradient with respect to one input of a node: either a node holding the gradient value,
// or NoGradient, for inputs that are not differentiable (sizes, indices, ...) or whose dtype doesn't have a
// gradient defined.
//
// The zero value is NoGradient.
type Gradient struct {
	node *graph.Node
}

// NoGradient marks an input through which no gradient flows.
var NoGradient = Gradient{}

// Of returns a Gradient with the given value. It panics if node is nil: use NoGradient instead.
func Of(node *graph.Node) Gradient {
	if node == nil {
		exceptions.Panicf("gradients.Of(nil): use gradients.NoGradient for inputs without gradient")
	}
	return Gradient{node: node}
}

// IsNone returns whether g is NoGradient.
func (g Gradient) IsNone() bool { return g.node == nil }

// Node returns the gradient value, or nil if g is NoGradient.
func (g Gradient) Node() *graph.Node { return g.node }

// String implements fmt.Stringer.
func (g Gradient) String() string {
	if g.IsNone() {
		return "NoGradient"
	}
	return g.node.String()
}
