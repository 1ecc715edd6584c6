// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradients holds the registry of gradient functions used by reverse-mode automatic differentiation.
//
// Reverse-mode autodiff uses VJP (Vector Jacobian Product) functions: for each node of the graph, given the
// gradient of the loss with respect to each of the node's outputs (the "adjoints", or vjpOutputs), the
// node's VJP function builds the gradient with respect to each of its inputs. The engine that walks the graph
// backwards and accumulates the gradients of nodes used by more than one consumer lives elsewhere: this
// package only provides the Registry the engine looks the functions up from, and Registry.Backward, which
// calls one of them and checks its result.
//
// There is no global registry: create one with NewRegistry and populate it explicitly at initialization,
// e.g. with imagegrad.Register.
package gradients

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/imagegrad/graph"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Func returns the gradients of node with respect to each of its inputs (given by `node.Inputs()`).
//
// Args:
//
//	node: the forward node, with its inputs, attributes and outputs. It must not be modified.
//	vjpOutputs: gradient (or jacobian) of what we care about with the respect to each of the outputs of node.
//	   One per output, with the shape of the corresponding output.
//
// Returns:
//
//	One Gradient per input of node, in the same order. Use NoGradient for inputs that are not
//	differentiable.
//
// Errors are reported by panicking (see github.com/gomlx/exceptions), as any other graph building error.
type Func func(node *graph.Node, vjpOutputs []*graph.Node) []Gradient

// SingleOutputFunc is a Func for nodes with a single output (most of them).
type SingleOutputFunc func(node, v *graph.Node) []Gradient

// ForSingleOutput converts a SingleOutputFunc to a generic Func.
func ForSingleOutput(fn SingleOutputFunc) Func {
	return func(node *graph.Node, vjpOutputs []*graph.Node) []Gradient {
		return fn(node, vjpOutputs[0])
	}
}

// Registry maps each node type to its gradient function.
//
// It is safe for concurrent use. Typically, it is populated once during initialization, and then used
// concurrently (read-only) by the autodiff engine.
type Registry struct {
	mu  sync.RWMutex
	fns map[graph.NodeType]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[graph.NodeType]Func)}
}

// Register the gradient function for the given node type.
// It returns an error if a function is already registered for nodeType.
func (r *Registry) Register(nodeType graph.NodeType, fn Func) error {
	if nodeType == graph.NodeTypeInvalid {
		return errors.New("cannot register a gradient for an empty node type")
	}
	if fn == nil {
		return errors.Errorf("nil gradient function given for node type %q", nodeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.fns[nodeType]; found {
		return errors.Errorf("gradient for node type %q already registered", nodeType)
	}
	r.fns[nodeType] = fn
	klog.V(1).Infof("gradients: registered gradient for %q", nodeType)
	return nil
}

// MustRegister is like Register, but panics on error.
func (r *Registry) MustRegister(nodeType graph.NodeType, fn Func) {
	if err := r.Register(nodeType, fn); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// Lookup returns the gradient function registered for nodeType.
func (r *Registry) Lookup(nodeType graph.NodeType) (fn Func, found bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, found = r.fns[nodeType]
	return
}

// NodeTypes returns the sorted list of node types with a registered gradient.
func (r *Registry) NodeTypes() []graph.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeTypes := make([]graph.NodeType, 0, len(r.fns))
	for nodeType := range r.fns {
		nodeTypes = append(nodeTypes, nodeType)
	}
	slices.Sort(nodeTypes)
	return nodeTypes
}

// Backward calls the gradient function registered for node's type, and checks that it honours the contract
// the autodiff engine relies on: exactly one Gradient per input of node, and each gradient shaped (and typed)
// like its input.
//
// vjpOutputs holds the gradient with respect to each output of node.
//
// It panics if there is no gradient registered for the node type, if vjpOutputs doesn't match node's outputs,
// or if the gradient function fails (including the contract checks above). See TryBackward for a version
// that returns an error.
func (r *Registry) Backward(node *graph.Node, vjpOutputs []*graph.Node) []Gradient {
	node.AssertValid()
	if producer, _ := node.MultiOutputNode(); producer != nil {
		exceptions.Panicf("Backward(%s): gradients are defined for the multi-output node %s, not its split outputs",
			node, producer)
	}
	fn, found := r.Lookup(node.Type())
	if !found {
		exceptions.Panicf("graph has node %s, for which no gradient is defined, cannot generate graph gradient", node)
	}
	outputShapes := node.OutputShapes()
	if len(vjpOutputs) != len(outputShapes) {
		exceptions.Panicf("Backward(%s): got %d vjpOutputs, but node has %d outputs", node, len(vjpOutputs), len(outputShapes))
	}
	for ii, v := range vjpOutputs {
		if v == nil {
			exceptions.Panicf("Backward(%s): vjpOutputs[%d] is nil -- use zeros for outputs without gradient", node, ii)
		}
		if !v.Shape().Compatible(outputShapes[ii]) {
			exceptions.Panicf("Backward(%s): vjpOutputs[%d] has shape %s, incompatible with output shape %s",
				node, ii, v.Shape(), outputShapes[ii])
		}
	}

	grads := fn(node, vjpOutputs)
	inputs := node.Inputs()
	if len(grads) != len(inputs) {
		exceptions.Panicf("gradient of %s returned %d gradients, but it has %d inputs, implementation of "+
			"auto-differentiation for node failed", node, len(grads), len(inputs))
	}
	for ii, grad := range grads {
		if grad.IsNone() {
			continue
		}
		input := inputs[ii]
		if !grad.Node().Shape().Compatible(input.Shape()) {
			exceptions.Panicf("invalid gradient calculation for node %s: invalid shape (or DType) for input #%d "+
				"(out of %d): input shape=%s, calculated gradient shape=%s -- this probably indicates a bug in "+
				"the gradient function", node, ii, len(inputs), input.Shape(), grad.Node().Shape())
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("gradients: %s -> %v", node, grads)
	}
	return grads
}

// TryBackward is like Backward, but returns an error instead of panicking.
func (r *Registry) TryBackward(node *graph.Node, vjpOutputs []*graph.Node) (grads []Gradient, err error) {
	err = exceptions.TryCatch[error](func() { grads = r.Backward(node, vjpOutputs) })
	if err != nil {
		grads = nil
		err = errors.WithMessagef(err, "gradients: backward of %s failed", node)
	}
	return
}

// Request for BackwardAll: the forward node and the gradients with respect to its outputs.
type Request struct {
	Node       *graph.Node
	VJPOutputs []*graph.Node
}

// BackwardAll calls Backward for each of the requests, running up to parallelism of them concurrently.
// If parallelism <= 0 there is no limit.
//
// The requests must be independent of each other, e.g. nodes on different branches of the graph, or nodes
// whose vjpOutputs have already been fully accumulated.
//
// It returns the gradients for each request, in the same order, or the first error that occurred. It stops
// dispatching new requests once ctx is cancelled or an error occurred.
func (r *Registry) BackwardAll(ctx context.Context, requests []Request, parallelism int) ([][]Gradient, error) {
	results := make([][]Gradient, len(requests))
	eg, egCtx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		eg.SetLimit(parallelism)
	}
	for ii, req := range requests {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			grads, err := r.TryBackward(req.Node, req.VJPOutputs)
			if err != nil {
				return errors.WithMessagef(err, "request #%d", ii)
			}
			results[ii] = grads
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "gradients: BackwardAll interrupted")
	}
	return results, nil
}
