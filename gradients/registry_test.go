// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradients_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
	"github.com/gomlx/imagegrad/types/shapes"
	"github.com/stretchr/testify/require"
)

const nodeTypeScale graph.NodeType = "Scale"

// scale builds a toy op `x * factor`, where factor is a non-differentiable Int32 scalar.
func scale(x, factor *graph.Node) *graph.Node {
	return graph.NewNode(x.Graph(), nodeTypeScale).Inputs(x, factor).Output(x.Shape()).Done()
}

// scaleGrad returns `v * factor` for x, and NoGradient for factor.
func scaleGrad(node, v *graph.Node) []Gradient {
	factor := node.Inputs()[1]
	grad := graph.NewNode(node.Graph(), "ScaleGrad").Inputs(v, factor).Output(v.Shape()).Done()
	return []Gradient{Of(grad), NoGradient}
}

func TestGradient(t *testing.T) {
	var g Gradient
	require.True(t, g.IsNone())
	require.True(t, NoGradient.IsNone())
	require.Nil(t, NoGradient.Node())
	require.Equal(t, "NoGradient", NoGradient.String())

	gr := graph.NewGraph("test")
	x := graph.Parameter(gr, "x", shapes.Make(dtypes.Float32, 2))
	grad := Of(x)
	require.False(t, grad.IsNone())
	require.Same(t, x, grad.Node())
	require.Panics(t, func() { _ = Of(nil) })
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(nodeTypeScale, ForSingleOutput(scaleGrad)))
	require.Error(t, r.Register(nodeTypeScale, ForSingleOutput(scaleGrad)))
	require.Error(t, r.Register("Other", nil))
	require.Error(t, r.Register(graph.NodeTypeInvalid, ForSingleOutput(scaleGrad)))
	require.Panics(t, func() { r.MustRegister(nodeTypeScale, ForSingleOutput(scaleGrad)) })
	r.MustRegister("Another", ForSingleOutput(scaleGrad))

	_, found := r.Lookup(nodeTypeScale)
	require.True(t, found)
	_, found = r.Lookup("Unknown")
	require.False(t, found)
	require.Equal(t, []graph.NodeType{"Another", nodeTypeScale}, r.NodeTypes())
}

func TestBackward(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(nodeTypeScale, ForSingleOutput(scaleGrad))

	g := graph.NewGraph("test")
	x := graph.Parameter(g, "x", shapes.MakePartial(dtypes.Float32, shapes.UnknownDim, 3))
	factor := graph.Const(g, int32(2))
	y := scale(x, factor)
	v := graph.Parameter(g, "v", shapes.Make(dtypes.Float32, 4, 3))

	grads := r.Backward(y, []*graph.Node{v})
	require.Len(t, grads, len(y.Inputs()))
	require.False(t, grads[0].IsNone())
	require.True(t, grads[0].Node().Shape().Compatible(x.Shape()))
	require.True(t, grads[1].IsNone())
	fmt.Printf("\tgradients: %v\n", grads)

	// Wrong number of vjpOutputs.
	_, err := r.TryBackward(y, nil)
	require.Error(t, err)

	// Incompatible vjpOutput.
	_, err = r.TryBackward(y, []*graph.Node{graph.Parameter(g, "bad_v", shapes.Make(dtypes.Float64, 4, 3))})
	require.Error(t, err)

	// No gradient registered.
	unknown := graph.NewNode(g, "Unknown").Inputs(x).Output(x.Shape()).Done()
	_, err = r.TryBackward(unknown, []*graph.Node{v})
	require.ErrorContains(t, err, "no gradient is defined")
	require.Panics(t, func() { _ = r.Backward(unknown, []*graph.Node{v}) })
}

func TestBackwardContract(t *testing.T) {
	r := NewRegistry()
	g := graph.NewGraph("test")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 3))
	factor := graph.Const(g, int32(2))

	// Too few gradients.
	r.MustRegister("Short", ForSingleOutput(func(node, v *graph.Node) []Gradient {
		return []Gradient{Of(v)}
	}))
	short := graph.NewNode(g, "Short").Inputs(x, factor).Output(x.Shape()).Done()
	_, err := r.TryBackward(short, []*graph.Node{x})
	require.ErrorContains(t, err, "returned 1 gradients, but it has 2 inputs")

	// Gradient with the wrong shape.
	r.MustRegister("Misshaped", ForSingleOutput(func(node, v *graph.Node) []Gradient {
		return []Gradient{Of(v), Of(v)}
	}))
	misshaped := graph.NewNode(g, "Misshaped").Inputs(x, factor).Output(x.Shape()).Done()
	_, err = r.TryBackward(misshaped, []*graph.Node{x})
	require.ErrorContains(t, err, "input #1")

	// Split outputs are not differentiated directly.
	r.MustRegister("Multi", func(node *graph.Node, vjpOutputs []*graph.Node) []Gradient {
		return []Gradient{Of(vjpOutputs[0])}
	})
	multi := graph.NewNode(g, "Multi").Inputs(x).Output(x.Shape()).Output(factor.Shape()).Done()
	outputs := multi.Outputs()
	_, err = r.TryBackward(outputs[0], []*graph.Node{x})
	require.Error(t, err)
	grads, err := r.TryBackward(multi, []*graph.Node{x, factor})
	require.NoError(t, err)
	require.Len(t, grads, 1)
}

func TestBackwardAll(t *testing.T) {
	var numCalls atomic.Int32
	r := NewRegistry()
	r.MustRegister(nodeTypeScale, ForSingleOutput(func(node, v *graph.Node) []Gradient {
		numCalls.Add(1)
		return scaleGrad(node, v)
	}))

	g := graph.NewGraph("test")
	const numNodes = 64
	requests := make([]Request, numNodes)
	for ii := range requests {
		x := graph.Parameter(g, fmt.Sprintf("x%d", ii), shapes.Make(dtypes.Float32, ii+1))
		y := scale(x, graph.Const(g, int32(ii)))
		requests[ii] = Request{Node: y, VJPOutputs: []*graph.Node{x}}
	}
	results, err := r.BackwardAll(context.Background(), requests, 4)
	require.NoError(t, err)
	require.Len(t, results, numNodes)
	require.Equal(t, int32(numNodes), numCalls.Load())
	for ii, grads := range results {
		require.Len(t, grads, 2)
		require.Equal(t, ii+1, grads[0].Node().Shape().Dim(0))
		require.True(t, grads[1].IsNone())
	}

	// An invalid request fails the whole batch.
	requests[10].VJPOutputs = nil
	_, err = r.BackwardAll(context.Background(), requests, 0)
	require.ErrorContains(t, err, "request #10")

	// Cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.BackwardAll(ctx, requests[:5], 2)
	require.ErrorIs(t, err, context.Canceled)
}
