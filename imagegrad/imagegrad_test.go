// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrad_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
	. "github.com/gomlx/imagegrad/imagegrad"
	"github.com/gomlx/imagegrad/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

const (
	F16  = dtypes.Float16
	BF16 = dtypes.BFloat16
	F32  = dtypes.Float32
	F64  = dtypes.Float64
	I32  = dtypes.Int32
	I64  = dtypes.Int64
	U8   = dtypes.Uint8
)

const unk = shapes.UnknownDim

// allDTypes used to check the eligibility of each op.
var allDTypes = []dtypes.DType{F16, BF16, F32, F64, I32, I64, U8}

// kernelCall records one call to recordingKernels.
type kernelCall struct {
	name   string
	inputs []*graph.Node
	attrs  []any
}

// recordingKernels records all calls, and delegates the building of the kernel nodes to GraphKernels.
type recordingKernels struct {
	GraphKernels

	mu    sync.Mutex
	calls []kernelCall
}

func (k *recordingKernels) record(name string, inputs []*graph.Node, attrs ...any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, kernelCall{name: name, inputs: inputs, attrs: attrs})
}

// Calls returns the recorded calls and resets them.
func (k *recordingKernels) Calls() []kernelCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	calls := k.calls
	k.calls = nil
	return calls
}

func (k *recordingKernels) ResizeNearestNeighborGrad(grads, size *graph.Node, alignCorners, halfPixelCenters bool) *graph.Node {
	k.record("ResizeNearestNeighborGrad", []*graph.Node{grads, size}, alignCorners, halfPixelCenters)
	return k.GraphKernels.ResizeNearestNeighborGrad(grads, size, alignCorners, halfPixelCenters)
}

func (k *recordingKernels) ResizeBilinearGrad(grads, originalImage *graph.Node, alignCorners, halfPixelCenters bool) *graph.Node {
	k.record("ResizeBilinearGrad", []*graph.Node{grads, originalImage}, alignCorners, halfPixelCenters)
	return k.GraphKernels.ResizeBilinearGrad(grads, originalImage, alignCorners, halfPixelCenters)
}

func (k *recordingKernels) CropAndResizeGradImage(grads, boxes, boxIndices, imageSize *graph.Node, dtype dtypes.DType, method string) *graph.Node {
	k.record("CropAndResizeGradImage", []*graph.Node{grads, boxes, boxIndices, imageSize}, dtype, method)
	return k.GraphKernels.CropAndResizeGradImage(grads, boxes, boxIndices, imageSize, dtype, method)
}

func (k *recordingKernels) CropAndResizeGradBoxes(grads, image, boxes, boxIndices *graph.Node, method string) *graph.Node {
	k.record("CropAndResizeGradBoxes", []*graph.Node{grads, image, boxes, boxIndices}, method)
	return k.GraphKernels.CropAndResizeGradBoxes(grads, image, boxes, boxIndices, method)
}

func (k *recordingKernels) ResampleGrad(grads, originalImage *graph.Node, bicubic, antialias bool) *graph.Node {
	k.record("ResampleGrad", []*graph.Node{grads, originalImage}, bicubic, antialias)
	return k.GraphKernels.ResampleGrad(grads, originalImage, bicubic, antialias)
}

func (k *recordingKernels) RoiPoolingGrad(data, rois, argmax, grads *graph.Node, pooledHeight, pooledWidth int, spatialScale float32) *graph.Node {
	k.record("RoiPoolingGrad", []*graph.Node{data, rois, argmax, grads}, pooledHeight, pooledWidth, spatialScale)
	return k.GraphKernels.RoiPoolingGrad(data, rois, argmax, grads, pooledHeight, pooledWidth, spatialScale)
}

func (k *recordingKernels) RoiUnpoolingGrad(feat, rois, grads *graph.Node, dataHeight, dataWidth int, spatialScale float32, batchSize int) *graph.Node {
	k.record("RoiUnpoolingGrad", []*graph.Node{feat, rois, grads}, dataHeight, dataWidth, spatialScale, batchSize)
	return k.GraphKernels.RoiUnpoolingGrad(feat, rois, grads, dataHeight, dataWidth, spatialScale, batchSize)
}

// newRegistry returns a registry with the image gradients registered to use a new recordingKernels.
func newRegistry(t *testing.T) (*gradients.Registry, *recordingKernels) {
	r := gradients.NewRegistry()
	kernels := &recordingKernels{}
	require.NoError(t, New().WithKernels(kernels).Done(r))
	return r, kernels
}

// vjpsFor creates one parameter per output of node, to be used as the incoming gradients.
func vjpsFor(node *graph.Node) []*graph.Node {
	g := node.Graph()
	shapesOut := node.OutputShapes()
	vjps := make([]*graph.Node, len(shapesOut))
	for ii, shape := range shapesOut {
		vjps[ii] = graph.Parameter(g, fmt.Sprintf("vjp_%d_%d", node.Id(), ii), shape)
	}
	return vjps
}

// requireGradients checks grads has one entry per input of node, and that exactly the inputs in
// differentiable have a gradient.
func requireGradients(t *testing.T, node *graph.Node, grads []gradients.Gradient, differentiable ...int) {
	t.Helper()
	require.Len(t, grads, len(node.Inputs()))
	for ii, grad := range grads {
		want := false
		for _, d := range differentiable {
			want = want || d == ii
		}
		require.Equalf(t, want, !grad.IsNone(), "%s: gradient for input #%d: got %s", node, ii, grad)
	}
}

func TestRegister(t *testing.T) {
	r := gradients.NewRegistry()
	require.NoError(t, Register(r))
	for _, nodeType := range NodeTypes() {
		_, found := r.Lookup(nodeType)
		require.Truef(t, found, "gradient for %s not registered", nodeType)
	}
	require.Len(t, r.NodeTypes(), len(NodeTypes()))

	// Registering twice fails.
	require.Error(t, Register(r))
}

func TestConfig(t *testing.T) {
	c := New()
	require.Equal(t, "any", c.Eligibility(graph.NodeTypeResizeNearestNeighbor).String())
	require.Equal(t, "{Float16, Float32, Float64}", c.Eligibility(graph.NodeTypeCropAndResize).String())
	for _, nodeType := range []graph.NodeType{graph.NodeTypeResizeBilinear, graph.NodeTypeResample,
		graph.NodeTypeRoiPooling, graph.NodeTypeRoiUnpooling} {
		e := c.Eligibility(nodeType)
		require.True(t, e.Allows(F32))
		require.True(t, e.Allows(F64))
		require.False(t, e.Allows(F16))
		require.False(t, e.Allows(I32))
	}

	c.AllowDTypes(graph.NodeTypeResizeBilinear, F64, F16, F64).AllowAnyDType(graph.NodeTypeResample)
	require.Equal(t, "{Float16, Float64}", c.Eligibility(graph.NodeTypeResizeBilinear).String())
	require.True(t, c.Eligibility(graph.NodeTypeResample).Allows(U8))

	// Only a subset.
	r := gradients.NewRegistry()
	require.NoError(t, New().Only(graph.NodeTypeRoiPooling, graph.NodeTypeResample).Done(r))
	require.Equal(t, []graph.NodeType{graph.NodeTypeResample, graph.NodeTypeRoiPooling}, r.NodeTypes())

	// Invalid configurations.
	err := New().Only("Conv").Done(gradients.NewRegistry())
	require.ErrorContains(t, err, "Conv")
	require.Error(t, New().WithKernels(nil).Done(gradients.NewRegistry()))

	// Partial registration conflict.
	r = gradients.NewRegistry()
	r.MustRegister(graph.NodeTypeRoiUnpooling, func(node *graph.Node, _ []*graph.Node) []gradients.Gradient {
		return make([]gradients.Gradient, len(node.Inputs()))
	})
	require.ErrorContains(t, Register(r), string(graph.NodeTypeRoiUnpooling))
}

func TestResizeNearestNeighborGrad(t *testing.T) {
	r, kernels := newRegistry(t)
	for _, dtype := range allDTypes {
		g := graph.NewGraph("nearest")
		images := graph.Parameter(g, "images", shapes.Make(dtype, 2, 10, 20, 3))
		resized := graph.Resize(images, graph.ConstShape(g, []int{5, 5})).Nearest().AlignCorners(true).Done()
		grads := r.Backward(resized, vjpsFor(resized))

		// No dtype restriction for nearest neighbor.
		requireGradients(t, resized, grads, 0)
		require.True(t, grads[0].Node().Shape().Equal(images.Shape()))
		calls := kernels.Calls()
		require.Len(t, calls, 1)
		require.Equal(t, "ResizeNearestNeighborGrad", calls[0].name)
		require.Equal(t, []any{true, false}, calls[0].attrs)

		// Static shape: original size given as a constant.
		size := calls[0].inputs[1]
		require.Equal(t, graph.NodeTypeConstant, size.Type())
		require.Equal(t, []int32{10, 20}, size.ConstValue())
	}

	// Unknown batch, but known spatial dimensions: the original size is still a constant.
	g := graph.NewGraph("nearest_unknown_batch")
	images := graph.Parameter(g, "images", shapes.MakePartial(F32, unk, 10, 20, 3))
	resized := graph.Resize(images, graph.ConstShape(g, []int{5, 5})).Nearest().Done()
	grads := r.Backward(resized, vjpsFor(resized))
	requireGradients(t, resized, grads, 0)
	require.True(t, grads[0].Node().Shape().Equal(images.Shape()))
	calls := kernels.Calls()
	require.Len(t, calls, 1)
	size := calls[0].inputs[1]
	require.Equal(t, graph.NodeTypeConstant, size.Type())
	require.Equal(t, []int32{10, 20}, size.ConstValue())

	// Dynamic shape: original size sliced from the runtime shape.
	g = graph.NewGraph("nearest_dynamic")
	images = graph.Parameter(g, "images", shapes.MakePartial(F32, unk, unk, 20, 3))
	resized = graph.Resize(images, graph.ConstShape(g, []int{5, 5})).Nearest().HalfPixelCenters(true).Done()
	grads = r.Backward(resized, vjpsFor(resized))
	requireGradients(t, resized, grads, 0)
	require.True(t, grads[0].Node().Shape().Compatible(images.Shape()))
	calls = kernels.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []any{false, true}, calls[0].attrs)
	size = calls[0].inputs[1]
	require.Equal(t, graph.NodeTypeSlice, size.Type())
	require.Equal(t, 1, size.AttrInt(graph.AttrStart))
	require.Equal(t, 3, size.AttrInt(graph.AttrEnd))
	shape := size.Inputs()[0]
	require.Equal(t, graph.NodeTypeShape, shape.Type())
	require.Same(t, images, shape.Inputs()[0])
}

func TestResizeBilinearGrad(t *testing.T) {
	r, kernels := newRegistry(t)
	for _, dtype := range allDTypes {
		g := graph.NewGraph("bilinear")
		images := graph.Parameter(g, "images", shapes.Make(dtype, 1, 10, 20, 3))
		resized := graph.Resize(images, graph.ConstShape(g, []int{4, 4})).Bilinear().Done()
		vjps := vjpsFor(resized)
		grads := r.Backward(resized, vjps)
		calls := kernels.Calls()

		if dtype != F32 && dtype != F64 {
			requireGradients(t, resized, grads)
			require.Empty(t, calls, "no kernel should be called for dtype %s", dtype)
			continue
		}
		requireGradients(t, resized, grads, 0)
		require.True(t, grads[0].Node().Shape().Equal(images.Shape()))
		require.Len(t, calls, 1)
		require.Equal(t, "ResizeBilinearGrad", calls[0].name)
		require.Same(t, vjps[0], calls[0].inputs[0])
		// The kernel receives the original image, not its size.
		require.Same(t, images, calls[0].inputs[1])
		require.Equal(t, []any{false, false}, calls[0].attrs)
	}
}

func TestCropAndResizeGrad(t *testing.T) {
	r, kernels := newRegistry(t)
	for _, dtype := range allDTypes {
		g := graph.NewGraph("crop")
		image := graph.Parameter(g, "image", shapes.Make(dtype, 2, 10, 20, 3))
		boxes := graph.Parameter(g, "boxes", shapes.Make(F32, 5, 4))
		boxIndices := graph.Parameter(g, "box_indices", shapes.Make(I32, 5))
		crops := graph.CropAndResize(image, boxes, boxIndices, graph.ConstShape(g, []int{7, 7})).
			Method(graph.CropMethodNearest).Done()
		grads := r.Backward(crops, vjpsFor(crops))
		calls := kernels.Calls()

		// The boxes gradient is always computed.
		require.True(t, grads[2].IsNone())
		require.True(t, grads[3].IsNone())
		require.False(t, grads[1].IsNone())
		require.True(t, grads[1].Node().Shape().Equal(boxes.Shape()))
		boxesCall := calls[len(calls)-1]
		require.Equal(t, "CropAndResizeGradBoxes", boxesCall.name)
		require.Same(t, image, boxesCall.inputs[1])
		require.Equal(t, []any{graph.CropMethodNearest}, boxesCall.attrs)

		if dtype != F16 && dtype != F32 && dtype != F64 {
			requireGradients(t, crops, grads, 1)
			require.Len(t, calls, 1)
			continue
		}
		requireGradients(t, crops, grads, 0, 1)
		require.True(t, grads[0].Node().Shape().Equal(image.Shape()))
		require.Len(t, calls, 2)
		imageCall := calls[0]
		require.Equal(t, "CropAndResizeGradImage", imageCall.name)
		require.Equal(t, []any{dtype, graph.CropMethodNearest}, imageCall.attrs)
		imageSize := imageCall.inputs[3]
		require.Equal(t, graph.NodeTypeConstant, imageSize.Type())
		require.Equal(t, []int32{2, 10, 20, 3}, imageSize.ConstValue())
	}

	// Dynamic shape: the full runtime shape of the image is used.
	g := graph.NewGraph("crop_dynamic")
	image := graph.Parameter(g, "image", shapes.MakePartial(F32, unk, unk, unk, 3))
	boxes := graph.Parameter(g, "boxes", shapes.MakePartial(F32, unk, 4))
	boxIndices := graph.Parameter(g, "box_indices", shapes.MakePartial(I32, unk))
	crops := graph.CropAndResize(image, boxes, boxIndices, graph.ConstShape(g, []int{7, 7})).Done()
	grads := r.Backward(crops, vjpsFor(crops))
	requireGradients(t, crops, grads, 0, 1)
	require.True(t, grads[0].Node().Shape().Compatible(image.Shape()))
	calls := kernels.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []any{F32, graph.CropMethodBilinear}, calls[0].attrs)
	imageSize := calls[0].inputs[3]
	require.Equal(t, graph.NodeTypeShape, imageSize.Type())
	require.Same(t, image, imageSize.Inputs()[0])
}

func TestResampleGrad(t *testing.T) {
	r, kernels := newRegistry(t)
	for _, dtype := range allDTypes {
		g := graph.NewGraph("resample")
		image := graph.Parameter(g, "image", shapes.MakePartial(dtype, unk, 32, 32, 1))
		resampled := graph.Resample(image, graph.ConstShape(g, []int{16, 16}), true, false)
		grads := r.Backward(resampled, vjpsFor(resampled))
		calls := kernels.Calls()
		if dtype != F32 && dtype != F64 {
			requireGradients(t, resampled, grads)
			require.Empty(t, calls)
			continue
		}
		requireGradients(t, resampled, grads, 0)
		require.True(t, grads[0].Node().Shape().Equal(image.Shape()))
		require.Len(t, calls, 1)
		require.Same(t, image, calls[0].inputs[1])
		require.Equal(t, []any{true, false}, calls[0].attrs)
	}
}

func TestRoiPoolingGrad(t *testing.T) {
	r, kernels := newRegistry(t)
	for _, dtype := range allDTypes {
		g := graph.NewGraph("roi_pooling")
		data := graph.Parameter(g, "data", shapes.Make(dtype, 1, 16, 38, 50))
		rois := graph.Parameter(g, "rois", shapes.Make(F32, 8, 5))
		pooled, argmax := graph.RoiPooling(data, rois, 7, 6, 0.0625)
		node, _ := pooled.MultiOutputNode()
		vjps := vjpsFor(node)
		grads := r.Backward(node, vjps)
		calls := kernels.Calls()
		if dtype != F32 && dtype != F64 {
			requireGradients(t, node, grads)
			require.Empty(t, calls)
			continue
		}
		requireGradients(t, node, grads, 0)
		require.True(t, grads[0].Node().Shape().Equal(data.Shape()))
		require.Len(t, calls, 1)
		call := calls[0]
		require.Equal(t, "RoiPoolingGrad", call.name)
		require.Same(t, data, call.inputs[0])
		require.Same(t, rois, call.inputs[1])
		// argmax output of the forward node, and the gradient of the first output only.
		require.Same(t, argmax, call.inputs[2])
		require.Same(t, vjps[0], call.inputs[3])
		require.Equal(t, []any{7, 6, float32(0.0625)}, call.attrs)
	}
}

func TestRoiUnpoolingGrad(t *testing.T) {
	r, kernels := newRegistry(t)
	for _, dtype := range allDTypes {
		g := graph.NewGraph("roi_unpooling")
		feat := graph.Parameter(g, "feat", shapes.MakePartial(dtype, unk, 16, 7, 7))
		rois := graph.Parameter(g, "rois", shapes.MakePartial(F32, unk, 5))
		unpooled := graph.RoiUnpooling(feat, rois, 38, 50, 0.0625, 2)
		vjps := vjpsFor(unpooled)
		grads := r.Backward(unpooled, vjps)
		calls := kernels.Calls()
		if dtype != F32 && dtype != F64 {
			requireGradients(t, unpooled, grads)
			require.Empty(t, calls)
			continue
		}
		requireGradients(t, unpooled, grads, 0)
		require.True(t, grads[0].Node().Shape().Equal(feat.Shape()))
		require.Len(t, calls, 1)
		require.Equal(t, "RoiUnpoolingGrad", calls[0].name)
		require.Equal(t, []*graph.Node{feat, rois, vjps[0]}, calls[0].inputs)
		require.Equal(t, []any{38, 50, float32(0.0625), 2}, calls[0].attrs)
	}
}

func TestEligibilityOverride(t *testing.T) {
	r := gradients.NewRegistry()
	kernels := &recordingKernels{}
	require.NoError(t, New().
		WithKernels(kernels).
		AllowDTypes(graph.NodeTypeResizeBilinear, F16).
		AllowDTypes(graph.NodeTypeResizeNearestNeighbor, F32).
		Done(r))

	g := graph.NewGraph("override")
	images := graph.Parameter(g, "images", shapes.Make(F16, 1, 10, 20, 3))
	bilinear := graph.Resize(images, graph.ConstShape(g, []int{4, 4})).Done()
	requireGradients(t, bilinear, r.Backward(bilinear, vjpsFor(bilinear)), 0)

	nearest := graph.Resize(images, graph.ConstShape(g, []int{4, 4})).Nearest().Done()
	requireGradients(t, nearest, r.Backward(nearest, vjpsFor(nearest)))

	imagesF64 := graph.Parameter(g, "images_f64", shapes.Make(F64, 1, 10, 20, 3))
	bilinear = graph.Resize(imagesF64, graph.ConstShape(g, []int{4, 4})).Done()
	requireGradients(t, bilinear, r.Backward(bilinear, vjpsFor(bilinear)))
	require.Len(t, kernels.Calls(), 1)
}

func TestMissingAttribute(t *testing.T) {
	r, kernels := newRegistry(t)
	g := graph.NewGraph("missing")
	images := graph.Parameter(g, "images", shapes.Make(F32, 1, 10, 20, 3))
	size := graph.ConstShape(g, []int{5, 5})
	node := graph.NewNode(g, graph.NodeTypeResizeBilinear).
		Inputs(images, size).
		Attr(graph.AttrHalfPixelCenters, false).
		Output(shapes.Make(F32, 1, 5, 5, 3)).
		Done()
	_, err := r.TryBackward(node, vjpsFor(node))
	require.ErrorContains(t, err, graph.AttrAlignCorners)
	require.Empty(t, kernels.Calls())

	// Attribute of the wrong type.
	node = graph.NewNode(g, graph.NodeTypeResizeNearestNeighbor).
		Inputs(images, size).
		Attr(graph.AttrAlignCorners, "yes").
		Attr(graph.AttrHalfPixelCenters, false).
		Output(shapes.Make(F32, 1, 5, 5, 3)).
		Done()
	require.Panics(t, func() { _ = r.Backward(node, vjpsFor(node)) })
}

func TestBackwardAllImageOps(t *testing.T) {
	r := gradients.NewRegistry()
	require.NoError(t, Register(r))

	g := graph.NewGraph("all")
	var requests []gradients.Request
	for ii := range 8 {
		images := graph.Parameter(g, fmt.Sprintf("images_%d", ii), shapes.MakePartial(F64, unk, 10, 20, 3))
		size := graph.ConstShape(g, []int{5 + ii, 5})
		data := graph.Parameter(g, fmt.Sprintf("data_%d", ii), shapes.Make(F32, 1, 8, 10, 10))
		rois := graph.Parameter(g, fmt.Sprintf("rois_%d", ii), shapes.Make(F32, 3, 5))
		pooled, _ := graph.RoiPooling(data, rois, 2, 2, 1)
		pooling, _ := pooled.MultiOutputNode()
		for _, node := range []*graph.Node{
			graph.Resize(images, size).Nearest().Done(),
			graph.Resize(images, size).Bilinear().Done(),
			graph.Resample(images, size, false, true),
			pooling,
		} {
			requests = append(requests, gradients.Request{Node: node, VJPOutputs: vjpsFor(node)})
		}
	}
	results := must.M1(r.BackwardAll(t.Context(), requests, 4))
	require.Len(t, results, len(requests))
	for ii, grads := range results {
		node := requests[ii].Node
		requireGradients(t, node, grads, 0)
		require.True(t, grads[0].Node().Shape().Compatible(node.Inputs()[0].Shape()))
	}
}
