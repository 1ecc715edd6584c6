package main

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
	"github.com/gomlx/imagegrad/types/shapes"
)

// sample is a forward image op built for inspection, with the names of its inputs.
type sample struct {
	request    gradients.Request
	inputNames []string
}

// dims returns the given dimensions, with the ones in unknown replaced by shapes.UnknownDim if dynamic is set.
func dims(dynamic bool, dimensions []int, unknown ...int) []int {
	if !dynamic {
		return dimensions
	}
	for _, axis := range unknown {
		dimensions[axis] = shapes.UnknownDim
	}
	return dimensions
}

// buildSample creates the forward node of the given type in g, with dtype for its image (or data) input,
// and the parameters holding the incoming gradients for each of its outputs.
// If dynamic is set, the batch and spatial dimensions of the inputs are left unknown.
func buildSample(g *graph.Graph, nodeType graph.NodeType, dtype dtypes.DType, dynamic bool) sample {
	param := func(name string, dtype dtypes.DType, dimensions ...int) *graph.Node {
		return graph.Parameter(g, fmt.Sprintf("%s/%s", nodeType, name), shapes.MakePartial(dtype, dimensions...))
	}
	var node *graph.Node
	var names []string
	switch nodeType {
	case graph.NodeTypeResizeNearestNeighbor, graph.NodeTypeResizeBilinear:
		images := param("images", dtype, dims(dynamic, []int{2, 32, 48, 3}, 0, 1, 2)...)
		resize := graph.Resize(images, graph.ConstShape(g, []int{16, 64}))
		if nodeType == graph.NodeTypeResizeNearestNeighbor {
			resize.Nearest()
		} else {
			resize.Bilinear().AlignCorners(true)
		}
		node = resize.Done()
		names = []string{"images", "size"}

	case graph.NodeTypeCropAndResize:
		image := param("image", dtype, dims(dynamic, []int{2, 32, 48, 3}, 0, 1, 2)...)
		boxes := param("boxes", dtypes.Float32, dims(dynamic, []int{5, 4}, 0)...)
		boxIndices := param("box_indices", dtypes.Int32, dims(dynamic, []int{5}, 0)...)
		node = graph.CropAndResize(image, boxes, boxIndices, graph.ConstShape(g, []int{7, 7})).Done()
		names = []string{"image", "boxes", "box_indices", "crop_size"}

	case graph.NodeTypeResample:
		image := param("image", dtype, dims(dynamic, []int{2, 32, 48, 3}, 0, 1, 2)...)
		node = graph.Resample(image, graph.ConstShape(g, []int{64, 96}), true, true)
		names = []string{"image", "size"}

	case graph.NodeTypeRoiPooling:
		data := param("data", dtype, dims(dynamic, []int{2, 16, 38, 50}, 0, 2, 3)...)
		rois := param("rois", dtypes.Float32, dims(dynamic, []int{8, 5}, 0)...)
		pooled, _ := graph.RoiPooling(data, rois, 7, 7, 1.0/16)
		node, _ = pooled.MultiOutputNode()
		names = []string{"data", "rois"}

	case graph.NodeTypeRoiUnpooling:
		feat := param("feat", dtype, dims(dynamic, []int{8, 16, 7, 7}, 0)...)
		rois := param("rois", dtypes.Float32, dims(dynamic, []int{8, 5}, 0)...)
		node = graph.RoiUnpooling(feat, rois, 38, 50, 1.0/16, 2)
		names = []string{"feat", "rois"}

	default:
		panic(fmt.Sprintf("no sample for node type %q", nodeType))
	}

	outputShapes := node.OutputShapes()
	vjps := make([]*graph.Node, len(outputShapes))
	for ii, shape := range outputShapes {
		vjps[ii] = graph.Parameter(g, fmt.Sprintf("%s/vjp_%d", nodeType, ii), shape)
	}
	return sample{
		request:    gradients.Request{Node: node, VJPOutputs: vjps},
		inputNames: names,
	}
}

// buildSamples creates one sample per node type in a new graph.
func buildSamples(nodeTypes []graph.NodeType, dtype dtypes.DType, dynamic bool) []sample {
	g := graph.NewGraph("")
	samples := make([]sample, len(nodeTypes))
	for ii, nodeType := range nodeTypes {
		samples[ii] = buildSample(g, nodeType, dtype, dynamic)
	}
	return samples
}
