// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrad

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/graph"
)

// Kernels is the collection of numeric kernels the gradient functions dispatch to: one per forward image
// op (two for CropAndResize). The gradient functions only select the arguments (and whether to call a
// kernel at all): the actual derivatives are computed by the kernels.
//
// GraphKernels is the default implementation. Other implementations may be used to wrap or replace the
// kernels of some ops.
type Kernels interface {
	// ResizeNearestNeighborGrad scatters grads back to the original image size, an Int32 `[2]` tensor.
	ResizeNearestNeighborGrad(grads, size *graph.Node, alignCorners, halfPixelCenters bool) *graph.Node

	// ResizeBilinearGrad distributes grads to the pixels of originalImage each output was interpolated from.
	ResizeBilinearGrad(grads, originalImage *graph.Node, alignCorners, halfPixelCenters bool) *graph.Node

	// CropAndResizeGradImage accumulates grads into an image of shape imageSize (Int32 `[4]`) and dtype.
	CropAndResizeGradImage(grads, boxes, boxIndices, imageSize *graph.Node, dtype dtypes.DType, method string) *graph.Node

	// CropAndResizeGradBoxes computes the gradient with respect to the box coordinates.
	CropAndResizeGradBoxes(grads, image, boxes, boxIndices *graph.Node, method string) *graph.Node

	// ResampleGrad back-propagates grads to originalImage.
	ResampleGrad(grads, originalImage *graph.Node, bicubic, antialias bool) *graph.Node

	// RoiPoolingGrad routes grads to the positions of data recorded in argmax.
	RoiPoolingGrad(data, rois, argmax, grads *graph.Node, pooledHeight, pooledWidth int, spatialScale float32) *graph.Node

	// RoiUnpoolingGrad gathers grads back into the pooled grid of each region of interest of feat.
	RoiUnpoolingGrad(feat, rois, grads *graph.Node, dataHeight, dataWidth int, spatialScale float32, batchSize int) *graph.Node
}

// GraphKernels implements Kernels by adding the corresponding kernel ops to the graph, see
// graph.ResizeBilinearGrad and friends.
type GraphKernels struct{}

var _ Kernels = GraphKernels{}

func (GraphKernels) ResizeNearestNeighborGrad(grads, size *graph.Node, alignCorners, halfPixelCenters bool) *graph.Node {
	return graph.ResizeNearestNeighborGrad(grads, size, alignCorners, halfPixelCenters)
}

func (GraphKernels) ResizeBilinearGrad(grads, originalImage *graph.Node, alignCorners, halfPixelCenters bool) *graph.Node {
	return graph.ResizeBilinearGrad(grads, originalImage, alignCorners, halfPixelCenters)
}

func (GraphKernels) CropAndResizeGradImage(grads, boxes, boxIndices, imageSize *graph.Node, dtype dtypes.DType, method string) *graph.Node {
	return graph.CropAndResizeGradImage(grads, boxes, boxIndices, imageSize, dtype, method)
}

func (GraphKernels) CropAndResizeGradBoxes(grads, image, boxes, boxIndices *graph.Node, method string) *graph.Node {
	return graph.CropAndResizeGradBoxes(grads, image, boxes, boxIndices, method)
}

func (GraphKernels) ResampleGrad(grads, originalImage *graph.Node, bicubic, antialias bool) *graph.Node {
	return graph.ResampleGrad(grads, originalImage, bicubic, antialias)
}

func (GraphKernels) RoiPoolingGrad(data, rois, argmax, grads *graph.Node, pooledHeight, pooledWidth int, spatialScale float32) *graph.Node {
	return graph.RoiPoolingGrad(data, rois, argmax, grads, pooledHeight, pooledWidth, spatialScale)
}

func (GraphKernels) RoiUnpoolingGrad(feat, rois, grads *graph.Node, dataHeight, dataWidth int, spatialScale float32, batchSize int) *graph.Node {
	return graph.RoiUnpoolingGrad(feat, rois, grads, dataHeight, dataWidth, spatialScale, batchSize)
}
