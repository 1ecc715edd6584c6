// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrad

import (
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
)

// resizeNearestNeighborGrad returns the gradients of ResizeNearestNeighbor with respect to its inputs
// (images, size). The size is not differentiable.
//
// The kernel needs the original (height, width) of the images: it's a constant if known statically, or
// sliced from the runtime shape of the images otherwise.
func (a *adapters) resizeNearestNeighborGrad(node, v *graph.Node) []gradients.Gradient {
	images := node.Inputs()[0]
	if !a.eligible(node, images) {
		return []gradients.Gradient{gradients.NoGradient, gradients.NoGradient}
	}
	alignCorners := node.AttrBool(graph.AttrAlignCorners)
	halfPixelCenters := node.AttrBool(graph.AttrHalfPixelCenters)
	size := sizeOf(images, 1, 3)
	grad := a.kernels.ResizeNearestNeighborGrad(v, size, alignCorners, halfPixelCenters)
	return []gradients.Gradient{gradients.Of(grad), gradients.NoGradient}
}

// resizeBilinearGrad returns the gradients of ResizeBilinear with respect to (images, size).
// The kernel takes the original images themselves, from which it reads the shape and dtype of the result.
func (a *adapters) resizeBilinearGrad(node, v *graph.Node) []gradients.Gradient {
	images := node.Inputs()[0]
	if !a.eligible(node, images) {
		return []gradients.Gradient{gradients.NoGradient, gradients.NoGradient}
	}
	grad := a.kernels.ResizeBilinearGrad(v, images,
		node.AttrBool(graph.AttrAlignCorners), node.AttrBool(graph.AttrHalfPixelCenters))
	return []gradients.Gradient{gradients.Of(grad), gradients.NoGradient}
}

// resampleGrad returns the gradients of Resample with respect to (image, size).
func (a *adapters) resampleGrad(node, v *graph.Node) []gradients.Gradient {
	image := node.Inputs()[0]
	if !a.eligible(node, image) {
		return []gradients.Gradient{gradients.NoGradient, gradients.NoGradient}
	}
	grad := a.kernels.ResampleGrad(v, image, node.AttrBool(graph.AttrBicubic), node.AttrBool(graph.AttrAntialias))
	return []gradients.Gradient{gradients.Of(grad), gradients.NoGradient}
}
