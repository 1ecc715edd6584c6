// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrad

import (
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
)

// cropAndResizeGrad returns the gradients of CropAndResize with respect to (image, boxes, boxIndices, cropSize).
//
// The gradient with respect to the image is only computed if its dtype is eligible, and it needs the full image
// shape (static if known, runtime otherwise). The gradient with respect to the boxes is always computed.
// Box indices and crop size are not differentiable.
func (a *adapters) cropAndResizeGrad(node, v *graph.Node) []gradients.Gradient {
	inputs := node.Inputs()
	image, boxes, boxIndices := inputs[0], inputs[1], inputs[2]
	method := node.AttrString(graph.AttrMethod)

	gradImage := gradients.NoGradient
	if a.eligible(node, image) {
		imageSize := sizeOf(image, 0, image.Rank())
		gradImage = gradients.Of(
			a.kernels.CropAndResizeGradImage(v, boxes, boxIndices, imageSize, node.AttrDType(graph.AttrT), method))
	}
	gradBoxes := gradients.Of(a.kernels.CropAndResizeGradBoxes(v, image, boxes, boxIndices, method))
	return []gradients.Gradient{gradImage, gradBoxes, gradients.NoGradient, gradients.NoGradient}
}
