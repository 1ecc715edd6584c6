// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrad

import (
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
)

// roiPoolingGrad returns the gradients of RoiPooling with respect to (data, rois).
//
// RoiPooling has two outputs, the pooled values and the argmax. Only the gradient of the pooled values is
// used: the argmax output itself is passed to the kernel, to route each gradient value to where it was
// pooled from. The regions of interest are not differentiable.
func (a *adapters) roiPoolingGrad(node *graph.Node, vjpOutputs []*graph.Node) []gradients.Gradient {
	inputs := node.Inputs()
	data, rois := inputs[0], inputs[1]
	if !a.eligible(node, data) {
		return []gradients.Gradient{gradients.NoGradient, gradients.NoGradient}
	}
	argmax := node.Outputs()[1]
	grad := a.kernels.RoiPoolingGrad(data, rois, argmax, vjpOutputs[0],
		node.AttrInt(graph.AttrPooledHeight), node.AttrInt(graph.AttrPooledWidth),
		node.AttrFloat(graph.AttrSpatialScale))
	return []gradients.Gradient{gradients.Of(grad), gradients.NoGradient}
}

// roiUnpoolingGrad returns the gradients of RoiUnpooling with respect to (feat, rois).
func (a *adapters) roiUnpoolingGrad(node, v *graph.Node) []gradients.Gradient {
	inputs := node.Inputs()
	feat, rois := inputs[0], inputs[1]
	if !a.eligible(node, feat) {
		return []gradients.Gradient{gradients.NoGradient, gradients.NoGradient}
	}
	grad := a.kernels.RoiUnpoolingGrad(feat, rois, v,
		node.AttrInt(graph.AttrDataHeight), node.AttrInt(graph.AttrDataWidth),
		node.AttrFloat(graph.AttrSpatialScale), node.AttrInt(graph.AttrBatchSize))
	return []gradients.Gradient{gradients.Of(grad), gradients.NoGradient}
}
