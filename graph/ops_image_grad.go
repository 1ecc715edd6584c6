// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/types/shapes"
)

// File with the gradient kernel ops of the image ops. Each function records the invocation of the
// corresponding numeric kernel in the graph, and infers the shape of its result. The math is implemented by
// the backend executing the graph.

const (
	NodeTypeResizeNearestNeighborGrad NodeType = "ResizeNearestNeighborGrad"
	NodeTypeResizeBilinearGrad        NodeType = "ResizeBilinearGrad"
	NodeTypeCropAndResizeGradImage    NodeType = "CropAndResizeGradImage"
	NodeTypeCropAndResizeGradBoxes    NodeType = "CropAndResizeGradBoxes"
	NodeTypeResampleGrad              NodeType = "ResampleGrad"
	NodeTypeRoiPoolingGrad            NodeType = "RoiPoolingGrad"
	NodeTypeRoiUnpoolingGrad          NodeType = "RoiUnpoolingGrad"
)

// ResizeNearestNeighborGrad scatters the gradient of a nearest neighbor resize, grads
// `[batch, new_height, new_width, channels]`, back to the original image size (Int32 `[2]`).
// The result is `[batch, size[0], size[1], channels]` with the dtype of grads.
func ResizeNearestNeighborGrad(grads, size *Node, alignCorners, halfPixelCenters bool) *Node {
	op := NodeTypeResizeNearestNeighborGrad
	assertImage(op, "grads", grads)
	assertSize(op, "size", size)
	originalSize := staticDims(size, 2)
	gradsShape := grads.Shape()
	return NewNode(grads.Graph(), op).
		Inputs(grads, size).
		Attr(AttrAlignCorners, alignCorners).
		Attr(AttrHalfPixelCenters, halfPixelCenters).
		Output(shapes.MakePartial(gradsShape.DType, gradsShape.Dim(0), originalSize[0], originalSize[1], gradsShape.Dim(3))).
		Done()
}

// ResizeBilinearGrad distributes the gradient of a bilinear resize, grads (Float32
// `[batch, new_height, new_width, channels]`), to the pixels of originalImage each output was interpolated from.
// The result has the shape and dtype of originalImage, whatever its dtype: which dtypes get a gradient
// is decided by the caller.
func ResizeBilinearGrad(grads, originalImage *Node, alignCorners, halfPixelCenters bool) *Node {
	op := NodeTypeResizeBilinearGrad
	assertImage(op, "grads", grads)
	assertImage(op, "original image", originalImage)
	if grads.DType() != dtypes.Float32 {
		exceptions.Panicf("%s: grads must be Float32, got %s", op, grads.Shape())
	}
	return NewNode(grads.Graph(), op).
		Inputs(grads, originalImage).
		Attr(AttrAlignCorners, alignCorners).
		Attr(AttrHalfPixelCenters, halfPixelCenters).
		Output(originalImage.Shape()).
		Done()
}

// CropAndResizeGradImage accumulates the gradient of CropAndResize, grads (Float32
// `[num_boxes, crop_height, crop_width, channels]`), back into an image of the given imageSize
// (Int32 `[4]`, the full image shape) and dtype.
func CropAndResizeGradImage(grads, boxes, boxIndices, imageSize *Node, dtype dtypes.DType, method string) *Node {
	op := NodeTypeCropAndResizeGradImage
	assertImage(op, "grads", grads)
	assertBoxes(op, boxes, 4)
	imageSize.AssertValid()
	if err := imageSize.Shape().Check(dtypes.Int32, 4); err != nil {
		exceptions.Panicf("%s: image size must be Int32 of shape [4]: %+v", op, err)
	}
	imageDims := staticDims(imageSize, 4)
	if imageDims[3] == shapes.UnknownDim {
		imageDims[3] = grads.Shape().Dim(3)
	}
	return NewNode(grads.Graph(), op).
		Inputs(grads, boxes, boxIndices, imageSize).
		Attr(AttrT, dtype).
		Attr(AttrMethod, method).
		Output(shapes.MakePartial(dtype, imageDims...)).
		Done()
}

// CropAndResizeGradBoxes computes the gradient of CropAndResize with respect to the box coordinates.
// The result has the shape of boxes (Float32 `[num_boxes, 4]`).
func CropAndResizeGradBoxes(grads, image, boxes, boxIndices *Node, method string) *Node {
	op := NodeTypeCropAndResizeGradBoxes
	assertImage(op, "grads", grads)
	assertImage(op, "image", image)
	assertBoxes(op, boxes, 4)
	return NewNode(grads.Graph(), op).
		Inputs(grads, image, boxes, boxIndices).
		Attr(AttrMethod, method).
		Output(boxes.Shape()).
		Done()
}

// ResampleGrad back-propagates the gradient of Resample to its original image.
// The result has the shape of originalImage.
func ResampleGrad(grads, originalImage *Node, bicubic, antialias bool) *Node {
	op := NodeTypeResampleGrad
	assertImage(op, "grads", grads)
	assertImage(op, "original image", originalImage)
	return NewNode(grads.Graph(), op).
		Inputs(grads, originalImage).
		Attr(AttrBicubic, bicubic).
		Attr(AttrAntialias, antialias).
		Output(originalImage.Shape()).
		Done()
}

// RoiPoolingGrad routes each value of grads `[num_rois, channels, pooled_height, pooled_width]` to the exact
// position of data recorded in argmax by the forward RoiPooling, and zero elsewhere.
// The result has the shape of data.
func RoiPoolingGrad(data, rois, argmax, grads *Node, pooledHeight, pooledWidth int, spatialScale float32) *Node {
	op := NodeTypeRoiPoolingGrad
	assertImage(op, "data", data)
	assertBoxes(op, rois, 5)
	argmax.AssertValid()
	if argmax.DType() != dtypes.Int32 || !argmax.Shape().Compatible(grads.Shape().WithDType(dtypes.Int32)) {
		exceptions.Panicf("%s: argmax %s must be Int32 with the shape of grads %s", op, argmax.Shape(), grads.Shape())
	}
	return NewNode(data.Graph(), op).
		Inputs(data, rois, argmax, grads).
		Attr(AttrPooledHeight, pooledHeight).
		Attr(AttrPooledWidth, pooledWidth).
		Attr(AttrSpatialScale, spatialScale).
		Output(data.Shape()).
		Done()
}

// RoiUnpoolingGrad gathers the gradient of RoiUnpooling, grads `[batch_size, channels, data_height, data_width]`,
// back into the pooled grid of each region of interest. The result has the shape of feat.
func RoiUnpoolingGrad(feat, rois, grads *Node, dataHeight, dataWidth int, spatialScale float32, batchSize int) *Node {
	op := NodeTypeRoiUnpoolingGrad
	assertImage(op, "feat", feat)
	assertBoxes(op, rois, 5)
	assertImage(op, "grads", grads)
	return NewNode(feat.Graph(), op).
		Inputs(feat, rois, grads).
		Attr(AttrDataHeight, dataHeight).
		Attr(AttrDataWidth, dataWidth).
		Attr(AttrSpatialScale, spatialScale).
		Attr(AttrBatchSize, batchSize).
		Output(feat.Shape()).
		Done()
}
