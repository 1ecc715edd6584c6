// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/types/shapes"
)

// File with the forward image ops. Images are laid out as `[batch, height, width, channels]`, except for the
// region-of-interest ops, which use `[batch, channels, height, width]`.

const (
	NodeTypeResizeNearestNeighbor NodeType = "ResizeNearestNeighbor"
	NodeTypeResizeBilinear        NodeType = "ResizeBilinear"
	NodeTypeCropAndResize         NodeType = "CropAndResize"
	NodeTypeResample              NodeType = "Resample"
	NodeTypeRoiPooling            NodeType = "RoiPooling"
	NodeTypeRoiUnpooling          NodeType = "RoiUnpooling"
)

// Attribute names of the image ops.
const (
	AttrAlignCorners       = "align_corners"
	AttrHalfPixelCenters   = "half_pixel_centers"
	AttrT                  = "T"
	AttrMethod             = "method"
	AttrExtrapolationValue = "extrapolation_value"
	AttrBicubic            = "bicubic"
	AttrAntialias          = "antialias"
	AttrPooledHeight       = "pooled_height"
	AttrPooledWidth        = "pooled_width"
	AttrSpatialScale       = "spatial_scale"
	AttrDataHeight         = "data_height"
	AttrDataWidth          = "data_width"
	AttrBatchSize          = "batch_size"
)

// Sampling methods accepted by CropAndResize.
const (
	CropMethodBilinear = "bilinear"
	CropMethodNearest  = "nearest"
)

// assertImage checks x is a rank-4 image batch.
func assertImage(op NodeType, name string, x *Node) {
	x.AssertValid()
	if err := x.Shape().CheckRank(4); err != nil {
		exceptions.Panicf("%s: %s must be rank-4: %+v", op, name, err)
	}
}

// assertSize checks x is an Int32 tensor of shape [2] holding a (height, width) pair.
func assertSize(op NodeType, name string, x *Node) {
	x.AssertValid()
	if err := x.Shape().Check(dtypes.Int32, 2); err != nil {
		exceptions.Panicf("%s: %s must be an Int32 tensor of shape [2]: %+v", op, name, err)
	}
}

// assertBoxes checks boxes is Float32 `[numBoxes, boxSize]`, and returns numBoxes.
func assertBoxes(op NodeType, boxes *Node, boxSize int) int {
	boxes.AssertValid()
	if err := boxes.Shape().Check(dtypes.Float32, shapes.UncheckedAxis, boxSize); err != nil {
		exceptions.Panicf("%s: boxes must be Float32 of shape [num_boxes, %d]: %+v", op, boxSize, err)
	}
	return boxes.Shape().Dim(0)
}

// ResizeConfig is created with Resize and then actually built with a call to Done.
//
// Between the its construction and building one can set the various parameters for the resizing.
type ResizeConfig struct {
	images, size                               *Node
	isBilinear, alignCorners, halfPixelCenters bool
}

// Resize the spatial axes (1 and 2) of the images `[batch, height, width, channels]` to the given size, an Int32
// tensor of shape `[2]` with the new (height, width). If size is a constant, the output shape is statically known.
//
// Example:
//
//	images := Parameter(g, "images", shapes.MakePartial(dtypes.Float32, shapes.UnknownDim, 10, 20, 3))
//	resized := Resize(images, ConstShape(g, []int{5, 5})).Bilinear().AlignCorners(true).Done()
//	// resized.Shape() is `(Float32)[? 5 5 3]`
//
// The default is bilinear resizing, with AlignCorners and HalfPixelCenters false.
func Resize(images, size *Node) *ResizeConfig {
	return &ResizeConfig{images: images, size: size, isBilinear: true}
}

// Bilinear configures the resizing to be bilinear (as opposed to nearest). This is the default.
//
// The output of a bilinear resize is always Float32, whatever the dtype of the images.
func (c *ResizeConfig) Bilinear() *ResizeConfig {
	c.isBilinear = true
	return c
}

// Nearest configures the resizing to use the nearest neighbor. The output has the same dtype as the images.
func (c *ResizeConfig) Nearest() *ResizeConfig {
	c.isBilinear = false
	return c
}

// AlignCorners configures whether the centers of the 4 corner pixels of the input and output are aligned,
// preserving the values at the corner pixels. Default is false.
//
// One cannot select both, HalfPixelCenters(true) and AlignCorners(true).
func (c *ResizeConfig) AlignCorners(alignCorners bool) *ResizeConfig {
	c.alignCorners = alignCorners
	return c
}

// HalfPixelCenters configures whether pixel centers are assumed to be at (0.5, 0.5). Default is false.
func (c *ResizeConfig) HalfPixelCenters(halfPixelCenters bool) *ResizeConfig {
	c.halfPixelCenters = halfPixelCenters
	return c
}

// Done creates the resize node and returns it.
func (c *ResizeConfig) Done() *Node {
	nodeType := NodeTypeResizeNearestNeighbor
	if c.isBilinear {
		nodeType = NodeTypeResizeBilinear
	}
	if c.alignCorners && c.halfPixelCenters {
		exceptions.Panicf("invalid %s configuration, one cannot set alignCorners and halfPixelCenters "+
			"to true at the same time", nodeType)
	}
	assertImage(nodeType, "images", c.images)
	assertSize(nodeType, "size", c.size)
	imagesShape := c.images.Shape()
	dtype := imagesShape.DType
	if c.isBilinear {
		dtype = dtypes.Float32
	}
	newSize := staticDims(c.size, 2)
	outputShape := shapes.MakePartial(dtype, imagesShape.Dim(0), newSize[0], newSize[1], imagesShape.Dim(3))
	return NewNode(c.images.Graph(), nodeType).
		Inputs(c.images, c.size).
		Attr(AttrAlignCorners, c.alignCorners).
		Attr(AttrHalfPixelCenters, c.halfPixelCenters).
		Output(outputShape).
		Done()
}

// CropAndResizeConfig is created with CropAndResize and then actually built with a call to Done.
type CropAndResizeConfig struct {
	image, boxes, boxIndices, cropSize *Node
	method                             string
	extrapolationValue                 float32
}

// CropAndResize extracts crops from the image `[batch, height, width, channels]` and resizes them to cropSize.
//
//   - boxes: Float32 `[num_boxes, 4]`, each box given by its normalized `[y1, x1, y2, x2]` coordinates.
//   - boxIndices: Int32 `[num_boxes]` with the index of the image in the batch each box refers to.
//   - cropSize: Int32 `[2]` with the (crop_height, crop_width) of the crops.
//
// The output is Float32 `[num_boxes, crop_height, crop_width, channels]`. The default method is
// CropMethodBilinear, with an extrapolation value of 0.
func CropAndResize(image, boxes, boxIndices, cropSize *Node) *CropAndResizeConfig {
	return &CropAndResizeConfig{
		image:      image,
		boxes:      boxes,
		boxIndices: boxIndices,
		cropSize:   cropSize,
		method:     CropMethodBilinear,
	}
}

// Method sets the sampling method, either CropMethodBilinear (default) or CropMethodNearest.
func (c *CropAndResizeConfig) Method(method string) *CropAndResizeConfig {
	c.method = method
	return c
}

// ExtrapolationValue is used for the crop values that fall outside the image. Default is 0.
func (c *CropAndResizeConfig) ExtrapolationValue(value float32) *CropAndResizeConfig {
	c.extrapolationValue = value
	return c
}

// Done creates the CropAndResize node and returns it.
func (c *CropAndResizeConfig) Done() *Node {
	op := NodeTypeCropAndResize
	if c.method != CropMethodBilinear && c.method != CropMethodNearest {
		exceptions.Panicf("%s: invalid method %q, valid values are %q and %q",
			op, c.method, CropMethodBilinear, CropMethodNearest)
	}
	assertImage(op, "image", c.image)
	numBoxes := assertBoxes(op, c.boxes, 4)
	c.boxIndices.AssertValid()
	indicesShape, err := shapes.Merge(shapes.MakePartial(dtypes.Int32, numBoxes), c.boxIndices.Shape())
	if err != nil {
		exceptions.Panicf("%s: box indices must be Int32 with one entry per box: %+v", op, err)
	}
	numBoxes = indicesShape.Dim(0)
	assertSize(op, "crop size", c.cropSize)
	cropDims := staticDims(c.cropSize, 2)
	return NewNode(c.image.Graph(), op).
		Inputs(c.image, c.boxes, c.boxIndices, c.cropSize).
		Attr(AttrT, c.image.DType()).
		Attr(AttrMethod, c.method).
		Attr(AttrExtrapolationValue, c.extrapolationValue).
		Output(shapes.MakePartial(dtypes.Float32, numBoxes, cropDims[0], cropDims[1], c.image.Shape().Dim(3))).
		Done()
}

// Resample resizes the image `[batch, height, width, channels]` to size (Int32 `[2]`) using area-aware
// resampling: bicubic selects the bicubic filter (as opposed to bilinear), and antialias enables filtering
// when downsampling. The output has the same dtype as the image.
func Resample(image, size *Node, bicubic, antialias bool) *Node {
	op := NodeTypeResample
	assertImage(op, "image", image)
	assertSize(op, "size", size)
	newSize := staticDims(size, 2)
	imageShape := image.Shape()
	return NewNode(image.Graph(), op).
		Inputs(image, size).
		Attr(AttrBicubic, bicubic).
		Attr(AttrAntialias, antialias).
		Output(shapes.MakePartial(imageShape.DType, imageShape.Dim(0), newSize[0], newSize[1], imageShape.Dim(3))).
		Done()
}

// RoiPooling max-pools each region of interest of data `[batch, channels, height, width]` into a fixed
// `[pooledHeight, pooledWidth]` grid.
//
// rois is Float32 `[num_rois, 5]`, each row holding `[batch_index, x1, y1, x2, y2]` in the coordinates of the
// original image: spatialScale maps them to data's coordinates (e.g. 1/16 for a feature map with stride 16).
//
// It returns the pooled values `[num_rois, channels, pooledHeight, pooledWidth]`, with the dtype of data,
// and the argmax (Int32, same shape) with the flat position in data each pooled value was taken from. Both are
// outputs of the same multi-output node, see Node.MultiOutputNode.
func RoiPooling(data, rois *Node, pooledHeight, pooledWidth int, spatialScale float32) (pooled, argmax *Node) {
	op := NodeTypeRoiPooling
	assertImage(op, "data", data)
	numRois := assertBoxes(op, rois, 5)
	if pooledHeight <= 0 || pooledWidth <= 0 {
		exceptions.Panicf("%s: pooled size must be > 0, got %dx%d", op, pooledHeight, pooledWidth)
	}
	dataShape := data.Shape()
	pooledShape := shapes.MakePartial(dataShape.DType, numRois, dataShape.Dim(1), pooledHeight, pooledWidth)
	node := NewNode(data.Graph(), op).
		Inputs(data, rois).
		Attr(AttrPooledHeight, pooledHeight).
		Attr(AttrPooledWidth, pooledWidth).
		Attr(AttrSpatialScale, spatialScale).
		Output(pooledShape).
		Output(pooledShape.WithDType(dtypes.Int32)).
		Done()
	outputs := node.Outputs()
	return outputs[0], outputs[1]
}

// RoiUnpooling is the reverse of RoiPooling: it scatters the pooled features feat
// `[num_rois, channels, pooled_height, pooled_width]` back over a feature map of shape
// `[batchSize, channels, dataHeight, dataWidth]`, for the regions of interest rois (see RoiPooling).
// The output has the same dtype as feat.
func RoiUnpooling(feat, rois *Node, dataHeight, dataWidth int, spatialScale float32, batchSize int) *Node {
	op := NodeTypeRoiUnpooling
	assertImage(op, "feat", feat)
	numRois := assertBoxes(op, rois, 5)
	if feat.Shape().IsKnown(0) && numRois != shapes.UnknownDim && feat.Shape().Dim(0) != numRois {
		exceptions.Panicf("%s: feat %s and rois %s have a different number of regions", op, feat.Shape(), rois.Shape())
	}
	if dataHeight <= 0 || dataWidth <= 0 || batchSize <= 0 {
		exceptions.Panicf("%s: data size and batch size must be > 0, got %dx%d and %d",
			op, dataHeight, dataWidth, batchSize)
	}
	featShape := feat.Shape()
	return NewNode(feat.Graph(), op).
		Inputs(feat, rois).
		Attr(AttrDataHeight, dataHeight).
		Attr(AttrDataWidth, dataWidth).
		Attr(AttrSpatialScale, spatialScale).
		Attr(AttrBatchSize, batchSize).
		Output(shapes.MakePartial(featShape.DType, batchSize, featShape.Dim(1), dataHeight, dataWidth)).
		Done()
}
