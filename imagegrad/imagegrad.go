// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagegrad defines the gradients of the image ops of package graph: ResizeNearestNeighbor,
// ResizeBilinear, CropAndResize, Resample, RoiPooling and RoiUnpooling.
//
// Each gradient function reads the forward node's inputs and attributes, checks whether the dtype of the
// differentiable input is eligible for a gradient (see Eligibility), works out the auxiliary shapes the kernel
// needs (statically when known, otherwise queried at runtime), and calls the matching kernel (see Kernels).
// It returns one gradients.Gradient per input of the forward node, with gradients.NoGradient for the inputs
// that are not differentiable: sizes, box indices, and for RoiPooling/RoiUnpooling the regions of interest.
//
// The gradients are registered explicitly in a gradients.Registry:
//
//	registry := gradients.NewRegistry()
//	if err := imagegrad.Register(registry); err != nil { ... }
//
// Or, to configure them:
//
//	err := imagegrad.New().
//		AllowDTypes(graph.NodeTypeResizeBilinear, dtypes.Float16, dtypes.Float32, dtypes.Float64).
//		Done(registry)
package imagegrad

import (
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/gradients"
	"github.com/gomlx/imagegrad/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NodeTypes returns the list of node types whose gradients are defined by this package.
func NodeTypes() []graph.NodeType {
	return []graph.NodeType{
		graph.NodeTypeResizeNearestNeighbor,
		graph.NodeTypeResizeBilinear,
		graph.NodeTypeCropAndResize,
		graph.NodeTypeResample,
		graph.NodeTypeRoiPooling,
		graph.NodeTypeRoiUnpooling,
	}
}

// Register the gradients of all the image ops in r, with the default configuration.
func Register(r *gradients.Registry) error {
	return New().Done(r)
}

// Config for the registration of the image gradients. It is created with New, and the gradients are
// registered when Done is called.
type Config struct {
	kernels     Kernels
	eligibility map[graph.NodeType]Eligibility
	nodeTypes   []graph.NodeType
}

// New creates a Config with the default kernels (GraphKernels), the DefaultEligibility of each op, and
// all the image ops (see NodeTypes) selected for registration.
func New() *Config {
	c := &Config{
		kernels:     GraphKernels{},
		eligibility: make(map[graph.NodeType]Eligibility),
		nodeTypes:   NodeTypes(),
	}
	for _, nodeType := range c.nodeTypes {
		c.eligibility[nodeType] = DefaultEligibility(nodeType)
	}
	return c
}

// WithKernels sets the kernels the gradient functions call. Default is GraphKernels.
func (c *Config) WithKernels(kernels Kernels) *Config {
	c.kernels = kernels
	return c
}

// AllowDTypes replaces the eligible dtypes for the differentiable input of nodeType.
func (c *Config) AllowDTypes(nodeType graph.NodeType, dts ...dtypes.DType) *Config {
	c.eligibility[nodeType] = OnlyDTypes(dts...)
	return c
}

// AllowAnyDType makes all dtypes eligible for the differentiable input of nodeType.
func (c *Config) AllowAnyDType(nodeType graph.NodeType) *Config {
	c.eligibility[nodeType] = AnyDType()
	return c
}

// Only restricts the registration to the given node types.
func (c *Config) Only(nodeTypes ...graph.NodeType) *Config {
	c.nodeTypes = slices.Clone(nodeTypes)
	return c
}

// Eligibility returns the configured eligibility for nodeType.
func (c *Config) Eligibility(nodeType graph.NodeType) Eligibility {
	e, found := c.eligibility[nodeType]
	if !found {
		return DefaultEligibility(nodeType)
	}
	return e
}

// Done registers the selected gradients in r.
// It returns an error if the configuration is invalid, or if any of the gradients is already registered.
func (c *Config) Done(r *gradients.Registry) error {
	if c.kernels == nil {
		return errors.New("imagegrad: no kernels configured")
	}
	a := &adapters{kernels: c.kernels, eligibility: maps.Clone(c.eligibility)}
	fns := map[graph.NodeType]gradients.Func{
		graph.NodeTypeResizeNearestNeighbor: gradients.ForSingleOutput(a.resizeNearestNeighborGrad),
		graph.NodeTypeResizeBilinear:        gradients.ForSingleOutput(a.resizeBilinearGrad),
		graph.NodeTypeCropAndResize:         gradients.ForSingleOutput(a.cropAndResizeGrad),
		graph.NodeTypeResample:              gradients.ForSingleOutput(a.resampleGrad),
		graph.NodeTypeRoiPooling:            a.roiPoolingGrad,
		graph.NodeTypeRoiUnpooling:          gradients.ForSingleOutput(a.roiUnpoolingGrad),
	}
	for _, nodeType := range c.nodeTypes {
		if _, found := fns[nodeType]; !found {
			return errors.Errorf("imagegrad: node type %q is not an image op, valid values are %v", nodeType, NodeTypes())
		}
	}
	for _, nodeType := range c.nodeTypes {
		if err := r.Register(nodeType, fns[nodeType]); err != nil {
			return errors.WithMessage(err, "imagegrad")
		}
		klog.V(1).Infof("imagegrad: %s gradient registered, eligible dtypes %s", nodeType, c.Eligibility(nodeType))
	}
	return nil
}

// adapters implements the gradient functions, bound to a configuration.
type adapters struct {
	kernels     Kernels
	eligibility map[graph.NodeType]Eligibility
}

// eligible returns whether the gradient with respect to input of node should be computed.
func (a *adapters) eligible(node, input *graph.Node) bool {
	e, found := a.eligibility[node.Type()]
	if !found {
		e = DefaultEligibility(node.Type())
	}
	if e.Allows(input.DType()) {
		return true
	}
	klog.V(2).Infof("imagegrad: no gradient for %s, input dtype %s not in %s", node, input.DType(), e)
	return false
}

// sizeOf returns the dimensions [from, to) of x as an Int32 tensor: a constant if they are statically known,
// otherwise taken from the shape of x queried at runtime.
func sizeOf(x *graph.Node, from, to int) *graph.Node {
	dims := x.Shape().SubShape(from, to)
	if dims.IsFullyDefined() {
		return graph.ConstShape(x.Graph(), dims.Dimensions)
	}
	klog.V(2).Infof("imagegrad: shape of %s not statically known, querying it at runtime", x)
	shape := graph.Shape(x)
	if from == 0 && to == x.Rank() {
		return shape
	}
	return graph.Slice(shape, from, to)
}
