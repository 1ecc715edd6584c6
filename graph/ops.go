// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/types/shapes"
)

// Attribute names shared by the basic ops.
const (
	AttrName  = "name"
	AttrStart = "start"
	AttrEnd   = "end"
)

// Parameter creates an input parameter for the computation, with the given unique name and shape.
// The shape may be partially defined.
func Parameter(g *Graph, name string, shape shapes.Shape) *Node {
	if name == "" {
		exceptions.Panicf("Parameter() requires a name")
	}
	return NewNode(g, NodeTypeParameter).
		Attr(AttrName, name).
		Output(shape).
		Done()
}

// Const creates a constant node with the given value. Value can be a Go scalar or a non-empty slice
// (rank-1) of a type supported by dtypes, e.g.: `Const(g, []int32{10, 20})`.
func Const(g *Graph, value any) *Node {
	v := reflect.ValueOf(value)
	if !v.IsValid() {
		exceptions.Panicf("Const(g, nil) is not supported")
	}
	elemType := v.Type()
	var dims []int
	if v.Kind() == reflect.Slice {
		if v.Len() == 0 {
			exceptions.Panicf("Const() of an empty slice (%T) is not supported", value)
		}
		dims = []int{v.Len()}
		elemType = elemType.Elem()
		// Copy, so later changes to the caller's slice don't affect the constant.
		cloned := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(cloned, v)
		value = cloned.Interface()
	}
	dtype := dtypes.FromGoType(elemType)
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("Const() of unsupported type %T", value)
	}
	b := NewNode(g, NodeTypeConstant).Output(shapes.Make(dtype, dims...))
	b.constValue = value
	return b.Done()
}

// ConstShape creates an Int32 constant with the given dimensions, as used by ops that take shapes or sizes
// as tensors (e.g. the size of ResizeBilinear).
func ConstShape(g *Graph, dimensions []int) *Node {
	values := make([]int32, len(dimensions))
	for ii, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("ConstShape(%v): dimensions must be known and > 0", dimensions)
		}
		values[ii] = int32(dim)
	}
	return Const(g, values)
}

// Shape returns the shape of x queried at runtime, as an Int32 tensor of shape `[x.Rank()]`.
//
// Use it when x's static shape is not fully defined. If it is, ConstShape(g, x.Shape().Dimensions) is
// equivalent and can be simplified further by the backend.
func Shape(x *Node) *Node {
	x.AssertValid()
	if x.Rank() == 0 {
		exceptions.Panicf("Shape(%s): the shape of a scalar is empty, and empty tensors are not supported", x)
	}
	return NewNode(x.Graph(), NodeTypeShape).
		Inputs(x).
		Output(shapes.Make(dtypes.Int32, x.Rank())).
		Done()
}

// Slice returns the elements [start, end) of the rank-1 tensor x.
// It follows Go slicing rules, except the resulting slice can't be empty.
func Slice(x *Node, start, end int) *Node {
	x.AssertValid()
	shapes.AssertRank(x, 1)
	dim := x.Shape().Dim(0)
	if start < 0 || start >= end || (dim != shapes.UnknownDim && end > dim) {
		exceptions.Panicf("Slice(%s, %d, %d): invalid range", x, start, end)
	}
	return NewNode(x.Graph(), NodeTypeSlice).
		Inputs(x).
		Attr(AttrStart, start).
		Attr(AttrEnd, end).
		Output(shapes.Make(x.DType(), end-start)).
		Done()
}

// staticIntValues returns the values of x, if x is a rank-1 integer constant, a Shape or a Slice of those, or nil
// otherwise. Values taken from a Shape may be shapes.UnknownDim.
// It's used to infer output shapes of ops that take sizes as tensors.
func staticIntValues(x *Node) []int {
	switch x.Type() {
	case NodeTypeConstant:
		v := reflect.ValueOf(x.constValue)
		if v.Kind() != reflect.Slice {
			return nil
		}
		values := make([]int, v.Len())
		for ii := range values {
			elem := v.Index(ii)
			switch {
			case elem.CanInt():
				values[ii] = int(elem.Int())
			case elem.CanUint():
				values[ii] = int(elem.Uint())
			default:
				return nil
			}
		}
		return values
	case NodeTypeSlice:
		values := staticIntValues(x.inputNodes[0])
		if values == nil {
			return nil
		}
		return slices.Clone(values[x.AttrInt(AttrStart):x.AttrInt(AttrEnd)])
	case NodeTypeShape:
		return slices.Clone(x.inputNodes[0].Shape().Dimensions)
	}
	return nil
}

// staticDims is like staticIntValues, but returns `length` UnknownDim values if x is not static.
func staticDims(x *Node, length int) []int {
	values := staticIntValues(x)
	if len(values) == length {
		return values
	}
	dims := make([]int, length)
	for ii := range dims {
		dims[ii] = shapes.UnknownDim
	}
	return dims
}
