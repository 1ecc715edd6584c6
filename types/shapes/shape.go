// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a node in a computation Graph.
// Differently from a concrete tensor, at graph building time some dimensions may not be known
// yet: those are marked with UnknownDim, and the shape is said to be "partially defined".
// Gradient functions use the static shape when it is fully defined, and otherwise fall back to
// querying the shape at runtime (see graph.Shape).
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: is the index of a dimension on a multidimensional tensor.
//   - Dimension: the size of a multi-dimensions tensor in one of its axes. It may be UnknownDim.
//   - DType: the data type of the unit element in a tensor. Enumeration defined in github.com/gomlx/gopjrt/dtypes
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//
// Example: an image batch with unknown batch size, 10x20 pixels and 3 channels has shape
// `(Float32)[? 10 20 3]`, and is created with `shapes.MakePartial(dtypes.Float32, shapes.UnknownDim, 10, 20, 3)`.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// UnknownDim marks a dimension that is not known at graph building time.
const UnknownDim = int(-1)

// Shape represents the shape of the value of a computation node.
//
// Use Make or MakePartial to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a fully defined Shape with the values given.
// It panics if any of the dimensions is <= 0: see MakePartial for shapes with unknown dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakePartial returns a Shape where some dimensions may be UnknownDim.
func MakePartial(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.MakePartial(%s): dimensions must be > 0 or UnknownDim", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.adjustAxis("Dim", axis)]
}

func (s Shape) adjustAxis(method string, axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.%s(%d) out-of-bounds for rank %d (shape=%s)", method, axis, s.Rank(), s)
	}
	return adjustedAxis
}

// IsKnown returns whether the dimension of the given axis is known. Negative axes count from the end.
func (s Shape) IsKnown(axis int) bool {
	return s.Dim(axis) != UnknownDim
}

// IsFullyDefined returns whether all dimensions are known.
// An invalid shape is never fully defined.
func (s Shape) IsFullyDefined() bool {
	return s.Ok() && !slices.Contains(s.Dimensions, UnknownDim)
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape. Unknown dimensions are printed as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts[ii] = "?"
		} else {
			parts[ii] = strconv.Itoa(dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// It panics if the shape is not fully defined.
func (s Shape) Size() (size int) {
	if !s.IsFullyDefined() {
		exceptions.Panicf("Shape.Size() of partially defined shape %s", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
// It panics if the shape is not fully defined.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// SubShape returns the shape with the dimensions of the axes in the range [from, to), and the same DType.
// It follows Go slicing rules, and panics for out-of-bounds ranges.
func (s Shape) SubShape(from, to int) Shape {
	if from < 0 || to > s.Rank() || from > to {
		exceptions.Panicf("Shape.SubShape(%d, %d) out-of-bounds for shape %s", from, to, s)
	}
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions[from:to])}
}

// WithDType returns a copy of the shape with the DType replaced.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
// Unknown dimensions are only equal to other unknown dimensions: see Compatible.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.Rank() == s2.Rank() && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Compatible returns whether the two shapes could describe the same value once all
// dimensions are known: same dtype, same rank, and every pair of dimensions either equal or
// one of them unknown.
func (s Shape) Compatible(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for ii, dim := range s.Dimensions {
		dim2 := s2.Dimensions[ii]
		if dim != dim2 && dim != UnknownDim && dim2 != UnknownDim {
			return false
		}
	}
	return true
}

// Merge returns the most defined shape that is compatible with both s1 and s2.
// It returns an error if they are not compatible.
func Merge(s1, s2 Shape) (Shape, error) {
	if !s1.Compatible(s2) {
		return Invalid(), errors.Errorf("shapes %s and %s are not compatible", s1, s2)
	}
	merged := s1.Clone()
	for ii, dim := range merged.Dimensions {
		if dim == UnknownDim {
			merged.Dimensions[ii] = s2.Dimensions[ii]
		}
	}
	return merged, nil
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}
