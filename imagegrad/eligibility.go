// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagegrad

import (
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/graph"
)

// Eligibility is the set of dtypes of an op's differentiable input for which the gradient is computed.
// For other dtypes the gradient function returns gradients.NoGradient for that input, without calling the
// kernel.
type Eligibility struct {
	anyDType bool
	dtypes   []dtypes.DType
}

// AnyDType returns an Eligibility that accepts all dtypes.
func AnyDType() Eligibility {
	return Eligibility{anyDType: true}
}

// OnlyDTypes returns an Eligibility that accepts only the given dtypes.
func OnlyDTypes(dts ...dtypes.DType) Eligibility {
	e := Eligibility{dtypes: slices.Clone(dts)}
	slices.Sort(e.dtypes)
	e.dtypes = slices.Compact(e.dtypes)
	return e
}

// Allows returns whether the gradient is computed for dtype.
func (e Eligibility) Allows(dtype dtypes.DType) bool {
	return e.anyDType || slices.Contains(e.dtypes, dtype)
}

// String implements fmt.Stringer.
func (e Eligibility) String() string {
	if e.anyDType {
		return "any"
	}
	parts := make([]string, len(e.dtypes))
	for ii, dtype := range e.dtypes {
		parts[ii] = dtype.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// DefaultEligibility returns the default eligibility of the differentiable (image or data) input of each of
// the supported ops:
//
//   - ResizeNearestNeighbor: any dtype, it only moves values around.
//   - CropAndResize: Float16, Float32 and Float64.
//   - ResizeBilinear, Resample, RoiPooling and RoiUnpooling: Float32 and Float64.
func DefaultEligibility(nodeType graph.NodeType) Eligibility {
	switch nodeType {
	case graph.NodeTypeResizeNearestNeighbor:
		return AnyDType()
	case graph.NodeTypeCropAndResize:
		return OnlyDTypes(dtypes.Float16, dtypes.Float32, dtypes.Float64)
	default:
		return OnlyDTypes(dtypes.Float32, dtypes.Float64)
	}
}
