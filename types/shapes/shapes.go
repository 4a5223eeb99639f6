// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the logical Shape of the operands handled by the
// batch-normalization checker.
//
// A Shape is always expressed as the 5 logical extents (batch, channels,
// depth, height, width) plus the element DType. Lower-rank data uses 1 for
// the unused spatial extents: a 4D image batch has Depth==1, and plain
// (batch, channels) data has Depth==Height==Width==1.
//
// Statistics (mean, variance) and affine parameters are per-channel vectors
// and don't carry a Shape of their own; they are indexed by the channel axis
// of the Shape they belong to.
//
// DType is the enumeration from github.com/gomlx/gopjrt/dtypes. Only the
// subset relevant to batch normalization is supported, see Supported.
package shapes

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a batch-normalization operand.
//
// Use Make to create a validated Shape. The zero value is not valid.
type Shape struct {
	DType dtypes.DType

	Batch, Channels      int
	Depth, Height, Width int
}

// Make returns a Shape with the given extents, after validating them.
//
// Extents must be non-negative: zero extents are accepted and yield an empty
// shape (Size() == 0), which is a valid degenerate case for the checker, not
// an error. It panics on negative extents or unsupported dtypes.
func Make(dtype dtypes.DType, batch, channels, depth, height, width int) Shape {
	s := Shape{
		DType:    dtype,
		Batch:    batch,
		Channels: channels,
		Depth:    depth,
		Height:   height,
		Width:    width,
	}
	if !Supported(dtype) {
		exceptions.Panicf("shapes.Make(%s): dtype not supported by the batch-normalization checker", dtype)
	}
	for _, extent := range []int{batch, channels, depth, height, width} {
		if extent < 0 {
			exceptions.Panicf("shapes.Make(%s): negative extent in %s", dtype, s)
		}
	}
	return s
}

// Make4D is a convenience for image-shaped (batch, channels, height, width) data.
func Make4D(dtype dtypes.DType, batch, channels, height, width int) Shape {
	return Make(dtype, batch, channels, 1, height, width)
}

// Make2D is a convenience for plain (batch, channels) data.
func Make2D(dtype dtypes.DType, batch, channels int) Shape {
	return Make(dtype, batch, channels, 1, 1, 1)
}

// Supported reports whether the checker handles the given dtype.
func Supported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float16, dtypes.Int8, dtypes.Uint8:
		return true
	}
	return false
}

// Quantized reports whether dtype is a low-precision integer type whose
// reference values go through round+saturate before comparison.
func Quantized(dtype dtypes.DType) bool {
	return dtype == dtypes.Int8 || dtype == dtypes.Uint8
}

// Size returns the number of logical elements, ignoring any layout padding.
func (s Shape) Size() int {
	return s.Batch * s.Channels * s.Depth * s.Height * s.Width
}

// SpatialSize returns the number of elements reduced per channel when
// computing statistics: batch·depth·height·width.
func (s Shape) SpatialSize() int {
	return s.Batch * s.Depth * s.Height * s.Width
}

// IsEmpty reports whether the shape holds no elements.
func (s Shape) IsEmpty() bool { return s.Size() == 0 }

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("(%s)[mb=%d c=%d d=%d h=%d w=%d]",
		s.DType, s.Batch, s.Channels, s.Depth, s.Height, s.Width)
}
