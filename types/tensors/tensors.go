// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors provides the flat, layout-addressed buffers consumed by the
// batch-normalization checker.
//
// A Tensor owns a flat slice of its dtype ([]float32, []float16.Float16,
// []int8 or []uint8) sized to Layout.PaddedSize(), so blocked formats include
// their channel-padding slots. All element access goes through the Layout;
// values are loaded and stored as float64 so both engines can do their math
// in one type regardless of the storage dtype.
package tensors

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/gomlx/normcheck/types/layouts"
	"github.com/gomlx/normcheck/types/shapes"
)

// Tensor is a logical shape bound to a physical layout and a flat buffer.
type Tensor struct {
	shape  shapes.Shape
	layout layouts.Layout
	flat   any // Slice of the dtype's Go type, len == layout.PaddedSize().
}

// New allocates a zero-filled Tensor of shape in the given format.
func New(shape shapes.Shape, format layouts.Format) *Tensor {
	layout := layouts.FromFormat(format, shape)
	size := layout.PaddedSize()
	var flat any
	switch shape.DType {
	case dtypes.Float32:
		flat = make([]float32, size)
	case dtypes.Float16:
		flat = make([]float16.Float16, size)
	case dtypes.Int8:
		flat = make([]int8, size)
	case dtypes.Uint8:
		flat = make([]uint8, size)
	default:
		exceptions.Panicf("tensors.New(%s): dtype not supported", shape)
	}
	return &Tensor{shape: shape, layout: layout, flat: flat}
}

// FromFlat wraps an existing flat buffer. The slice type must match the
// shape's dtype and its length must be layout.PaddedSize().
func FromFlat(shape shapes.Shape, format layouts.Format, flat any) *Tensor {
	layout := layouts.FromFormat(format, shape)
	var length int
	switch data := flat.(type) {
	case []float32:
		if shape.DType != dtypes.Float32 {
			exceptions.Panicf("tensors.FromFlat(%s): []float32 buffer for dtype %s", shape, shape.DType)
		}
		length = len(data)
	case []float16.Float16:
		if shape.DType != dtypes.Float16 {
			exceptions.Panicf("tensors.FromFlat(%s): []float16.Float16 buffer for dtype %s", shape, shape.DType)
		}
		length = len(data)
	case []int8:
		if shape.DType != dtypes.Int8 {
			exceptions.Panicf("tensors.FromFlat(%s): []int8 buffer for dtype %s", shape, shape.DType)
		}
		length = len(data)
	case []uint8:
		if shape.DType != dtypes.Uint8 {
			exceptions.Panicf("tensors.FromFlat(%s): []uint8 buffer for dtype %s", shape, shape.DType)
		}
		length = len(data)
	default:
		exceptions.Panicf("tensors.FromFlat(%s): unsupported buffer type %T", shape, flat)
	}
	if length != layout.PaddedSize() {
		exceptions.Panicf("tensors.FromFlat(%s, %s): buffer has %d elements, layout needs %d",
			shape, format, length, layout.PaddedSize())
	}
	return &Tensor{shape: shape, layout: layout, flat: flat}
}

// Shape returns the logical shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Layout returns the physical layout.
func (t *Tensor) Layout() layouts.Layout { return t.layout }

// Flat returns the backing buffer, padding slots included.
func (t *Tensor) Flat() any { return t.flat }

// Load reads the element at the logical coordinate as float64.
func (t *Tensor) Load(n, c, d, h, w int) float64 {
	idx := t.layout.Offset(n, c, d, h, w)
	switch data := t.flat.(type) {
	case []float32:
		return float64(data[idx])
	case []float16.Float16:
		return float64(data[idx].Float32())
	case []int8:
		return float64(data[idx])
	case []uint8:
		return float64(data[idx])
	}
	return 0 // Unreachable, flat is validated on construction.
}

// Store writes value at the logical coordinate, converting to the storage
// dtype. Integer dtypes round and saturate, mirroring what a compute engine
// does when it narrows its f32 accumulator to the output type.
func (t *Tensor) Store(n, c, d, h, w int, value float64) {
	idx := t.layout.Offset(n, c, d, h, w)
	switch data := t.flat.(type) {
	case []float32:
		data[idx] = float32(value)
	case []float16.Float16:
		data[idx] = float16.Fromfloat32(float32(value))
	case []int8:
		data[idx] = int8(RoundSaturate(dtypes.Int8, value))
	case []uint8:
		data[idx] = uint8(RoundSaturate(dtypes.Uint8, value))
	}
}

// RoundSaturate rounds value to the nearest integer and clamps it to the
// representable range of dtype. Out-of-range values saturate to the range
// limits, they never wrap. Panics for non-integer dtypes.
func RoundSaturate(dtype dtypes.DType, value float64) float64 {
	var lowest, highest float64
	switch dtype {
	case dtypes.Int8:
		lowest, highest = math.MinInt8, math.MaxInt8
	case dtypes.Uint8:
		lowest, highest = 0, math.MaxUint8
	default:
		exceptions.Panicf("tensors.RoundSaturate(%s): not an integer dtype", dtype)
	}
	value = math.RoundToEven(value)
	if value < lowest {
		return lowest
	}
	if value > highest {
		return highest
	}
	return value
}

// FillRandom fills the logical elements with deterministic pseudo-random
// values from rng, leaving padding slots at zero. Float dtypes get values in
// [-16, 16), integer dtypes use their full representable range.
func (t *Tensor) FillRandom(rng *rand.Rand) {
	s := t.shape
	for n := 0; n < s.Batch; n++ {
		for c := 0; c < s.Channels; c++ {
			for d := 0; d < s.Depth; d++ {
				for h := 0; h < s.Height; h++ {
					for w := 0; w < s.Width; w++ {
						var value float64
						switch s.DType {
						case dtypes.Int8:
							value = float64(rng.IntN(256) - 128)
						case dtypes.Uint8:
							value = float64(rng.IntN(256))
						default:
							value = rng.Float64()*32 - 16
						}
						t.Store(n, c, d, h, w, value)
					}
				}
			}
		}
	}
}
