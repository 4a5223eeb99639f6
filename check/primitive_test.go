// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package check

import (
	"math"
)

// naivePrimitive is a straightforward batch-normalization implementation used
// as the "primitive under test" in these tests. It implements the textbook
// formulas directly, element by element, writing through the tensors' layouts.
type naivePrimitive struct{}

func (naivePrimitive) Forward(cfg Config, buf *ForwardBuffers) error {
	s := cfg.Shape
	spatial := float64(s.SpatialSize())
	for c := 0; c < s.Channels; c++ {
		var mean, variance float64
		if cfg.ComputeStats {
			if spatial > 0 {
				var sum float64
				forEachPosition(cfg, func(n, d, h, w int) {
					sum += buf.Src.Load(n, c, d, h, w)
				})
				mean = sum / spatial
				var sumSq float64
				forEachPosition(cfg, func(n, d, h, w int) {
					diff := buf.Src.Load(n, c, d, h, w) - mean
					sumSq += diff * diff
				})
				variance = sumSq / spatial
			}
			if cfg.Training {
				buf.Mean[c] = float32(mean)
				buf.Variance[c] = float32(variance)
			}
		} else {
			mean = float64(buf.Mean[c])
			variance = float64(buf.Variance[c])
		}
		invStd := 1 / math.Sqrt(variance+cfg.Epsilon)
		forEachPosition(cfg, func(n, d, h, w int) {
			y := (buf.Src.Load(n, c, d, h, w) - mean) * invStd
			if cfg.HasAffine {
				y = float64(buf.Scale[c])*y + float64(buf.Shift[c])
			}
			buf.Dst.Store(n, c, d, h, w, y)
		})
	}
	return nil
}

func (naivePrimitive) Backward(cfg Config, buf *BackwardBuffers) error {
	s := cfg.Shape
	spatial := float64(s.SpatialSize())
	for c := 0; c < s.Channels; c++ {
		var mean, variance float64
		if spatial > 0 {
			mean = float64(buf.Mean[c])
			variance = float64(buf.Variance[c])
		}
		invStd := 1 / math.Sqrt(variance+cfg.Epsilon)
		gamma := 1.0
		if cfg.HasAffine {
			gamma = float64(buf.Scale[c])
		}
		var diffGamma, diffBeta float64
		forEachPosition(cfg, func(n, d, h, w int) {
			dy := buf.DiffDst.Load(n, c, d, h, w)
			diffGamma += (buf.Src.Load(n, c, d, h, w) - mean) * dy
			diffBeta += dy
		})
		diffGamma *= invStd
		if cfg.Backward == BackwardAll {
			buf.DiffScale[c] = float32(diffGamma)
			buf.DiffShift[c] = float32(diffBeta)
		}
		forEachPosition(cfg, func(n, d, h, w int) {
			dx := buf.DiffDst.Load(n, c, d, h, w)
			if cfg.ComputeStats {
				dx -= diffBeta/spatial + (buf.Src.Load(n, c, d, h, w)-mean)*diffGamma*invStd/spatial
			}
			dx *= gamma * invStd
			buf.DiffSrc.Store(n, c, d, h, w, dx)
		})
	}
	return nil
}

// forEachPosition visits every (batch, depth, height, width) position of a
// channel in canonical nesting order.
func forEachPosition(cfg Config, fn func(n, d, h, w int)) {
	s := cfg.Shape
	for n := 0; n < s.Batch; n++ {
		for d := 0; d < s.Depth; d++ {
			for h := 0; h < s.Height; h++ {
				for w := 0; w < s.Width; w++ {
					fn(n, d, h, w)
				}
			}
		}
	}
}
