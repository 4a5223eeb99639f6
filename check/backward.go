// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package check

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/gomlx/normcheck/types/shapes"
)

// zeroGradEpsilon bounds the reported parameter gradients of an empty tensor:
// with nothing to reduce, diffScale/diffShift must come out (near-)zero.
const zeroGradEpsilon = 1e-7

// Backward verifies the backward pass of a batch-normalization primitive.
//
// Per channel it recomputes the parameter gradients
//
//	diffScale[c] = invStd[c] · Σ (src-mean[c])·diffDst
//	diffShift[c] = Σ diffDst
//
// and compares them against the reported ones when cfg.Backward ==
// BackwardAll. It then recomputes the input gradient element-wise: diffDst,
// minus the batch-statistics correction term when the statistics were
// computed from the batch (supplied statistics are constants, their gradient
// contribution is zero), scaled by gamma·invStd.
//
// Mean and variance must be the forward-pass statistics the primitive used;
// the checker never recomputes them here.
//
// For an empty shape with BackwardAll the reported diffScale/diffShift must
// be within zeroGradEpsilon of zero; no other comparison is made.
func Backward(cfg Config, buf BackwardBuffers) *Report {
	cfg.checkPreconditions()
	if shapes.Quantized(cfg.Shape.DType) {
		exceptions.Panicf("check.Backward(%s): quantized dtypes are forward-inference only", cfg)
	}
	validateBackwardBuffers(cfg, buf)
	klog.V(1).Infof("check.Backward: %s kind=%s", cfg, cfg.Backward)

	report := newReport(cfg)
	s := cfg.Shape
	if s.IsEmpty() {
		if cfg.Backward == BackwardAll {
			for c := 0; c < s.Channels; c++ {
				report.compare(KindDiffScale, c, Coord{C: c}, float64(buf.DiffScale[c]), 0, zeroGradEpsilon, 1)
				report.compare(KindDiffShift, c, Coord{C: c}, float64(buf.DiffShift[c]), 0, zeroGradEpsilon, 1)
			}
		}
		if !report.Passed() {
			klog.Warningf("check.Backward failed: %v", report.Err())
		}
		return report
	}

	eps := cfg.compareEpsilon()
	spatial := float64(s.SpatialSize())

	pool.For(s.Channels, func(c int) {
		mean := float64(buf.Mean[c])
		variance := float64(buf.Variance[c])
		invStd := 1 / math.Sqrt(variance+cfg.Epsilon)
		gamma := 1.0
		if cfg.HasAffine {
			gamma = float64(buf.Scale[c])
		}

		residuals := gatherChannel(buf.Src, c)
		floats.AddConst(-mean, residuals)
		diffDst := gatherChannel(buf.DiffDst, c)
		diffScale := invStd * floats.Dot(residuals, diffDst)
		diffShift := floats.Sum(diffDst)

		if cfg.Backward == BackwardAll {
			report.compare(KindDiffScale, c, Coord{C: c}, float64(buf.DiffScale[c]), diffScale, eps, ParamGradFloor)
			report.compare(KindDiffShift, c, Coord{C: c}, float64(buf.DiffShift[c]), diffShift, eps, ParamGradFloor)
		}

		// residuals and diffDst follow the same (n, d, h, w) nesting as the
		// loops below; k tracks the shared position.
		k := 0
		for n := 0; n < s.Batch; n++ {
			for d := 0; d < s.Depth; d++ {
				for h := 0; h < s.Height; h++ {
					for w := 0; w < s.Width; w++ {
						want := diffDst[k]
						if cfg.ComputeStats {
							want -= diffShift/spatial + residuals[k]*diffScale*invStd/spatial
						}
						want *= gamma * invStd
						got := buf.DiffSrc.Load(n, c, d, h, w)
						report.compare(KindDiffSrc, c, Coord{n, c, d, h, w}, got, want, eps, OutputFloor)
						k++
					}
				}
			}
		}
	})

	if !report.Passed() {
		klog.Warningf("check.Backward failed: %v", report.Err())
	}
	return report
}

// validateBackwardBuffers fails fast on buffers that don't match the config.
func validateBackwardBuffers(cfg Config, buf BackwardBuffers) {
	if buf.Src == nil || buf.DiffDst == nil || buf.DiffSrc == nil {
		exceptions.Panicf("check.Backward(%s): src, diffDst and diffSrc buffers are required", cfg)
	}
	if buf.Src.Shape() != cfg.Shape || buf.DiffDst.Shape() != cfg.Shape || buf.DiffSrc.Shape() != cfg.Shape {
		exceptions.Panicf("check.Backward(%s): operand shapes don't match the config", cfg)
	}
	if buf.Src.Layout().Format != cfg.DataFormat {
		exceptions.Panicf("check.Backward(%s): src format %s doesn't match the config",
			cfg, buf.Src.Layout().Format)
	}
	if buf.DiffDst.Layout().Format != cfg.DiffFormat || buf.DiffSrc.Layout().Format != cfg.DiffFormat {
		exceptions.Panicf("check.Backward(%s): diffDst/diffSrc formats (%s, %s) don't match the config",
			cfg, buf.DiffDst.Layout().Format, buf.DiffSrc.Layout().Format)
	}
	channels := cfg.Shape.Channels
	if !cfg.Shape.IsEmpty() && (len(buf.Mean) < channels || len(buf.Variance) < channels) {
		exceptions.Panicf("check.Backward(%s): forward-pass mean/variance with %d channels are required", cfg, channels)
	}
	if cfg.HasAffine && len(buf.Scale) < channels {
		exceptions.Panicf("check.Backward(%s): scale buffer with %d channels is required", cfg, channels)
	}
	if cfg.Backward == BackwardAll && (len(buf.DiffScale) < channels || len(buf.DiffShift) < channels) {
		exceptions.Panicf("check.Backward(%s): diffScale/diffShift buffers with %d channels are required", cfg, channels)
	}
}
