// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package check

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/gomlx/normcheck/types/shapes"
	"github.com/gomlx/normcheck/types/tensors"
)

// Forward verifies the forward pass of a batch-normalization primitive: it
// recomputes per-channel mean and variance (or takes them from the supplied
// statistics), normalizes src, applies the affine parameters when configured,
// and compares the result against dst.
//
// In training mode with computed statistics the primitive's reported
// mean/variance are verified as well; in inference mode with computed
// statistics the primitive computes them internally but doesn't expose them,
// so only dst is checked.
//
// Channels are verified in parallel. An empty shape passes trivially.
func Forward(cfg Config, buf ForwardBuffers) *Report {
	cfg.checkPreconditions()
	validateForwardBuffers(cfg, buf)
	klog.V(1).Infof("check.Forward: %s", cfg)

	report := newReport(cfg)
	if cfg.Shape.IsEmpty() {
		return report
	}

	s := cfg.Shape
	eps := cfg.compareEpsilon()
	spatial := float64(s.SpatialSize())
	quantized := shapes.Quantized(s.DType)
	outputFloor := OutputFloor
	if quantized {
		outputFloor = QuantizedFloor
	}
	// Training mode with computed statistics is the only mode where the
	// primitive exposes its batch statistics for comparison.
	checkStats := cfg.ComputeStats && cfg.Training

	pool.For(s.Channels, func(c int) {
		var mean, variance float64
		if cfg.ComputeStats {
			// Pass 1: mean. Pass 2 (variance) needs the finalized mean, the
			// two reductions cannot be fused.
			values := gatherChannel(buf.Src, c)
			mean = floats.Sum(values) / spatial
			if checkStats {
				report.compare(KindMean, c, Coord{C: c}, float64(buf.Mean[c]), mean, eps, StatsFloor)
			}
			floats.AddConst(-mean, values)
			variance = floats.Dot(values, values) / spatial
			if checkStats {
				report.compare(KindVariance, c, Coord{C: c}, float64(buf.Variance[c]), variance, eps, StatsFloor)
			}
		} else {
			mean = float64(buf.Mean[c])
			variance = float64(buf.Variance[c])
		}
		invStd := 1 / math.Sqrt(variance+cfg.Epsilon)

		for n := 0; n < s.Batch; n++ {
			for d := 0; d < s.Depth; d++ {
				for h := 0; h < s.Height; h++ {
					for w := 0; w < s.Width; w++ {
						want := (buf.Src.Load(n, c, d, h, w) - mean) * invStd
						if cfg.HasAffine {
							want = float64(buf.Scale[c])*want + float64(buf.Shift[c])
						}
						if quantized {
							want = tensors.RoundSaturate(s.DType, want)
						}
						got := buf.Dst.Load(n, c, d, h, w)
						report.compare(KindOutput, c, Coord{n, c, d, h, w}, got, want, eps, outputFloor)
					}
				}
			}
		}
	})

	if !report.Passed() {
		klog.Warningf("check.Forward failed: %v", report.Err())
	}
	return report
}

// gatherChannel reads every logical element of channel c into a dense
// []float64, in (batch, depth, height, width) nesting order, resolving the
// physical position of each element through the tensor's layout.
func gatherChannel(t *tensors.Tensor, c int) []float64 {
	s := t.Shape()
	values := make([]float64, 0, s.SpatialSize())
	for n := 0; n < s.Batch; n++ {
		for d := 0; d < s.Depth; d++ {
			for h := 0; h < s.Height; h++ {
				for w := 0; w < s.Width; w++ {
					values = append(values, t.Load(n, c, d, h, w))
				}
			}
		}
	}
	return values
}

// validateForwardBuffers fails fast on buffers that don't match the config.
func validateForwardBuffers(cfg Config, buf ForwardBuffers) {
	if buf.Src == nil || buf.Dst == nil {
		exceptions.Panicf("check.Forward(%s): src and dst buffers are required", cfg)
	}
	if buf.Src.Shape() != cfg.Shape || buf.Dst.Shape() != cfg.Shape {
		exceptions.Panicf("check.Forward(%s): src/dst shapes (%s, %s) don't match the config",
			cfg, buf.Src.Shape(), buf.Dst.Shape())
	}
	if buf.Src.Layout().Format != cfg.DataFormat || buf.Dst.Layout().Format != cfg.DataFormat {
		exceptions.Panicf("check.Forward(%s): src/dst formats (%s, %s) don't match the config",
			cfg, buf.Src.Layout().Format, buf.Dst.Layout().Format)
	}
	needStats := !cfg.ComputeStats || cfg.Training
	if needStats && (len(buf.Mean) < cfg.Shape.Channels || len(buf.Variance) < cfg.Shape.Channels) {
		exceptions.Panicf("check.Forward(%s): mean/variance buffers with %d channels are required",
			cfg, cfg.Shape.Channels)
	}
	if cfg.HasAffine && (len(buf.Scale) < cfg.Shape.Channels || len(buf.Shift) < cfg.Shape.Channels) {
		exceptions.Panicf("check.Forward(%s): scale/shift buffers with %d channels are required",
			cfg, cfg.Shape.Channels)
	}
}
