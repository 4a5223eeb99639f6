// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package check

import (
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/normcheck/types/layouts"
	"github.com/gomlx/normcheck/types/shapes"
	"github.com/gomlx/normcheck/types/tensors"
)

// ForwardVariant is one forward cell of the combinatorial mode space.
type ForwardVariant struct {
	Training     bool
	ComputeStats bool
	HasAffine    bool
}

// BackwardVariant is one backward cell of the combinatorial mode space.
type BackwardVariant struct {
	Kind         BackwardKind
	ComputeStats bool
	HasAffine    bool
}

// ForwardVariants returns the forward modes a primitive is expected to
// support for the given dtype. Float dtypes cover the full training/inference
// × computed/supplied × affine space; quantized dtypes only exist for
// inference with supplied statistics.
func ForwardVariants(dtype dtypes.DType) []ForwardVariant {
	if shapes.Quantized(dtype) {
		return []ForwardVariant{
			{Training: false, ComputeStats: false, HasAffine: false},
			{Training: false, ComputeStats: false, HasAffine: true},
		}
	}
	return []ForwardVariant{
		{Training: true, ComputeStats: true, HasAffine: false},
		{Training: true, ComputeStats: false, HasAffine: false},
		{Training: true, ComputeStats: true, HasAffine: true},
		{Training: true, ComputeStats: false, HasAffine: true},
		{Training: false, ComputeStats: true, HasAffine: false},
		{Training: false, ComputeStats: false, HasAffine: false},
		{Training: false, ComputeStats: true, HasAffine: true},
	}
}

// BackwardVariants returns the backward modes a primitive is expected to
// support for the given dtype; empty for quantized dtypes, which are
// forward-inference only. Parameter gradients (BackwardAll) only make sense
// with affine parameters.
func BackwardVariants(dtype dtypes.DType) []BackwardVariant {
	if shapes.Quantized(dtype) {
		return nil
	}
	return []BackwardVariant{
		{Kind: BackwardData, ComputeStats: true, HasAffine: false},
		{Kind: BackwardData, ComputeStats: false, HasAffine: false},
		{Kind: BackwardData, ComputeStats: true, HasAffine: true},
		{Kind: BackwardData, ComputeStats: false, HasAffine: true},
		{Kind: BackwardAll, ComputeStats: true, HasAffine: true},
		{Kind: BackwardAll, ComputeStats: false, HasAffine: true},
	}
}

// Primitive is the compute engine under validation. Implementations fill the
// output buffers in place: Forward writes dst (and mean/variance in training
// mode with computed statistics), Backward writes diffSrc (and
// diffScale/diffShift for BackwardAll). The checker treats everything the
// primitive wrote as read-only afterwards.
type Primitive interface {
	Forward(cfg Config, buf *ForwardBuffers) error
	Backward(cfg Config, buf *BackwardBuffers) error
}

// Case binds a shape to the layouts and epsilon one grid run uses.
type Case struct {
	Shape      shapes.Shape
	DataFormat layouts.Format
	DiffFormat layouts.Format
	Epsilon    float64

	// Seed for the deterministic input fill; runs are reproducible per seed.
	Seed uint64
}

// RunCase drives primitive through every mode variant of the case's dtype and
// verifies each one. It returns the first verification failure (wrapping the
// failing variant's report) or the first primitive error; nil when every
// variant passes.
func RunCase(primitive Primitive, c Case) error {
	rng := rand.New(rand.NewPCG(c.Seed, 0x6e6f726d)) // "norm"
	channels := c.Shape.Channels

	for _, v := range ForwardVariants(c.Shape.DType) {
		cfg := Config{
			Shape:        c.Shape,
			DataFormat:   c.DataFormat,
			DiffFormat:   c.DiffFormat,
			Epsilon:      c.Epsilon,
			ComputeStats: v.ComputeStats,
			HasAffine:    v.HasAffine,
			Training:     v.Training,
		}
		buf := ForwardBuffers{
			Src: tensors.New(c.Shape, c.DataFormat),
			Dst: tensors.New(c.Shape, c.DataFormat),
		}
		buf.Src.FillRandom(rng)
		if !cfg.ComputeStats {
			buf.Mean, buf.Variance = fillStatistics(rng, channels)
		} else if cfg.Training {
			// Reported statistics, to be written by the primitive.
			buf.Mean = make([]float32, channels)
			buf.Variance = make([]float32, channels)
		}
		if cfg.HasAffine {
			buf.Scale, buf.Shift = fillAffine(rng, channels)
		}
		if err := primitive.Forward(cfg, &buf); err != nil {
			return errors.WithMessagef(err, "primitive forward failed for %s", cfg)
		}
		if err := Forward(cfg, buf).Err(); err != nil {
			return err
		}
		klog.V(1).Infof("check.RunCase: forward %s passed", cfg)
	}

	for _, v := range BackwardVariants(c.Shape.DType) {
		cfg := Config{
			Shape:        c.Shape,
			DataFormat:   c.DataFormat,
			DiffFormat:   c.DiffFormat,
			Epsilon:      c.Epsilon,
			ComputeStats: v.ComputeStats,
			HasAffine:    v.HasAffine,
			Training:     true, // Backward always follows a training forward.
			Backward:     v.Kind,
		}
		buf := BackwardBuffers{
			Src:     tensors.New(c.Shape, c.DataFormat),
			DiffDst: tensors.New(c.Shape, c.DiffFormat),
			DiffSrc: tensors.New(c.Shape, c.DiffFormat),
		}
		buf.Src.FillRandom(rng)
		buf.DiffDst.FillRandom(rng)
		buf.Mean, buf.Variance = fillStatistics(rng, channels)
		if cfg.HasAffine {
			buf.Scale, _ = fillAffine(rng, channels)
		}
		if cfg.Backward == BackwardAll {
			buf.DiffScale = make([]float32, channels)
			buf.DiffShift = make([]float32, channels)
		}
		if err := primitive.Backward(cfg, &buf); err != nil {
			return errors.WithMessagef(err, "primitive backward failed for %s", cfg)
		}
		if err := Backward(cfg, buf).Err(); err != nil {
			return err
		}
		klog.V(1).Infof("check.RunCase: %s %s passed", cfg.Backward, cfg)
	}
	return nil
}

// fillStatistics draws per-channel mean in [-1, 1) and strictly positive
// variance in [0.1, 1.1).
func fillStatistics(rng *rand.Rand, channels int) (mean, variance []float32) {
	mean = make([]float32, channels)
	variance = make([]float32, channels)
	for c := range mean {
		mean[c] = float32(rng.Float64()*2 - 1)
		variance[c] = float32(rng.Float64() + 0.1)
	}
	return
}

// fillAffine draws per-channel scale in [0.5, 1.5) and shift in [-1, 1).
func fillAffine(rng *rand.Rand, channels int) (scale, shift []float32) {
	scale = make([]float32, channels)
	shift = make([]float32, channels)
	for c := range scale {
		scale[c] = float32(rng.Float64() + 0.5)
		shift[c] = float32(rng.Float64()*2 - 1)
	}
	return
}
