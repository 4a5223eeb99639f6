// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package check is a correctness oracle for batch-normalization primitives.
//
// Given the input buffers a primitive consumed and the output buffers it
// produced (normalized activations, per-channel statistics, gradients), the
// package independently recomputes the expected values from first principles
// and asserts numerical agreement within a data-dependent tolerance. It never
// executes the primitive itself: the primitive's outputs are fully
// materialized, read-only inputs to the verification.
//
// Forward and Backward are the two entry points. Both are driven by a Config
// record describing the mode being verified (training vs. inference, computed
// vs. supplied statistics, affine parameters, float vs. quantized output,
// data layouts), and both return a Report with every tolerance violation
// found. RunCase enumerates the mode combinations a primitive is expected to
// support for a given shape and data type.
package check

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/normcheck/internal/workerspool"
	"github.com/gomlx/normcheck/types/layouts"
	"github.com/gomlx/normcheck/types/shapes"
	"github.com/gomlx/normcheck/types/tensors"
)

// pool runs per-channel verification work. Channels only touch local
// accumulators and the shared Report (which locks), so no other
// synchronization exists.
var pool = workerspool.New()

// SetMaxParallelism adjusts how many channels are verified concurrently.
// 0 disables parallelism. See workerspool.Pool.SetMaxParallelism.
func SetMaxParallelism(n int) { pool.SetMaxParallelism(n) }

// BackwardKind selects what a backward pass produces.
type BackwardKind int

const (
	// BackwardData computes only the input gradient.
	BackwardData BackwardKind = iota
	// BackwardAll computes the input gradient and the affine parameter
	// gradients (diffScale, diffShift).
	BackwardAll
)

// String implements fmt.Stringer.
func (k BackwardKind) String() string {
	if k == BackwardAll {
		return "backward"
	}
	return "backward_data"
}

// Config describes one batch-normalization mode to verify.
type Config struct {
	Shape shapes.Shape

	// DataFormat is the physical layout of src and dst; DiffFormat of
	// diffDst and diffSrc. They may block channels differently.
	DataFormat, DiffFormat layouts.Format

	// Epsilon is the variance regularizer of the normalization itself, not
	// the comparison tolerance.
	Epsilon float64

	// ComputeStats indicates mean/variance are computed from the batch.
	// When false they are externally supplied inputs.
	ComputeStats bool

	// HasAffine indicates the per-channel scale/shift parameters are applied.
	HasAffine bool

	// Training selects training mode; in training mode with computed
	// statistics the primitive must also expose its mean/variance, and they
	// are verified too.
	Training bool

	// Backward selects the backward flavor; only meaningful for Backward.
	Backward BackwardKind
}

// String implements fmt.Stringer.
func (c Config) String() string {
	mode := "inference"
	if c.Training {
		mode = "training"
	}
	return fmt.Sprintf("%s data=%s diff=%s eps=%g %s computeStats=%t affine=%t",
		c.Shape, c.DataFormat, c.DiffFormat, c.Epsilon, mode, c.ComputeStats, c.HasAffine)
}

// compareEpsilon is the tolerance used for every scalar comparison under this
// config. It scales with the per-channel reduction size, since floating
// summation error grows with the element count.
func (c Config) compareEpsilon() float64 {
	return 1e-4 * float64(c.Shape.SpatialSize())
}

// checkPreconditions panics (exceptions.Panicf) on configurations the checker
// does not support. Quantized data types only exist for inference with
// supplied statistics, matching the modes primitives implement for them.
func (c Config) checkPreconditions() {
	if !shapes.Supported(c.Shape.DType) {
		exceptions.Panicf("check: unsupported dtype in config %s", c)
	}
	if shapes.Quantized(c.Shape.DType) && (c.Training || c.ComputeStats) {
		exceptions.Panicf("check: quantized dtypes are inference-only with supplied statistics, got %s", c)
	}
}

// ForwardBuffers carries the forward-pass operands. Src is the primitive's
// input; everything else is the primitive's output or supplied input,
// depending on the config. All buffers are read-only to the checker.
type ForwardBuffers struct {
	Src, Dst *tensors.Tensor

	// Mean and Variance are supplied inputs when !Config.ComputeStats, the
	// primitive's reported statistics when Config.ComputeStats &&
	// Config.Training, and may be nil otherwise.
	Mean, Variance []float32

	// Scale and Shift are the affine parameters; nil unless Config.HasAffine.
	Scale, Shift []float32
}

// BackwardBuffers carries the backward-pass operands. Mean/Variance are the
// forward-pass statistics the primitive used, never recomputed here.
type BackwardBuffers struct {
	Src, DiffDst, DiffSrc *tensors.Tensor

	Mean, Variance []float32

	// Scale is present when Config.HasAffine.
	Scale []float32

	// DiffScale and DiffShift are the reported parameter gradients; present
	// when Config.Backward == BackwardAll.
	DiffScale, DiffShift []float32
}

// Kind labels which quantity a Mismatch refers to.
type Kind int

const (
	KindMean Kind = iota
	KindVariance
	KindOutput
	KindDiffScale
	KindDiffShift
	KindDiffSrc
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindMean:
		return "mean"
	case KindVariance:
		return "variance"
	case KindOutput:
		return "output"
	case KindDiffScale:
		return "diffScale"
	case KindDiffShift:
		return "diffShift"
	case KindDiffSrc:
		return "diffSrc"
	}
	return "invalid"
}

// Coord is a logical element coordinate. Per-channel quantities (statistics,
// parameter gradients) use the zero Coord.
type Coord struct {
	N, C, D, H, W int
}

// Mismatch records one scalar comparison that exceeded the tolerance.
type Mismatch struct {
	Kind         Kind
	Channel      int
	Coord        Coord
	Expected     float64 // Reference value recomputed by the checker.
	Actual       float64 // Value reported by the primitive.
	RelDeviation float64
}

// String implements fmt.Stringer.
func (m Mismatch) String() string {
	return fmt.Sprintf("%s: channel=%d coord=(%d,%d,%d,%d,%d) expected=%v actual=%v relDeviation=%v",
		m.Kind, m.Channel, m.Coord.N, m.Coord.C, m.Coord.D, m.Coord.H, m.Coord.W,
		m.Expected, m.Actual, m.RelDeviation)
}

// Report collects the outcome of verifying one config. The first violation in
// a channel does not stop that channel nor the others; every mismatch is
// recorded.
type Report struct {
	Config Config

	mu         sync.Mutex
	mismatches []Mismatch
	compared   int
}

func newReport(cfg Config) *Report {
	return &Report{Config: cfg}
}

// add records a mismatch. Called concurrently from channel workers.
func (r *Report) add(m Mismatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, m)
}

// countComparison tallies one scalar comparison, pass or fail.
func (r *Report) countComparison() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compared++
}

// Passed reports whether every comparison stayed within tolerance.
func (r *Report) Passed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mismatches) == 0
}

// Compared returns the number of scalar comparisons performed.
func (r *Report) Compared() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compared
}

// Mismatches returns the recorded tolerance violations.
func (r *Report) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mismatches
}

// Err returns nil if the report passed, otherwise an error naming the config
// and the first mismatch.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.mismatches) == 0 {
		return nil
	}
	return errors.Errorf("batch-normalization check failed for config %s: %d of %d comparisons out of tolerance, first: %s",
		r.Config, len(r.mismatches), r.compared, r.mismatches[0])
}
