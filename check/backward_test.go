// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package check

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/normcheck/types/layouts"
	"github.com/gomlx/normcheck/types/shapes"
	"github.com/gomlx/normcheck/types/tensors"
)

// runBackward fills inputs, runs naivePrimitive and returns the verified buffers.
func runBackward(t *testing.T, cfg Config) BackwardBuffers {
	t.Helper()
	rng := testRNG()
	channels := cfg.Shape.Channels
	buf := BackwardBuffers{
		Src:     tensors.New(cfg.Shape, cfg.DataFormat),
		DiffDst: tensors.New(cfg.Shape, cfg.DiffFormat),
		DiffSrc: tensors.New(cfg.Shape, cfg.DiffFormat),
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
	require.NoError(t, naivePrimitive{}.Backward(cfg, &buf))
	return buf
}

func TestBackwardParameterGradients(t *testing.T) {
	cfg := Config{
		Shape:        baseShape(t),
		DataFormat:   layouts.NCHW,
		DiffFormat:   layouts.NCHW,
		Epsilon:      1e-5,
		ComputeStats: true,
		HasAffine:    true,
		Training:     true,
		Backward:     BackwardAll,
	}
	buf := runBackward(t, cfg)
	report := Backward(cfg, buf)
	require.True(t, report.Passed(), "unexpected mismatches: %v", report.Mismatches())
	// 2 parameter gradients plus 32 input gradients per channel, 3 channels.
	require.Equal(t, 3*(2+32), report.Compared())

	// diffScale must match invStd·Σ(src-mean)·diffDst recomputed directly.
	s := cfg.Shape
	for c := 0; c < s.Channels; c++ {
		invStd := 1 / math.Sqrt(float64(buf.Variance[c])+cfg.Epsilon)
		var acc float64
		forEachPosition(cfg, func(n, d, h, w int) {
			acc += (buf.Src.Load(n, c, d, h, w) - float64(buf.Mean[c])) * buf.DiffDst.Load(n, c, d, h, w)
		})
		require.InDelta(t, invStd*acc, float64(buf.DiffScale[c]), 1e-3)
	}
}

func TestBackwardDataOnly(t *testing.T) {
	// BackwardData produces no parameter gradients; nil diffScale/diffShift
	// buffers are fine and only diffSrc is compared.
	for _, computeStats := range []bool{true, false} {
		name := "supplied_stats"
		if computeStats {
			name = "computed_stats"
		}
		t.Run(name, func(t *testing.T) {
			cfg := Config{
				Shape:        baseShape(t),
				DataFormat:   layouts.NCHW,
				DiffFormat:   layouts.NCHW,
				Epsilon:      1e-5,
				ComputeStats: computeStats,
				Training:     true,
				Backward:     BackwardData,
			}
			buf := runBackward(t, cfg)
			report := Backward(cfg, buf)
			require.True(t, report.Passed(), "unexpected mismatches: %v", report.Mismatches())
			require.Equal(t, 3*32, report.Compared())
		})
	}
}

func TestBackwardMixedFormats(t *testing.T) {
	// The gradient tensors may block channels differently from the data
	// tensors; every access resolves through its own layout.
	cfg := Config{
		Shape:        baseShape(t),
		DataFormat:   layouts.NChw16c,
		DiffFormat:   layouts.NChw8c,
		Epsilon:      1e-5,
		ComputeStats: true,
		HasAffine:    true,
		Training:     true,
		Backward:     BackwardAll,
	}
	buf := runBackward(t, cfg)
	report := Backward(cfg, buf)
	require.True(t, report.Passed(), "unexpected mismatches: %v", report.Mismatches())
}

func TestBackwardSuppliedStatsSkipsCorrectionTerm(t *testing.T) {
	// With externally supplied statistics the correction term must NOT be
	// applied: a primitive that applies it anyway is caught.
	cfg := Config{
		Shape:      baseShape(t),
		DataFormat: layouts.NCHW,
		DiffFormat: layouts.NCHW,
		Epsilon:    1e-5,
		Training:   true,
		Backward:   BackwardData,
	}
	buf := runBackward(t, cfg)

	wrongCfg := cfg
	wrongCfg.ComputeStats = true // Makes naivePrimitive apply the correction.
	require.NoError(t, naivePrimitive{}.Backward(wrongCfg, &buf))

	report := Backward(cfg, buf)
	require.False(t, report.Passed())
	require.Equal(t, KindDiffSrc, report.Mismatches()[0].Kind)
}

func TestBackwardDetectsPerturbedParamGradient(t *testing.T) {
	cfg := Config{
		Shape:        baseShape(t),
		DataFormat:   layouts.NCHW,
		DiffFormat:   layouts.NCHW,
		Epsilon:      1e-5,
		ComputeStats: true,
		HasAffine:    true,
		Training:     true,
		Backward:     BackwardAll,
	}
	buf := runBackward(t, cfg)
	buf.DiffShift[1] += 100

	report := Backward(cfg, buf)
	require.False(t, report.Passed())
	mismatches := report.Mismatches()
	require.Len(t, mismatches, 1)
	require.Equal(t, KindDiffShift, mismatches[0].Kind)
	require.Equal(t, 1, mismatches[0].Channel)
}

func TestBackwardEmptyShape(t *testing.T) {
	cfg := Config{
		Shape:      shapes.Make4D(dtypes.Float32, 0, 4, 4, 4),
		DataFormat: layouts.NCHW,
		DiffFormat: layouts.NCHW,
		Epsilon:    1e-5,
		HasAffine:  true,
		Training:   true,
		Backward:   BackwardAll,
	}
	buf := BackwardBuffers{
		Src:       tensors.New(cfg.Shape, cfg.DataFormat),
		DiffDst:   tensors.New(cfg.Shape, cfg.DiffFormat),
		DiffSrc:   tensors.New(cfg.Shape, cfg.DiffFormat),
		Scale:     make([]float32, 4),
		DiffScale: make([]float32, 4),
		DiffShift: make([]float32, 4),
	}

	t.Run("zero_gradients_pass", func(t *testing.T) {
		report := Backward(cfg, buf)
		require.True(t, report.Passed())
		require.Equal(t, 2*4, report.Compared())
	})

	t.Run("nonzero_gradients_fail", func(t *testing.T) {
		buf.DiffScale[2] = 1e-3
		report := Backward(cfg, buf)
		require.False(t, report.Passed())
		mismatches := report.Mismatches()
		require.Len(t, mismatches, 1)
		require.Equal(t, KindDiffScale, mismatches[0].Kind)
		require.Equal(t, 2, mismatches[0].Channel)
		buf.DiffScale[2] = 0
	})

	t.Run("data_only_skips_gradient_checks", func(t *testing.T) {
		dataCfg := cfg
		dataCfg.Backward = BackwardData
		report := Backward(dataCfg, buf)
		require.True(t, report.Passed())
		require.Equal(t, 0, report.Compared())
	})
}

func TestBackwardQuantizedPanics(t *testing.T) {
	cfg := Config{
		Shape:      shapes.Make4D(dtypes.Int8, 2, 3, 4, 4),
		DataFormat: layouts.NCHW,
		DiffFormat: layouts.NCHW,
		Epsilon:    1e-5,
	}
	require.Panics(t, func() {
		Backward(cfg, BackwardBuffers{})
	})
}
