// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package check

import "math"

// Comparison floors: the scale of a relative comparison is max(|actual|,
// |expected|), but when both magnitudes fall below the floor the scale is
// replaced by 1 so the division doesn't blow up near zero. The values are
// empirically tuned per quantity, not derived from anything.
const (
	// StatsFloor applies to mean/variance comparisons.
	StatsFloor = 1.0
	// OutputFloor applies to float normalized-output and input-gradient
	// comparisons.
	OutputFloor = 1e-2
	// QuantizedFloor applies to round+saturated integer outputs, whose
	// magnitudes are integers and need no near-zero slack.
	QuantizedFloor = 1.0
	// ParamGradFloor applies to diffScale/diffShift comparisons.
	ParamGradFloor = 1e-2
)

// nearlyEqual performs the scale-adaptive comparison used by both engines:
// the absolute difference divided by max(|actual|, |expected|) — floored as
// described above — must not exceed eps. It returns the relative deviation
// alongside the verdict so failures can report it.
func nearlyEqual(actual, expected, eps, floor float64) (ok bool, relDeviation float64) {
	scale := math.Max(math.Abs(actual), math.Abs(expected))
	if scale < floor {
		scale = 1
	}
	relDeviation = math.Abs(actual-expected) / scale
	return relDeviation <= eps, relDeviation
}

// compare runs nearlyEqual and records the outcome on the report.
func (r *Report) compare(kind Kind, channel int, coord Coord, actual, expected, eps, floor float64) {
	r.countComparison()
	if ok, relDeviation := nearlyEqual(actual, expected, eps, floor); !ok {
		r.add(Mismatch{
			Kind:         kind,
			Channel:      channel,
			Coord:        coord,
			Expected:     expected,
			Actual:       actual,
			RelDeviation: relDeviation,
		})
	}
}
