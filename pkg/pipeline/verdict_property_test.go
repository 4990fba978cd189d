//go:build property
// +build property

package pipeline

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func verdictRank(v string) int {
	switch v {
	case VerdictReject:
		return 0
	case VerdictReview:
		return 1
	case VerdictAdopt:
		return 2
	}
	return -1
}

// TestVerdictBands checks the score bands: every score in the unit interval
// lands in exactly one band, and raising a score never lowers its band.
func TestVerdictBands(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("every score lands in exactly one band", prop.ForAll(
		func(score float64) bool {
			v := bandVerdict(score)
			switch {
			case score >= 0.6:
				return v == VerdictAdopt
			case score >= 0.3:
				return v == VerdictReview
			default:
				return v == VerdictReject
			}
		},
		gen.Float64Range(0, 1),
	))

	properties.Property("raising a score never lowers its band", prop.ForAll(
		func(a, b float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return verdictRank(bandVerdict(lo)) <= verdictRank(bandVerdict(hi))
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
