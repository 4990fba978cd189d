//go:build property
// +build property

// Property tests for the gate: the status triple (internal, external,
// rejection reason) must stay consistent for arbitrary inputs.
package fuji_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
)

func TestGateStatusConsistency(t *testing.T) {
	store, err := fuji.NewPolicyStore("", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	gate := fuji.NewGate(fuji.NewRegistry(), store)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("deny, external deny, and rejection_reason travel together", prop.ForAll(
		func(query string, stakes float64, hasEvidence bool, evidenceCount int, safeApplied bool) bool {
			d, err := gate.Evaluate(context.Background(), fuji.Input{
				Query:         query,
				Stakes:        stakes,
				HasEvidence:   hasEvidence,
				EvidenceCount: evidenceCount,
				SafeApplied:   safeApplied,
			})
			if err != nil {
				return false
			}

			denied := d.Status == fuji.StatusDeny
			if denied != (d.DecisionStatus == "deny") {
				return false
			}
			if denied != (d.RejectionReason != nil) {
				return false
			}
			if denied && d.Code == nil {
				return false
			}
			// External and legacy forms always follow the internal status.
			return d.DecisionStatus == d.Status.External() && d.LegacyStatus == d.Status.Legacy()
		},
		gen.AnyString(),
		gen.Float64Range(0, 1),
		gen.Bool(),
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.Property("risk score stays in the unit interval", prop.ForAll(
		func(query string, title string) bool {
			d, err := gate.Evaluate(context.Background(), fuji.Input{Query: query, Title: title})
			if err != nil {
				return false
			}
			return d.RiskScore >= 0 && d.RiskScore <= 1
		},
		gen.AnyString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
