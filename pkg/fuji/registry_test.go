package fuji

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Invariant: code_prefix determines layer, HIGH severity implies blocking,
// and F-2101 always feeds back RE-DEBATE.
func TestDefaultRegistry_CodeInvariants(t *testing.T) {
	reg := NewRegistry()
	require.NotZero(t, reg.Len())

	for _, c := range reg.Codes() {
		layer := LayerOf(c.Code)
		require.NotZero(t, layer, c.Code)
		assert.Equal(t, layer, c.Layer, "layer must follow the code prefix: %s", c.Code)

		if c.Severity == SeverityHigh {
			assert.True(t, c.Blocking, "HIGH severity must block: %s", c.Code)
		}
		if layer == LayerSafetySecurity {
			assert.True(t, c.Blocking, "layer 4 must block: %s", c.Code)
		}
		assert.NotEmpty(t, c.Message, c.Code)
		assert.NotEmpty(t, c.Feedback.Action, c.Code)
	}

	redebate, ok := reg.Lookup(CodeDebateRiskFlag)
	require.True(t, ok)
	assert.Equal(t, ActionReDebate, redebate.Feedback.Action)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup("F-9999")
	assert.False(t, ok)
	assert.Panics(t, func() { reg.MustLookup("F-9999") })
}

func TestLoadRegistry_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	doc := `codes:
  - code: F-2101
    message: debate flagged unresolved risk
    layer: 2
    severity: MEDIUM
    blocking: true
    feedback:
      action: RE-DEBATE
      hint: rerun the debate with the flagged concerns as explicit critique input
  - code: F-4001
    message: illicit content
    layer: 4
    severity: HIGH
    blocking: true
    feedback:
      action: HUMAN_REVIEW
      hint: do not retry automatically
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	c := reg.MustLookup("F-4001")
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.True(t, c.Blocking)
}

func TestLoadRegistry_RejectsLayerMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	doc := `codes:
  - code: F-2101
    message: debate flagged unresolved risk
    layer: 2
    severity: MEDIUM
    blocking: true
    feedback: {action: RE-DEBATE, hint: rerun}
  - code: F-1002
    message: low evidence
    layer: 3
    severity: LOW
    blocking: false
    feedback: {action: REQUEST_EVIDENCE, hint: add evidence}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "layer"), err.Error())
}

func TestLoadRegistry_RejectsNonBlockingHigh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	doc := `codes:
  - code: F-2101
    message: debate flagged unresolved risk
    layer: 2
    severity: MEDIUM
    blocking: true
    feedback: {action: RE-DEBATE, hint: rerun}
  - code: F-3001
    message: value misalignment
    layer: 3
    severity: HIGH
    blocking: false
    feedback: {action: HUMAN_REVIEW, hint: escalate}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
}

func TestLoadRegistry_RequiresDebateCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	doc := `codes:
  - code: F-4001
    message: illicit content
    layer: 4
    severity: HIGH
    blocking: true
    feedback: {action: HUMAN_REVIEW, hint: escalate}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), CodeDebateRiskFlag)
}

func TestLayerOf(t *testing.T) {
	for code, want := range map[string]int{
		"F-1001": LayerDataEvidence,
		"F-2203": LayerLogicDebate,
		"F-3008": LayerValuePolicy,
		"F-4003": LayerSafetySecurity,
	} {
		assert.Equal(t, want, LayerOf(code), code)
	}

	assert.Zero(t, LayerOf("E-1001"))
	assert.Zero(t, LayerOf("F-5001"))
	assert.Zero(t, LayerOf("F-410"))
}
