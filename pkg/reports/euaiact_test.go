package reports

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/archive"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

type fakeLedger struct {
	entries   []*trustlog.Entry
	verifyErr error
}

func (f *fakeLedger) EntryByDecisionID(id string) (*trustlog.Entry, error) {
	for _, e := range f.entries {
		if e.DecisionID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) EntriesForRequest(requestID string) ([]*trustlog.Entry, error) {
	var out []*trustlog.Entry
	for _, e := range f.entries {
		if e.RequestID() == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) Entries() ([]*trustlog.Entry, error) {
	return f.entries, nil
}

func (f *fakeLedger) Verify() (*trustlog.VerifyResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &trustlog.VerifyResult{
		OK:             true,
		EntriesChecked: len(f.entries),
		HeadHash:       "sha256:head",
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decisionEntry(id, requestID, status string) *trustlog.Entry {
	prev := "sha256:prev"
	return &trustlog.Entry{
		DecisionID:   id,
		Timestamp:    "2026-08-20T10:00:00Z",
		PreviousHash: &prev,
		PayloadHash:  "sha256:payload-" + id,
		Signature:    "c2lnbmF0dXJl",
		Payload: map[string]any{
			"kind":               trustlog.KindDecision,
			"request_id":         requestID,
			"decision_status":    status,
			"policy_version":     "2.0",
			"intent":             "weather",
			"fast_mode":          false,
			"latency_ms":         float64(42),
			"risk_score":         0.1,
			"value_score":        0.74,
			"value_ema":          0.52,
			"alternatives_count": float64(3),
			"evidence_count":     float64(2),
			"chosen": map[string]any{
				"id":      "step-1",
				"title":   "Check the latest weather forecast",
				"score":   0.74,
				"verdict": "採用推奨",
				"debate": []any{
					map[string]any{"role": "architect", "stance": "support", "note": "clear detail"},
					map[string]any{"role": "judge", "stance": "support", "note": "adopted"},
				},
			},
			"deterministic_replay": map[string]any{
				"seed":        float64(7),
				"temperature": float64(0),
				"request_body": map[string]any{
					"query": "天気どう?",
					"evidence": []any{
						map[string]any{"source": "local", "title": "note", "snippet": "memo", "confidence": 0.8},
					},
				},
				"final_output": map[string]any{"decision_status": status},
			},
		},
	}
}

func fujiEvaluateEntry(id, requestID string) *trustlog.Entry {
	return &trustlog.Entry{
		DecisionID:  id,
		Timestamp:   "2026-08-20T09:59:59Z",
		PayloadHash: "sha256:payload-" + id,
		Payload: map[string]any{
			"kind":           trustlog.KindFujiEvaluate,
			"request_id":     requestID,
			"gate":           "fuji",
			"risk_score":     0.1,
			"policy_version": "2.0",
			"text_preview":   "Check the latest weather forecast",
		},
	}
}

func TestEUAIActDossier(t *testing.T) {
	ledger := &fakeLedger{entries: []*trustlog.Entry{
		fujiEvaluateEntry("fj-1", "req-1"),
		decisionEntry("dec-1", "req-1", "allow"),
	}}
	outDir := filepath.Join(t.TempDir(), "compliance_reports")
	builder := NewBuilder(ledger, fuji.NewRegistry(), outDir, quietLogger())

	dossier, err := builder.EUAIAct(context.Background(), "dec-1")
	require.NoError(t, err)

	assert.Equal(t, "eu_ai_act", dossier.ReportType)
	assert.NotEmpty(t, dossier.ReportID)
	assert.Equal(t, "dec-1", dossier.DecisionID)

	assert.Equal(t, "req-1", dossier.Request.RequestID)
	assert.Equal(t, "weather", dossier.Request.Intent)
	assert.Equal(t, "allow", dossier.Request.DecisionStatus)
	assert.Equal(t, "2.0", dossier.Request.PolicyVersion)
	assert.Equal(t, "2026-08-20T10:00:00Z", dossier.Request.DecidedAt)
	assert.Equal(t, int64(42), dossier.Request.LatencyMS)

	assert.Equal(t, 2, dossier.Evidence.EvidenceCount)
	require.Len(t, dossier.Evidence.CallerSupplied, 1)
	assert.Equal(t, "local", dossier.Evidence.CallerSupplied[0]["source"])

	assert.Equal(t, "採用推奨", dossier.Debate.Verdict)
	assert.Len(t, dossier.Debate.Notes, 2)
	assert.Equal(t, 3, dossier.Debate.AlternativesCount)

	assert.Equal(t, "allow", dossier.Fuji.Status)
	assert.Empty(t, dossier.Fuji.Code)
	assert.Nil(t, dossier.Fuji.CodeDetail)
	require.Len(t, dossier.Fuji.Evaluations, 1)
	assert.Equal(t, "fuji", dossier.Fuji.Evaluations[0]["gate"])

	assert.Equal(t, "sha256:payload-dec-1", dossier.TrustChain.PayloadHash)
	require.NotNil(t, dossier.TrustChain.PreviousHash)
	assert.Equal(t, "sha256:prev", *dossier.TrustChain.PreviousHash)
	assert.True(t, dossier.TrustChain.ChainOK)
	assert.Equal(t, 2, dossier.TrustChain.EntriesChecked)

	require.Len(t, dossier.AuditTrail, 2)
	assert.Equal(t, trustlog.KindFujiEvaluate, dossier.AuditTrail[0].Kind)
	assert.Equal(t, trustlog.KindDecision, dossier.AuditTrail[1].Kind)

	// Persisted as compliance_reports/{report_id}.json.
	assert.Equal(t, filepath.Join(outDir, dossier.ReportID+".json"), dossier.ReportPath)
	data, err := os.ReadFile(dossier.ReportPath)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "eu_ai_act", onDisk["report_type"])
}

func TestEUAIActCodeDetail(t *testing.T) {
	entry := decisionEntry("dec-2", "req-2", "deny")
	entry.Payload["fuji_code"] = "F-4001"
	delete(entry.Payload, "value_ema")
	ledger := &fakeLedger{entries: []*trustlog.Entry{entry}}
	builder := NewBuilder(ledger, fuji.NewRegistry(), t.TempDir(), quietLogger())

	dossier, err := builder.EUAIAct(context.Background(), "dec-2")
	require.NoError(t, err)
	assert.Equal(t, "F-4001", dossier.Fuji.Code)
	require.NotNil(t, dossier.Fuji.CodeDetail)
	assert.Equal(t, 4, dossier.Fuji.CodeDetail.Layer)
	assert.True(t, dossier.Fuji.CodeDetail.Blocking)
	assert.Equal(t, "HUMAN_REVIEW", dossier.Fuji.CodeDetail.Feedback.Action)
}

func TestEUAIActUnknownDecision(t *testing.T) {
	builder := NewBuilder(&fakeLedger{}, fuji.NewRegistry(), t.TempDir(), quietLogger())
	_, err := builder.EUAIAct(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestEUAIActNonDecisionEntry(t *testing.T) {
	ledger := &fakeLedger{entries: []*trustlog.Entry{fujiEvaluateEntry("fj-1", "req-1")}}
	builder := NewBuilder(ledger, fuji.NewRegistry(), t.TempDir(), quietLogger())
	_, err := builder.EUAIAct(context.Background(), "fj-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a decision")
}

func TestEUAIActReplayStatus(t *testing.T) {
	replayDir := t.TempDir()
	older := `{"decision_id":"dec-1","match":false,"diff":{"changed":true,"keys":["risk_score"]},"replay_time_ms":9}`
	newer := `{"decision_id":"dec-1","match":true,"diff":{"changed":false,"keys":[]},"replay_time_ms":5}`
	require.NoError(t, os.WriteFile(filepath.Join(replayDir, "replay_dec-1_1000.json"), []byte(older), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(replayDir, "replay_dec-1_2000.json"), []byte(newer), 0o644))

	ledger := &fakeLedger{entries: []*trustlog.Entry{decisionEntry("dec-1", "req-1", "allow")}}
	builder := NewBuilder(ledger, fuji.NewRegistry(), t.TempDir(), quietLogger(), WithReplayDir(replayDir))

	dossier, err := builder.EUAIAct(context.Background(), "dec-1")
	require.NoError(t, err)
	require.NotNil(t, dossier.Replay)
	assert.True(t, dossier.Replay.Match, "latest replay report wins")
	assert.False(t, dossier.Replay.Changed)
	assert.Equal(t, int64(5), dossier.Replay.ReplayTimeMS)
	assert.Equal(t, "replay_dec-1_2000.json", dossier.Replay.ReportFile)
}

func TestEUAIActNoReplayReport(t *testing.T) {
	ledger := &fakeLedger{entries: []*trustlog.Entry{decisionEntry("dec-1", "req-1", "allow")}}
	builder := NewBuilder(ledger, fuji.NewRegistry(), t.TempDir(), quietLogger(), WithReplayDir(t.TempDir()))

	dossier, err := builder.EUAIAct(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Nil(t, dossier.Replay)
}

func TestEUAIActArchives(t *testing.T) {
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := &fakeLedger{entries: []*trustlog.Entry{decisionEntry("dec-1", "req-1", "allow")}}
	builder := NewBuilder(ledger, fuji.NewRegistry(), t.TempDir(), quietLogger(), WithArchive(store))

	dossier, err := builder.EUAIAct(context.Background(), "dec-1")
	require.NoError(t, err)
	require.NotEmpty(t, dossier.ArchiveRef)

	exists, err := store.Exists(context.Background(), dossier.ArchiveRef)
	require.NoError(t, err)
	assert.True(t, exists)

	archived, err := store.Get(context.Background(), dossier.ArchiveRef)
	require.NoError(t, err)
	local, err := os.ReadFile(dossier.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, local, archived)
}

func TestEUAIActClockStampsGeneratedAt(t *testing.T) {
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{entries: []*trustlog.Entry{decisionEntry("dec-1", "req-1", "allow")}}
	builder := NewBuilder(ledger, fuji.NewRegistry(), t.TempDir(), quietLogger(),
		WithClock(func() time.Time { return fixed }))

	dossier, err := builder.EUAIAct(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25T12:00:00Z", dossier.GeneratedAt)
}
