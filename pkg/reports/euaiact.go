package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/replay"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// Dossier is the per-decision EU AI Act report: everything an auditor needs
// to reconstruct one decision from the ledger.
type Dossier struct {
	ReportID    string `json:"report_id"`
	ReportType  string `json:"report_type"`
	GeneratedAt string `json:"generated_at"`
	DecisionID  string `json:"decision_id"`

	Request     RequestSummary  `json:"request_summary"`
	Evidence    EvidenceSummary `json:"evidence_provenance"`
	Debate      DebateSummary   `json:"debate"`
	Fuji        FujiSummary     `json:"fuji_outcome"`
	SelfHealing map[string]any  `json:"self_healing,omitempty"`
	TrustChain  TrustChainProof `json:"trust_chain"`
	Replay      *ReplayStatus   `json:"replay,omitempty"`
	AuditTrail  []AuditRef      `json:"audit_trail"`

	ReportPath string `json:"-"`
	ArchiveRef string `json:"-"`
}

// RequestSummary restates the admitted request as the ledger recorded it.
type RequestSummary struct {
	RequestID      string `json:"request_id"`
	Intent         string `json:"intent,omitempty"`
	FastMode       bool   `json:"fast_mode"`
	DecisionStatus string `json:"decision_status"`
	PolicyVersion  string `json:"policy_version,omitempty"`
	DecidedAt      string `json:"decided_at"`
	LatencyMS      int64  `json:"latency_ms,omitempty"`
}

// EvidenceSummary covers evidence provenance. Caller-supplied items are
// recovered from the persisted request body; collector output is represented
// by its count (the ledger does not retain derived items).
type EvidenceSummary struct {
	EvidenceCount  int              `json:"evidence_count"`
	CallerSupplied []map[string]any `json:"caller_supplied,omitempty"`
}

// DebateSummary carries the chosen option with its role notes and verdict.
type DebateSummary struct {
	Chosen            map[string]any   `json:"chosen"`
	Verdict           string           `json:"verdict,omitempty"`
	Notes             []map[string]any `json:"notes,omitempty"`
	AlternativesCount int              `json:"alternatives_count"`
}

// FujiSummary is the gate outcome with full code detail and the Stage B
// evaluation trail.
type FujiSummary struct {
	Status      string           `json:"status"`
	Code        string           `json:"code,omitempty"`
	CodeDetail  *fuji.Code       `json:"code_detail,omitempty"`
	RiskScore   float64          `json:"risk_score"`
	ValueScore  float64          `json:"value_score"`
	Evaluations []map[string]any `json:"evaluations,omitempty"`
}

// TrustChainProof is the entry's position in the verified chain.
type TrustChainProof struct {
	PayloadHash    string  `json:"payload_hash"`
	PreviousHash   *string `json:"previous_hash"`
	Signature      string  `json:"signature"`
	ChainOK        bool    `json:"chain_ok"`
	EntriesChecked int     `json:"entries_checked"`
	HeadHash       string  `json:"head_hash,omitempty"`
}

// ReplayStatus summarizes the latest replay report for the decision.
type ReplayStatus struct {
	Match        bool     `json:"match"`
	Changed      bool     `json:"diff_changed"`
	Keys         []string `json:"diff_keys,omitempty"`
	ReplayTimeMS int64    `json:"replay_time_ms"`
	ReportFile   string   `json:"report_file"`
}

// AuditRef points at one ledger entry involved in the decision.
type AuditRef struct {
	EntryID     string `json:"entry_id"`
	Kind        string `json:"kind"`
	Timestamp   string `json:"timestamp"`
	PayloadHash string `json:"payload_hash"`
}

// EUAIAct renders, persists, and returns the dossier for one decision.
func (b *Builder) EUAIAct(ctx context.Context, decisionID string) (*Dossier, error) {
	entry, err := b.ledger.EntryByDecisionID(decisionID)
	if err != nil {
		return nil, fmt.Errorf("reports: load decision %s: %w", decisionID, err)
	}
	if entry == nil {
		return nil, ErrDecisionNotFound
	}
	if entry.Kind() != trustlog.KindDecision {
		return nil, fmt.Errorf("reports: entry %s is a %s record, not a decision: %w", decisionID, entry.Kind(), ErrDecisionNotFound)
	}
	payload := entry.Payload

	dossier := &Dossier{
		ReportID:    newReportID(),
		ReportType:  "eu_ai_act",
		GeneratedAt: b.clock().UTC().Format(time.RFC3339),
		DecisionID:  decisionID,
		Request: RequestSummary{
			RequestID:      entry.RequestID(),
			Intent:         str(payload, "intent"),
			FastMode:       boolOf(payload, "fast_mode"),
			DecisionStatus: str(payload, "decision_status"),
			PolicyVersion:  str(payload, "policy_version"),
			DecidedAt:      entry.Timestamp,
			LatencyMS:      int64(f64(payload, "latency_ms")),
		},
		Evidence: EvidenceSummary{
			EvidenceCount:  intOf(payload, "evidence_count"),
			CallerSupplied: callerEvidence(payload),
		},
		Debate:      debateSummary(payload),
		Fuji:        b.fujiSummary(payload),
		SelfHealing: mapOf(payload, "self_healing"),
		Replay:      b.replayStatus(decisionID),
	}

	if trail, err := b.auditTrail(entry.RequestID()); err == nil {
		dossier.AuditTrail = trail
	}
	dossier.Fuji.Evaluations = b.evaluationsForRequest(entry.RequestID())

	proof, err := b.trustChainProof(entry)
	if err != nil {
		return nil, err
	}
	dossier.TrustChain = proof

	path, ref, err := b.persist(ctx, dossier.ReportID, dossier)
	if err != nil {
		return nil, err
	}
	dossier.ReportPath = path
	dossier.ArchiveRef = ref
	return dossier, nil
}

// callerEvidence recovers caller-supplied evidence items from the persisted
// request body inside the deterministic_replay block.
func callerEvidence(payload map[string]any) []map[string]any {
	block := mapOf(payload, "deterministic_replay")
	body := mapOf(block, "request_body")
	raw, ok := body["evidence"].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func debateSummary(payload map[string]any) DebateSummary {
	chosen := mapOf(payload, "chosen")
	summary := DebateSummary{
		Chosen:            chosen,
		Verdict:           str(chosen, "verdict"),
		AlternativesCount: intOf(payload, "alternatives_count"),
	}
	if notes, ok := chosen["debate"].([]any); ok {
		for _, v := range notes {
			if m, ok := v.(map[string]any); ok {
				summary.Notes = append(summary.Notes, m)
			}
		}
	}
	return summary
}

func (b *Builder) fujiSummary(payload map[string]any) FujiSummary {
	summary := FujiSummary{
		Status:     str(payload, "decision_status"),
		Code:       str(payload, "fuji_code"),
		RiskScore:  f64(payload, "risk_score"),
		ValueScore: f64(payload, "value_score"),
	}
	if summary.Code != "" && b.registry != nil {
		if code, ok := b.registry.Lookup(summary.Code); ok {
			summary.CodeDetail = &code
		}
	}
	return summary
}

// auditTrail lists every ledger entry recorded for the request, in chain
// order.
func (b *Builder) auditTrail(requestID string) ([]AuditRef, error) {
	if requestID == "" {
		return nil, nil
	}
	entries, err := b.ledger.EntriesForRequest(requestID)
	if err != nil {
		return nil, err
	}
	trail := make([]AuditRef, 0, len(entries))
	for _, e := range entries {
		trail = append(trail, AuditRef{
			EntryID:     e.DecisionID,
			Kind:        e.Kind(),
			Timestamp:   e.Timestamp,
			PayloadHash: e.PayloadHash,
		})
	}
	return trail, nil
}

// evaluationsForRequest extracts the fuji_evaluate payloads for the request.
func (b *Builder) evaluationsForRequest(requestID string) []map[string]any {
	if requestID == "" {
		return nil
	}
	entries, err := b.ledger.EntriesForRequest(requestID)
	if err != nil {
		return nil
	}
	var evals []map[string]any
	for _, e := range entries {
		if e.Kind() == trustlog.KindFujiEvaluate {
			evals = append(evals, e.Payload)
		}
	}
	return evals
}

func (b *Builder) trustChainProof(entry *trustlog.Entry) (TrustChainProof, error) {
	result, err := b.ledger.Verify()
	if err != nil {
		return TrustChainProof{}, fmt.Errorf("reports: verify chain: %w", err)
	}
	return TrustChainProof{
		PayloadHash:    entry.PayloadHash,
		PreviousHash:   entry.PreviousHash,
		Signature:      entry.Signature,
		ChainOK:        result.OK,
		EntriesChecked: result.EntriesChecked,
		HeadHash:       result.HeadHash,
	}, nil
}

// replayStatus reads the latest replay report for the decision, if any.
func (b *Builder) replayStatus(decisionID string) *ReplayStatus {
	if b.replayDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(b.replayDir, "replay_"+decisionID+"_*.json"))
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	latest := matches[len(matches)-1]
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil
	}
	var report replay.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil
	}
	return &ReplayStatus{
		Match:        report.Match,
		Changed:      report.Diff.Changed,
		Keys:         report.Diff.Keys,
		ReplayTimeMS: report.ReplayTimeMS,
		ReportFile:   filepath.Base(latest),
	}
}
