// Package trustlog implements the append-only decision ledger: hash-chained
// JSONL entries signed with the gateway's Ed25519 key, rotation with chain
// continuity, and external verification.
package trustlog

// Entry kinds recorded in decision_payload.kind.
const (
	KindDecision     = "decision"
	KindFujiEvaluate = "fuji_evaluate"
	KindSelfHealing  = "self_healing"
	KindHumanReview  = "human_review"
)

// Entry is one ledger record. Entries are persisted as canonical JSON, one
// object per line; previous_hash is the SHA-256 of the previous entry's
// canonical form, or null for the genesis entry of an unrotated chain.
type Entry struct {
	DecisionID   string         `json:"decision_id"`
	Timestamp    string         `json:"timestamp"`
	PreviousHash *string        `json:"previous_hash"`
	Payload      map[string]any `json:"decision_payload"`
	PayloadHash  string         `json:"payload_hash"`
	Signature    string         `json:"signature"`
}

// Kind returns the payload kind, or "" when absent.
func (e *Entry) Kind() string {
	kind, _ := e.Payload["kind"].(string)
	return kind
}

// RequestID returns the payload request_id, or "" when absent.
func (e *Entry) RequestID() string {
	id, _ := e.Payload["request_id"].(string)
	return id
}

// Verification issue reasons.
const (
	ReasonPayloadHashMismatch  = "payload_hash_mismatch"
	ReasonPreviousHashMismatch = "previous_hash_mismatch"
	ReasonSignatureInvalid     = "signature_invalid"
)

// VerifyIssue pinpoints one broken entry in the chain.
type VerifyIssue struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// VerifyResult is the outcome of a full chain walk.
type VerifyResult struct {
	OK             bool          `json:"ok"`
	EntriesChecked int           `json:"entries_checked"`
	Issues         []VerifyIssue `json:"issues"`
	HeadHash       string        `json:"head_hash,omitempty"`
}
