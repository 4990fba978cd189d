package trustlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/canonicaljson"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
)

func newTestLog(t *testing.T, opts ...Option) (*TrustLog, string) {
	t.Helper()
	dir := t.TempDir()
	signer, err := signing.NewEd25519Signer("test/trustlog")
	require.NoError(t, err)
	log, err := Open(dir, signer, opts...)
	require.NoError(t, err)
	return log, dir
}

// Invariant: E.previous_hash = SHA-256(canonical_json(P)) for every entry E
// with predecessor P, and null for genesis.
func TestAppend_ChainsEntries(t *testing.T) {
	log, _ := newTestLog(t)

	first, err := log.Append(KindDecision, map[string]any{"request_id": "r1", "decision_status": "allow"})
	require.NoError(t, err)
	assert.Nil(t, first.PreviousHash, "genesis entry must have null previous_hash")

	second, err := log.Append(KindDecision, map[string]any{"request_id": "r2", "decision_status": "allow"})
	require.NoError(t, err)
	require.NotNil(t, second.PreviousHash)

	firstLine, err := canonicaljson.Marshal(first)
	require.NoError(t, err)
	assert.Equal(t, canonicaljson.HashBytes(firstLine), *second.PreviousHash)
}

// Invariant: E.payload_hash = SHA-256(canonical_json(E.decision_payload)) and
// the signature verifies against the public key.
func TestAppend_PayloadHashAndSignature(t *testing.T) {
	log, _ := newTestLog(t)

	entry, err := log.Append(KindDecision, map[string]any{
		"request_id":      "r1",
		"decision_status": "allow",
		"chosen":          map[string]any{"title": "屋内の予定に切り替える", "score": 0.82},
	})
	require.NoError(t, err)

	recomputed, err := canonicaljson.Hash(entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, recomputed, entry.PayloadHash)

	ok, err := signing.Verify(log.PublicKey(), entry.Signature, []byte(entry.PayloadHash))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppend_DecisionIDIsUUIDv7TimeOrdered(t *testing.T) {
	log, _ := newTestLog(t)

	a, err := log.Append(KindDecision, map[string]any{"request_id": "r1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := log.Append(KindDecision, map[string]any{"request_id": "r2"})
	require.NoError(t, err)

	// UUIDv7 is lexicographically sortable by creation time.
	assert.Less(t, a.DecisionID, b.DecisionID)
	assert.Equal(t, "7", string(a.DecisionID[14]), "version nibble must be 7")
}

func TestAppend_TimestampSecondsUTC(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 987654321, time.FixedZone("JST", 9*3600))
	log, _ := newTestLog(t, WithClock(func() time.Time { return fixed }))

	entry, err := log.Append(KindDecision, map[string]any{"request_id": "r1"})
	require.NoError(t, err)

	assert.Equal(t, "2026-03-14T00:26:53Z", entry.Timestamp)
}

func TestVerify_CleanChain(t *testing.T) {
	log, _ := newTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := log.Append(KindDecision, map[string]any{"request_id": "r", "n": i})
		require.NoError(t, err)
	}

	result, err := log.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 5, result.EntriesChecked)
	assert.Empty(t, result.Issues)
	assert.Equal(t, log.HeadHash(), result.HeadHash)
}

// Invariant: rotation preserves the chain; verification spans old ++ new and
// its head hash equals the live chain head.
func TestRotation_PreservesChain(t *testing.T) {
	log, dir := newTestLog(t, WithMaxLines(3))

	var entries []*Entry
	for i := 0; i < 5; i++ {
		e, err := log.Append(KindDecision, map[string]any{"request_id": "r", "n": i})
		require.NoError(t, err)
		entries = append(entries, e)
	}

	// 5 appends with threshold 3: the stream rotated at the 4th append.
	assert.FileExists(t, filepath.Join(dir, RotatedFile))
	assert.FileExists(t, filepath.Join(dir, LastHashFile))

	marker, err := os.ReadFile(filepath.Join(dir, LastHashFile))
	require.NoError(t, err)

	// The first entry in the new stream links to the marker.
	newLines, err := readLines(filepath.Join(dir, StreamFile))
	require.NoError(t, err)
	var head Entry
	require.NoError(t, json.Unmarshal(newLines[0], &head))
	require.NotNil(t, head.PreviousHash)
	assert.Equal(t, strings.TrimSpace(string(marker)), *head.PreviousHash)

	result, err := log.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK, "issues: %+v", result.Issues)
	assert.Equal(t, log.HeadHash(), result.HeadHash)

	// All five survive across the rotated and current files.
	all, err := log.Entries()
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, entries[i].DecisionID, e.DecisionID)
	}
}

func TestRotation_SecondRotationOverwritesOld(t *testing.T) {
	log, dir := newTestLog(t, WithMaxLines(2))

	for i := 0; i < 6; i++ {
		_, err := log.Append(KindDecision, map[string]any{"n": i})
		require.NoError(t, err)
	}

	// Oldest generation is gone; old contains the middle generation. The
	// verifier accepts old's first entry as the anchor.
	result, err := log.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK, "issues: %+v", result.Issues)

	oldLines, err := readLines(filepath.Join(dir, RotatedFile))
	require.NoError(t, err)
	assert.Len(t, oldLines, 2)
}

func TestRotation_HookReceivesSegment(t *testing.T) {
	segments := make(chan []byte, 2)
	log, _ := newTestLog(t, WithMaxLines(2), WithRotationHook(func(segment []byte) {
		segments <- segment
	}))

	for i := 0; i < 3; i++ {
		_, err := log.Append(KindDecision, map[string]any{"n": i})
		require.NoError(t, err)
	}

	select {
	case segment := <-segments:
		lines := strings.Split(strings.TrimSpace(string(segment)), "\n")
		require.Len(t, lines, 2)
		var first Entry
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
		assert.Equal(t, KindDecision, first.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("rotation hook never fired")
	}
}

func TestReopen_ContinuesChain(t *testing.T) {
	dir := t.TempDir()
	signer, err := signing.NewEd25519Signer("test/trustlog")
	require.NoError(t, err)

	log1, err := Open(dir, signer)
	require.NoError(t, err)
	_, err = log1.Append(KindDecision, map[string]any{"request_id": "r1"})
	require.NoError(t, err)
	head := log1.HeadHash()

	log2, err := Open(dir, signer)
	require.NoError(t, err)
	assert.Equal(t, head, log2.HeadHash())
	assert.Equal(t, 1, log2.Len())

	second, err := log2.Append(KindDecision, map[string]any{"request_id": "r2"})
	require.NoError(t, err)
	require.NotNil(t, second.PreviousHash)
	assert.Equal(t, head, *second.PreviousHash)

	result, err := log2.Verify()
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestWindowFile_CappedMostRecent(t *testing.T) {
	log, dir := newTestLog(t, WithWindowSize(3))

	for i := 0; i < 5; i++ {
		_, err := log.Append(KindDecision, map[string]any{"n": i})
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, WindowFile))
	require.NoError(t, err)

	var doc struct {
		Items []Entry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Items, 3)

	// Window holds the most recent three, oldest first.
	assert.Equal(t, float64(2), doc.Items[0].Payload["n"])
	assert.Equal(t, float64(4), doc.Items[2].Payload["n"])
}

// Scenario: manually mutate one decision_payload field; verification must
// flag the mutated index with payload_hash_mismatch or signature_invalid.
func TestVerify_DetectsTamperedPayload(t *testing.T) {
	log, dir := newTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := log.Append(KindDecision, map[string]any{"request_id": "r", "decision": "allow"})
		require.NoError(t, err)
	}

	path := filepath.Join(dir, StreamFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)

	lines[1] = strings.Replace(lines[1], `"decision":"allow"`, `"decision":"deny"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	result, err := log.Verify()
	require.NoError(t, err)
	assert.False(t, result.OK)

	reasons := map[string]bool{}
	for _, issue := range result.Issues {
		if issue.Index == 1 {
			reasons[issue.Reason] = true
		}
	}
	assert.True(t, reasons[ReasonPayloadHashMismatch] || reasons[ReasonSignatureInvalid],
		"mutated index must carry a payload or signature issue, got %+v", result.Issues)
}

func TestVerify_DetectsBrokenLink(t *testing.T) {
	log, dir := newTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := log.Append(KindDecision, map[string]any{"n": i})
		require.NoError(t, err)
	}

	// Drop the middle line entirely: the third entry's previous_hash no
	// longer matches its new predecessor.
	path := filepath.Join(dir, StreamFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o644))

	result, err := log.Verify()
	require.NoError(t, err)
	assert.False(t, result.OK)

	found := false
	for _, issue := range result.Issues {
		if issue.Index == 1 && issue.Reason == ReasonPreviousHashMismatch {
			found = true
		}
	}
	assert.True(t, found, "expected previous_hash_mismatch at index 1, got %+v", result.Issues)
}

func TestVerify_WrongKeyFailsSignatures(t *testing.T) {
	log, dir := newTestLog(t)
	_, err := log.Append(KindDecision, map[string]any{"n": 0})
	require.NoError(t, err)

	other, err := signing.NewEd25519Signer("other")
	require.NoError(t, err)

	result, err := VerifyChain(dir, other.PublicKey())
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotEmpty(t, result.Issues)
	assert.Equal(t, ReasonSignatureInvalid, result.Issues[0].Reason)
}

func TestPage_ReverseChronological(t *testing.T) {
	log, _ := newTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := log.Append(KindDecision, map[string]any{"n": i})
		require.NoError(t, err)
	}

	page1, cursor, err := log.Page(2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, float64(4), page1[0].Payload["n"])
	assert.Equal(t, float64(3), page1[1].Payload["n"])
	require.NotEmpty(t, cursor)

	page2, cursor2, err := log.Page(2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, float64(2), page2[0].Payload["n"])

	page3, cursor3, err := log.Page(2, cursor2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor3)
}

func TestEntriesForRequest(t *testing.T) {
	log, _ := newTestLog(t)

	_, err := log.Append(KindDecision, map[string]any{"request_id": "alpha"})
	require.NoError(t, err)
	_, err = log.Append(KindFujiEvaluate, map[string]any{"request_id": "alpha", "risk_score": 0.1})
	require.NoError(t, err)
	_, err = log.Append(KindDecision, map[string]any{"request_id": "beta"})
	require.NoError(t, err)

	entries, err := log.EntriesForRequest("alpha")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindDecision, entries[0].Kind())
	assert.Equal(t, KindFujiEvaluate, entries[1].Kind())
}

func TestExport_IncludesVerificationAndKey(t *testing.T) {
	log, _ := newTestLog(t)
	_, err := log.Append(KindDecision, map[string]any{"request_id": "r1"})
	require.NoError(t, err)

	bundle, err := log.Export()
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.EntryCount)
	assert.Equal(t, log.PublicKey(), bundle.PublicKey)
	assert.True(t, bundle.Verification.OK)
	assert.Contains(t, bundle.PublicKeyPath, signing.PublicKeyFile)
}
