package trustlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/canonicaljson"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
)

// VerifyChain walks the persisted chain (rotated predecessor, then the
// current stream) and checks, per entry: the payload hash, the link to the
// previous entry as written, and the Ed25519 signature.
//
// Chain anchoring rules:
//   - rotated file present: its first entry is the anchor; a non-null
//     previous_hash there refers to a generation no longer on disk and is
//     accepted as-is.
//   - rotated file absent, .last_hash marker present: the first stream entry
//     must link to the marker.
//   - neither present: the first entry must be genesis (previous_hash null).
func VerifyChain(dir, pubKeyB64 string) (*VerifyResult, error) {
	oldLines, err := readLines(filepath.Join(dir, RotatedFile))
	if err != nil {
		return nil, err
	}
	newLines, err := readLines(filepath.Join(dir, StreamFile))
	if err != nil {
		return nil, err
	}

	anchor := ""
	anchorless := len(oldLines) > 0
	if !anchorless {
		marker, err := os.ReadFile(filepath.Join(dir, LastHashFile))
		if err == nil {
			anchor = strings.TrimSpace(string(marker))
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("trustlog: read %s: %w", LastHashFile, err)
		}
	}

	lines := make([][]byte, 0, len(oldLines)+len(newLines))
	lines = append(lines, oldLines...)
	lines = append(lines, newLines...)

	return verifyLines(lines, pubKeyB64, anchor, anchorless), nil
}

// verifyLines checks raw persisted lines. anchor is the expected
// previous_hash of the first line ("" meaning genesis); anchorless accepts
// any first-entry previous_hash (predecessor generation discarded).
func verifyLines(lines [][]byte, pubKeyB64, anchor string, anchorless bool) *VerifyResult {
	issues := []VerifyIssue{}
	prevHash := anchor

	for i, line := range lines {
		lineHash := hashAsWritten(line)

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			issues = append(issues, VerifyIssue{Index: i, Reason: ReasonPayloadHashMismatch})
			prevHash = lineHash
			continue
		}

		recomputed, err := canonicaljson.Hash(entry.Payload)
		if err != nil || recomputed != entry.PayloadHash {
			issues = append(issues, VerifyIssue{Index: i, Reason: ReasonPayloadHashMismatch})
		}

		switch {
		case i == 0 && anchorless:
			// Accepted anchor; nothing to compare against.
		case prevHash == "":
			if entry.PreviousHash != nil {
				issues = append(issues, VerifyIssue{Index: i, Reason: ReasonPreviousHashMismatch})
			}
		default:
			if entry.PreviousHash == nil || *entry.PreviousHash != prevHash {
				issues = append(issues, VerifyIssue{Index: i, Reason: ReasonPreviousHashMismatch})
			}
		}

		ok, err := signing.Verify(pubKeyB64, entry.Signature, []byte(entry.PayloadHash))
		if err != nil || !ok {
			issues = append(issues, VerifyIssue{Index: i, Reason: ReasonSignatureInvalid})
		}

		prevHash = lineHash
	}

	return &VerifyResult{
		OK:             len(issues) == 0,
		EntriesChecked: len(lines),
		Issues:         issues,
		HeadHash:       prevHash,
	}
}

// hashAsWritten hashes the canonical form of a persisted line. Lines are
// written canonically, so for untampered entries this is the hash of the
// exact bytes; for tampered-but-parseable lines it still reflects what a
// successor's previous_hash was computed over.
func hashAsWritten(line []byte) string {
	canonical, err := canonicaljson.Transform(line)
	if err != nil {
		return canonicaljson.HashBytes(line)
	}
	return canonicaljson.HashBytes(canonical)
}

// Verify runs VerifyChain against this ledger's directory and key.
func (t *TrustLog) Verify() (*VerifyResult, error) {
	return VerifyChain(t.dir, t.signer.PublicKey())
}
