package trustlog

import (
	"path/filepath"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
)

// ExportBundle is the full-chain export served by the export endpoint and
// the export subcommand: every entry in chain order plus the material needed
// to verify it offline.
type ExportBundle struct {
	ExportedAt    string   `json:"exported_at"`
	Entries       []*Entry `json:"entries"`
	EntryCount    int      `json:"entry_count"`
	HeadHash      string   `json:"head_hash"`
	PublicKey     string   `json:"public_key"`
	PublicKeyPath string   `json:"public_key_path"`
	Verification  *VerifyResult `json:"verification"`
}

// Export assembles the bundle, verifying the chain as part of it so a
// consumer can distinguish a clean export from an already-broken one.
func (t *TrustLog) Export() (*ExportBundle, error) {
	entries, err := t.Entries()
	if err != nil {
		return nil, err
	}
	result, err := t.Verify()
	if err != nil {
		return nil, err
	}

	return &ExportBundle{
		ExportedAt:    t.now().UTC().Format(time.RFC3339),
		Entries:       entries,
		EntryCount:    len(entries),
		HeadHash:      result.HeadHash,
		PublicKey:     t.signer.PublicKey(),
		PublicKeyPath: filepath.Join(t.dir, "keys", signing.PublicKeyFile),
		Verification:  result,
	}, nil
}
