package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// runVerifyCmd implements `veritas verify`.
//
// Walks the persisted trust log chain offline (payload hashes, previous-hash
// links, Ed25519 signatures) without touching a running gateway.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logRoot    string
		pubKeyPath string
		jsonOutput bool
	)

	cmd.StringVar(&logRoot, "log-root", "", "Trust log directory (default: VERITAS_LOG_ROOT)")
	cmd.StringVar(&pubKeyPath, "pubkey", "", "Public key file (default: <log-root>/keys/"+signing.PublicKeyFile+")")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if logRoot == "" {
		logRoot = config.Load().LogRoot
	}
	if pubKeyPath == "" {
		pubKeyPath = filepath.Join(logRoot, "keys", signing.PublicKeyFile)
	}

	pubKey, err := signing.LoadPublicKey(pubKeyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	result, err := trustlog.VerifyChain(logRoot, pubKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if result.OK {
		_, _ = fmt.Fprintf(stdout, "✅ trust log chain intact (%d entries)\n", result.EntriesChecked)
		_, _ = fmt.Fprintf(stdout, "head: %s\n", result.HeadHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ trust log chain BROKEN (%d entries, %d issues)\n",
			result.EntriesChecked, len(result.Issues))
		for _, issue := range result.Issues {
			_, _ = fmt.Fprintf(stdout, "  - entry %d: %s\n", issue.Index, issue.Reason)
		}
	}

	if !result.OK {
		return 1
	}
	return 0
}
