package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// runExportCmd implements `veritas export`.
//
// Writes the full-chain audit bundle: every entry in chain order, the public
// key, and an embedded verification result. Export succeeds even over a
// broken chain so the evidence of tampering can itself be handed to an
// auditor; check the bundle's verification block (or run `veritas verify`).
//
// Exit codes:
//
//	0 = bundle written
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logRoot string
		outPath string
	)

	cmd.StringVar(&logRoot, "log-root", "", "Trust log directory (default: VERITAS_LOG_ROOT)")
	cmd.StringVar(&outPath, "out", "", "Output file (default: stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if logRoot == "" {
		logRoot = config.Load().LogRoot
	}

	signer, err := signing.LoadOrCreate(filepath.Join(logRoot, "keys"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	tlog, err := trustlog.Open(logRoot, signer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	bundle, err := tlog.Export()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outPath == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "export bundle written to %s (%d entries, verified=%t)\n",
		outPath, bundle.EntryCount, bundle.Verification.OK)
	return 0
}
