package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/api"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
)

// runKeygenCmd implements `veritas keygen`.
//
// Creates the Ed25519 signing keypair eagerly instead of on first decision,
// so the public key can be distributed before the gateway ever runs.
// Existing keys are never overwritten.
//
// Exit codes:
//
//	0 = keypair present (created or already there)
//	2 = runtime error
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var logRoot string
	cmd.StringVar(&logRoot, "log-root", "", "Trust log directory (default: VERITAS_LOG_ROOT)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if logRoot == "" {
		logRoot = config.Load().LogRoot
	}

	keyDir := filepath.Join(logRoot, "keys")
	_, statErr := os.Stat(filepath.Join(keyDir, signing.PrivateKeyFile))
	existed := statErr == nil

	signer, err := signing.LoadOrCreate(keyDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if existed {
		_, _ = fmt.Fprintf(stdout, "keypair already present in %s\n", keyDir)
	} else {
		_, _ = fmt.Fprintf(stdout, "keypair generated in %s\n", keyDir)
	}
	_, _ = fmt.Fprintf(stdout, "public key: %s\n", signer.PublicKey())
	return 0
}

// runTokenCmd implements `veritas token --sub <operator> [--ttl 15m]`.
//
// Mints an operator review token signed by the gateway's own trust root.
// The token is printed to stdout and nothing else, so it can be piped
// straight into a header.
//
// Exit codes:
//
//	0 = token minted
//	2 = runtime error or missing --sub
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sub     string
		ttl     time.Duration
		logRoot string
	)

	cmd.StringVar(&sub, "sub", "", "Operator subject (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 15*time.Minute, "Token lifetime")
	cmd.StringVar(&logRoot, "log-root", "", "Trust log directory (default: VERITAS_LOG_ROOT)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sub == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
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

	auth := api.NewOperatorAuth(signer.PublicKeyBytes(), ed25519.NewKeyFromSeed(signer.Seed()))
	token, err := auth.Mint(sub, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
