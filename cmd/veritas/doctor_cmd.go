package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/llm"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
)

// runDoctorCmd implements `veritas doctor`, the configuration and substrate
// self-check. Safe against a live gateway's log root: the only write is a
// transient probe file to test that the directory is writable.
//
// Exit codes:
//
//	0 = all checks pass (warnings allowed)
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string
		Status string // "ok", "warn", "fail"
		Detail string
	}

	var results []checkResult
	allOK := true

	cfg := config.Load()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Check 1: Go runtime
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Check 2: configuration
	if err := cfg.Validate(); err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "config", Status: "ok", Detail: "valid"})
	}

	// Check 3: log root
	if info, err := os.Stat(cfg.LogRoot); err != nil {
		results = append(results, checkResult{
			Name:   "log_root",
			Status: "warn",
			Detail: fmt.Sprintf("%s does not exist (created on first run)", cfg.LogRoot),
		})
	} else if !info.IsDir() {
		results = append(results, checkResult{
			Name:   "log_root",
			Status: "fail",
			Detail: fmt.Sprintf("%s is not a directory", cfg.LogRoot),
		})
		allOK = false
	} else if probe, err := os.CreateTemp(cfg.LogRoot, ".doctor-*"); err != nil {
		results = append(results, checkResult{
			Name:   "log_root",
			Status: "fail",
			Detail: fmt.Sprintf("%s not writable: %v", cfg.LogRoot, err),
		})
		allOK = false
	} else {
		probe.Close()
		os.Remove(probe.Name())
		results = append(results, checkResult{Name: "log_root", Status: "ok", Detail: cfg.LogRoot})
	}

	// Check 4: signing keys
	privPath := filepath.Join(cfg.LogRoot, "keys", signing.PrivateKeyFile)
	if _, err := os.Stat(privPath); err != nil {
		results = append(results, checkResult{
			Name:   "signing_keys",
			Status: "warn",
			Detail: "no keypair yet (generated on first run, or run `veritas keygen`)",
		})
	} else {
		results = append(results, checkResult{Name: "signing_keys", Status: "ok", Detail: privPath})
	}

	// Check 5: FUJI code registry
	if cfg.FujiRegistryPath == "" {
		results = append(results, checkResult{
			Name:   "fuji_registry",
			Status: "ok",
			Detail: fmt.Sprintf("%d codes (built-in)", fuji.NewRegistry().Len()),
		})
	} else if loaded, err := fuji.LoadRegistry(cfg.FujiRegistryPath); err != nil {
		results = append(results, checkResult{Name: "fuji_registry", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "fuji_registry",
			Status: "ok",
			Detail: fmt.Sprintf("%d codes (%s)", loaded.Len(), cfg.FujiRegistryPath),
		})
	}

	// Check 6: FUJI policy
	if policy, err := fuji.NewPolicyStore(cfg.FujiPolicyPath, quiet); err != nil {
		results = append(results, checkResult{Name: "fuji_policy", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		detail := fmt.Sprintf("version %s", policy.Current().Version)
		if cfg.FujiPolicyPath == "" {
			detail += " (embedded defaults)"
		} else {
			detail += " (" + cfg.FujiPolicyPath + ")"
		}
		policy.Close()
		results = append(results, checkResult{Name: "fuji_policy", Status: "ok", Detail: detail})
	}

	// Check 7: governance policy file
	govPath := filepath.Join(cfg.LogRoot, "governance.json")
	if _, err := os.Stat(govPath); err != nil {
		results = append(results, checkResult{
			Name:   "governance",
			Status: "warn",
			Detail: "governance.json does not exist (created on first run)",
		})
	} else {
		results = append(results, checkResult{Name: "governance", Status: "ok", Detail: govPath})
	}

	// Check 8: LLM client
	if _, err := llm.NewFromConfig(cfg); err != nil {
		if errors.Is(err, llm.ErrUnconfigured) {
			results = append(results, checkResult{
				Name:   "llm",
				Status: "warn",
				Detail: "unconfigured, heuristic stages only",
			})
		} else {
			results = append(results, checkResult{Name: "llm", Status: "fail", Detail: err.Error()})
			allOK = false
		}
	} else {
		results = append(results, checkResult{Name: "llm", Status: "ok", Detail: cfg.LLMProvider})
	}

	// Print results
	_, _ = fmt.Fprintf(stdout, "\n%sVERITAS Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintln(stdout, "──────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		_, _ = fmt.Fprintf(stdout, "  %s  %-14s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		_, _ = fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}
