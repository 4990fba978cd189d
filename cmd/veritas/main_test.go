package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/api"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

func TestRunDispatchesToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	calls := 0
	startServer = func(stdout, stderr io.Writer) int {
		calls++
		return 0
	}

	var out, errOut bytes.Buffer
	cases := [][]string{
		{"veritas"},
		{"veritas", "server"},
		{"veritas", "serve"},
		{"veritas", "-listen", ":0"},
	}
	for _, args := range cases {
		if code := Run(args, &out, &errOut); code != 0 {
			t.Fatalf("Run(%v) = %d, want 0", args, code)
		}
	}
	if calls != len(cases) {
		t.Errorf("server starts = %d, want %d", calls, len(cases))
	}
}

func TestRunUnknownCommand(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()
	startServer = func(stdout, stderr io.Writer) int {
		t.Error("server must not start for an unknown command")
		return 1
	}

	var out, errOut bytes.Buffer
	if code := Run([]string{"veritas", "frobnicate"}, &out, &errOut); code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"veritas", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	for _, want := range []string{"USAGE", "server", "verify", "export", "replay", "keygen", "token", "doctor"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage output missing %q", want)
		}
	}
}

func TestKeygenCmd(t *testing.T) {
	root := t.TempDir()
	var out, errOut bytes.Buffer

	if code := runKeygenCmd([]string{"--log-root", root}, &out, &errOut); code != 0 {
		t.Fatalf("keygen: code %d, stderr %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "keypair generated") {
		t.Errorf("first run output = %q", out.String())
	}
	first := out.String()

	out.Reset()
	if code := runKeygenCmd([]string{"--log-root", root}, &out, &errOut); code != 0 {
		t.Fatalf("second keygen: code %d", code)
	}
	if !strings.Contains(out.String(), "already present") {
		t.Errorf("second run output = %q", out.String())
	}
	if pubKeyLine(first) == "" || pubKeyLine(first) != pubKeyLine(out.String()) {
		t.Error("public key changed between runs")
	}
}

func pubKeyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "public key: ") {
			return line
		}
	}
	return ""
}

func TestTokenCmdMintsVerifiableToken(t *testing.T) {
	root := t.TempDir()
	var out, errOut bytes.Buffer

	if code := runTokenCmd([]string{"--sub", "ops", "--log-root", root}, &out, &errOut); code != 0 {
		t.Fatalf("token: code %d, stderr %s", code, errOut.String())
	}
	token := strings.TrimSpace(out.String())
	if token == "" {
		t.Fatal("no token printed")
	}

	signer, err := signing.LoadOrCreate(filepath.Join(root, "keys"))
	if err != nil {
		t.Fatal(err)
	}
	auth := api.NewOperatorAuth(signer.PublicKeyBytes(), ed25519.NewKeyFromSeed(signer.Seed()))
	req := httptest.NewRequest(http.MethodPost, "/v1/review/dec-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	subject, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if subject != "ops" {
		t.Errorf("subject = %q, want ops", subject)
	}
}

func TestTokenCmdRequiresSubject(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runTokenCmd([]string{"--log-root", t.TempDir()}, &out, &errOut); code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "--sub is required") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

// seedTrustLog writes three signed decision entries under root.
func seedTrustLog(t *testing.T, root string) {
	t.Helper()
	signer, err := signing.LoadOrCreate(filepath.Join(root, "keys"))
	if err != nil {
		t.Fatal(err)
	}
	tlog, err := trustlog.Open(root, signer)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, err := tlog.Append(trustlog.KindDecision, map[string]any{
			"request_id":      fmt.Sprintf("req-%d", i),
			"decision_status": "allow",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestVerifyCmd(t *testing.T) {
	root := t.TempDir()
	seedTrustLog(t, root)

	var out, errOut bytes.Buffer
	if code := runVerifyCmd([]string{"--log-root", root}, &out, &errOut); code != 0 {
		t.Fatalf("verify: code %d, stderr %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "chain intact (3 entries)") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if code := runVerifyCmd([]string{"--log-root", root, "--json"}, &out, &errOut); code != 0 {
		t.Fatalf("verify --json: code %d", code)
	}
	var result trustlog.VerifyResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("stdout is not a VerifyResult: %v", err)
	}
	if !result.OK || result.EntriesChecked != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestVerifyCmdDetectsTampering(t *testing.T) {
	root := t.TempDir()
	seedTrustLog(t, root)

	streamPath := filepath.Join(root, trustlog.StreamFile)
	raw, err := os.ReadFile(streamPath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(raw, []byte(`"allow"`), []byte(`"deny"`), 1)
	if bytes.Equal(tampered, raw) {
		t.Fatal("tamper target not found in stream")
	}
	if err := os.WriteFile(streamPath, tampered, 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	if code := runVerifyCmd([]string{"--log-root", root}, &out, &errOut); code != 1 {
		t.Fatalf("verify after tamper: code %d, want 1 (stderr %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "BROKEN") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), trustlog.ReasonPayloadHashMismatch) {
		t.Errorf("output does not name the broken entry: %q", out.String())
	}
}

func TestExportCmd(t *testing.T) {
	root := t.TempDir()
	seedTrustLog(t, root)

	outPath := filepath.Join(t.TempDir(), "bundle.json")
	var out, errOut bytes.Buffer
	if code := runExportCmd([]string{"--log-root", root, "--out", outPath}, &out, &errOut); code != 0 {
		t.Fatalf("export: code %d, stderr %s", code, errOut.String())
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	var bundle trustlog.ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.EntryCount != 3 {
		t.Errorf("entry_count = %d, want 3", bundle.EntryCount)
	}
	if bundle.PublicKey == "" {
		t.Error("public key missing from bundle")
	}
	if bundle.Verification == nil || !bundle.Verification.OK {
		t.Errorf("verification = %+v, want ok", bundle.Verification)
	}
}

func TestExportCmdStdout(t *testing.T) {
	root := t.TempDir()
	seedTrustLog(t, root)

	var out, errOut bytes.Buffer
	if code := runExportCmd([]string{"--log-root", root}, &out, &errOut); code != 0 {
		t.Fatalf("export: code %d, stderr %s", code, errOut.String())
	}
	var bundle trustlog.ExportBundle
	if err := json.Unmarshal(out.Bytes(), &bundle); err != nil {
		t.Fatalf("stdout is not an export bundle: %v", err)
	}
	if bundle.EntryCount != 3 {
		t.Errorf("entry_count = %d, want 3", bundle.EntryCount)
	}
}

func TestReplayCmdUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runReplayCmd(nil, &out, &errOut); code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage: veritas replay") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestReplayCmdUnknownDecision(t *testing.T) {
	t.Setenv("VERITAS_LOG_ROOT", t.TempDir())
	t.Setenv("VERITAS_API_KEY", "replay-key")
	t.Setenv("VERITAS_API_SECRET", "replay-secret")
	t.Setenv("LLM_PROVIDER", "none")

	var out, errOut bytes.Buffer
	if code := runReplayCmd([]string{"dec-missing"}, &out, &errOut); code != 2 {
		t.Fatalf("code = %d, want 2 (stderr %s)", code, errOut.String())
	}
	if !strings.Contains(errOut.String(), "no replay snapshot for decision dec-missing") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestDoctorCmd(t *testing.T) {
	t.Setenv("VERITAS_LOG_ROOT", t.TempDir())
	t.Setenv("VERITAS_API_KEY", "doctor-key")
	t.Setenv("VERITAS_API_SECRET", "doctor-secret")
	t.Setenv("VERITAS_FUJI_POLICY", "")
	t.Setenv("VERITAS_FUJI_REGISTRY", "")

	var out, errOut bytes.Buffer
	if code := runDoctorCmd(&out, &errOut); code != 0 {
		t.Fatalf("doctor: code %d\n%s", code, out.String())
	}
	for _, want := range []string{"go_runtime", "config", "log_root", "fuji_registry", "fuji_policy", "All checks passed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestDoctorCmdFailsOnInvalidRegistry(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "registry.yaml")
	// F-9 prefix is outside the F-[1-4]xxx grammar.
	bad := "codes:\n  - code: F-9999\n    message: bogus\n    layer: 1\n    severity: LOW\n    blocking: false\n    feedback:\n      action: HUMAN_REVIEW\n"
	if err := os.WriteFile(registryPath, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("VERITAS_LOG_ROOT", t.TempDir())
	t.Setenv("VERITAS_API_KEY", "doctor-key")
	t.Setenv("VERITAS_API_SECRET", "doctor-secret")
	t.Setenv("VERITAS_FUJI_REGISTRY", registryPath)

	var out, errOut bytes.Buffer
	if code := runDoctorCmd(&out, &errOut); code != 1 {
		t.Fatalf("doctor with invalid registry: code %d, want 1\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "fuji_registry") {
		t.Errorf("output does not name the failed check: %q", out.String())
	}
}

func TestDoctorCmdFailsOnBadConfig(t *testing.T) {
	t.Setenv("VERITAS_LOG_ROOT", t.TempDir())
	t.Setenv("VERITAS_API_KEY", "")
	t.Setenv("VERITAS_API_SECRET", "")

	var out, errOut bytes.Buffer
	if code := runDoctorCmd(&out, &errOut); code != 1 {
		t.Fatalf("doctor with no credentials: code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "❌") {
		t.Errorf("output does not mark the failed check: %q", out.String())
	}
}
