// Package reports renders compliance documents over the trust log: a
// per-decision EU AI Act dossier and a governance aggregate over a time
// window. Reports persist as compliance_reports/{report_id}.json and are
// archived to the configured store when one is wired.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/archive"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// ErrDecisionNotFound reports a dossier request for an unknown decision id.
var ErrDecisionNotFound = errors.New("reports: decision not found")

// Ledger is the trust-log read surface reports are built from.
type Ledger interface {
	EntryByDecisionID(decisionID string) (*trustlog.Entry, error)
	EntriesForRequest(requestID string) ([]*trustlog.Entry, error)
	Entries() ([]*trustlog.Entry, error)
	Verify() (*trustlog.VerifyResult, error)
}

// Builder renders and persists compliance reports.
type Builder struct {
	ledger    Ledger
	registry  *fuji.Registry
	store     archive.Store
	outDir    string
	replayDir string
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures optional behavior.
type Option func(*Builder)

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.clock = now }
}

// WithArchive adds cold-storage archival of rendered reports. Archival is
// best effort: a failed put logs and the local report stands.
func WithArchive(store archive.Store) Option {
	return func(b *Builder) { b.store = store }
}

// WithReplayDir points dossiers at the replay report directory so they can
// surface replay status.
func WithReplayDir(dir string) Option {
	return func(b *Builder) { b.replayDir = dir }
}

// NewBuilder creates a report builder writing under outDir.
func NewBuilder(ledger Ledger, registry *fuji.Registry, outDir string, logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		ledger:   ledger,
		registry: registry,
		outDir:   outDir,
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// persist writes the rendered report and archives it when a store is wired.
// Returns the local path and the archive ref ("" when not archived).
func (b *Builder) persist(ctx context.Context, reportID string, doc any) (string, string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("reports: encode report: %w", err)
	}
	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("reports: create report dir: %w", err)
	}
	path := filepath.Join(b.outDir, reportID+".json")
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("reports: write report: %w", err)
	}

	ref := ""
	if b.store != nil {
		ref, err = b.store.Put(ctx, data)
		if err != nil {
			b.logger.Warn("reports: archive put failed",
				slog.String("report_id", reportID),
				slog.String("error", err.Error()))
			ref = ""
		}
	}
	return path, ref, nil
}

func newReportID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Payload accessors. Persisted entries decode numbers as float64, while
// tests build payloads with Go literals; both spellings are accepted.

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func f64(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func intOf(m map[string]any, key string) int {
	return int(f64(m, key))
}

func boolOf(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func mapOf(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
