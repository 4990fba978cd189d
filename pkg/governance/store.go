// Package governance owns the gateway's mutable policy surface: the
// governance.json document holding the value weight vector and the value_ema
// drift tracker, plus the deterministic CEL guard evaluated inside the FUJI
// gate. Document updates go through the atomic write protocol and a sibling
// lock file so concurrent processes never interleave read-modify-write.
package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
)

const (
	// DocumentFile is the policy document name under the log root.
	DocumentFile = "governance.json"

	lockSuffix     = ".lock"
	lockRetryEvery = 25 * time.Millisecond
	lockWaitMax    = 2 * time.Second
	lockStaleAfter = 10 * time.Second
)

// documentSchema is the structural contract a governance document must
// satisfy before semantic checks run. Same validation pipeline as the FUJI
// code registry: schema first, invariants second.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "values", "value_ema", "drift"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "updated_at": {"type": "string"},
    "values": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "value_ema": {"type": "number", "minimum": 0, "maximum": 1},
    "drift": {
      "type": "object",
      "required": ["alpha", "baseline", "threshold"],
      "properties": {
        "alpha": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "baseline": {"type": "number", "minimum": 0, "maximum": 1},
        "threshold": {"type": "number", "exclusiveMinimum": 0}
      }
    }
  }
}`

// DriftPolicy configures the value_ema drift alarm. Baseline is a fixed
// anchor taken from the document, not a sliding window; operators move it
// deliberately via PUT when the accepted norm shifts.
type DriftPolicy struct {
	Alpha     float64 `json:"alpha"`
	Baseline  float64 `json:"baseline"`
	Threshold float64 `json:"threshold"`
}

// Document is the governance policy object persisted as governance.json.
// Values is the weight vector consumed by the scoring stage; ValueEMA is
// derived state advanced once per completed decision.
type Document struct {
	Version   string             `json:"version"`
	UpdatedAt string             `json:"updated_at,omitempty"`
	Values    map[string]float64 `json:"values"`
	ValueEMA  float64            `json:"value_ema"`
	Drift     DriftPolicy        `json:"drift"`
}

// DriftStatus reports the EMA position after a decision was folded in.
type DriftStatus struct {
	ValueEMA float64 `json:"value_ema"`
	Baseline float64 `json:"baseline"`
	Drift    float64 `json:"drift"`
	Alarm    bool    `json:"alarm"`
}

// DefaultDocument returns the policy written on first startup.
func DefaultDocument() Document {
	return Document{
		Version: "1.0.0",
		Values: map[string]float64{
			"safety":  0.6,
			"utility": 0.4,
		},
		ValueEMA: 0.5,
		Drift: DriftPolicy{
			Alpha:     0.1,
			Baseline:  0.5,
			Threshold: 0.2,
		},
	}
}

// Store reads and writes the governance document.
type Store struct {
	path   string
	logger *slog.Logger
	clock  func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock substitutes the time source. Test hook.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// Open binds a store to dir, creating dir and a default governance.json when
// absent.
func Open(dir string, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("governance: create dir: %w", err)
	}
	s := &Store{
		path:   filepath.Join(dir, DocumentFile),
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(s.stamp(DefaultDocument())); err != nil {
			return nil, err
		}
		logger.Info("governance policy created", slog.String("path", s.path))
	}
	return s, nil
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Get returns the current document. A missing or unreadable file yields the
// default document rather than an error; reads never block writers.
func (s *Store) Get() Document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return DefaultDocument()
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("governance policy unreadable, serving defaults",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return DefaultDocument()
	}
	return doc
}

// Put replaces the policy portion of the document: weight vector and drift
// configuration. The stored version is patch-bumped, UpdatedAt is stamped,
// and the EMA state is carried over from the stored document so an operator
// PUT never erases drift history. Returns the persisted document.
func (s *Store) Put(doc Document) (Document, error) {
	if err := ValidatePolicy(doc); err != nil {
		return Document{}, err
	}

	release, err := acquireLock(s.path + lockSuffix)
	if err != nil {
		return Document{}, err
	}
	defer release()

	current := s.Get()

	next := doc
	next.ValueEMA = current.ValueEMA
	next.Version, err = bumpPatch(current.Version)
	if err != nil {
		return Document{}, err
	}
	next = s.stamp(next)

	if err := s.validateFull(next); err != nil {
		return Document{}, err
	}
	if err := s.write(next); err != nil {
		return Document{}, err
	}
	s.logger.Info("governance policy updated",
		slog.String("version", next.Version),
		slog.Int("values", len(next.Values)))
	return next, nil
}

// ObserveDecision folds one completed decision's value score into the EMA:
// ema' = alpha*score + (1-alpha)*ema. Scores are clamped to [0,1] first.
func (s *Store) ObserveDecision(score float64) (DriftStatus, error) {
	score = clamp01(score)

	release, err := acquireLock(s.path + lockSuffix)
	if err != nil {
		return DriftStatus{}, err
	}
	defer release()

	doc := s.Get()
	alpha := doc.Drift.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultDocument().Drift.Alpha
	}
	doc.ValueEMA = clamp01(alpha*score + (1-alpha)*doc.ValueEMA)
	doc = s.stamp(doc)
	if err := s.write(doc); err != nil {
		return DriftStatus{}, err
	}

	status := driftStatus(doc)
	if status.Alarm {
		s.logger.Warn("governance value drift alarm",
			slog.Float64("value_ema", status.ValueEMA),
			slog.Float64("baseline", status.Baseline),
			slog.Float64("drift", status.Drift))
	}
	return status, nil
}

// Drift reports the current EMA position without folding a new observation.
func (s *Store) Drift() DriftStatus {
	return driftStatus(s.Get())
}

func driftStatus(doc Document) DriftStatus {
	drift := math.Abs(doc.ValueEMA - doc.Drift.Baseline)
	return DriftStatus{
		ValueEMA: doc.ValueEMA,
		Baseline: doc.Drift.Baseline,
		Drift:    drift,
		Alarm:    doc.Drift.Threshold > 0 && drift > doc.Drift.Threshold,
	}
}

// ValidatePolicy checks the operator-settable portion of a document: weights
// and drift configuration. Version and EMA are server-managed and ignored.
func ValidatePolicy(doc Document) error {
	if len(doc.Values) == 0 {
		return fmt.Errorf("governance: values must carry at least one weight")
	}
	for name, w := range doc.Values {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("governance: empty value name")
		}
		if w < 0 || w > 1 || math.IsNaN(w) {
			return fmt.Errorf("governance: weight %s=%v out of range [0,1]", name, w)
		}
	}
	d := doc.Drift
	if d.Alpha <= 0 || d.Alpha > 1 {
		return fmt.Errorf("governance: drift.alpha %v out of range (0,1]", d.Alpha)
	}
	if d.Baseline < 0 || d.Baseline > 1 {
		return fmt.Errorf("governance: drift.baseline %v out of range [0,1]", d.Baseline)
	}
	if d.Threshold <= 0 {
		return fmt.Errorf("governance: drift.threshold %v must be positive", d.Threshold)
	}
	return nil
}

func (s *Store) validateFull(doc Document) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://veritas.schemas.local/governance/policy.schema.json"
	if err := c.AddResource(url, strings.NewReader(documentSchema)); err != nil {
		return fmt.Errorf("governance: schema load failed: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("governance: schema compile failed: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("governance: encode document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("governance: decode document: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("governance: schema validation failed: %w", err)
	}
	return nil
}

func (s *Store) stamp(doc Document) Document {
	doc.UpdatedAt = s.clock().UTC().Format(time.RFC3339)
	return doc
}

func (s *Store) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("governance: encode document: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("governance: persist document: %w", err)
	}
	return nil
}

func bumpPatch(version string) (string, error) {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		// A corrupt stored version restarts the line instead of wedging PUT.
		return "1.0.1", nil //nolint:nilerr
	}
	next := v.IncPatch()
	return next.String(), nil
}

// acquireLock serializes cross-process writers via an O_EXCL lock file.
// A lock older than lockStaleAfter is treated as abandoned by a crashed
// writer and stolen.
func acquireLock(path string) (func(), error) {
	deadline := time.Now().Add(lockWaitMax)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("governance: acquire lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("governance: lock %s held past %s", path, lockWaitMax)
		}
		time.Sleep(lockRetryEvery)
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
