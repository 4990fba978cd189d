package fuji

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy is the gate's tunable surface, loaded from YAML. Zero values are
// filled from DefaultPolicy so a sparse file stays valid.
type Policy struct {
	Version     string        `yaml:"version" json:"version"`
	MinEvidence int           `yaml:"min_evidence" json:"min_evidence"`
	Risk        RiskPolicy    `yaml:"risk" json:"risk"`
	Keywords    KeywordPolicy `yaml:"keywords" json:"keywords"`
	Audit       AuditPolicy   `yaml:"audit" json:"audit"`
	GuardRules  []GuardRule   `yaml:"guard_rules" json:"guard_rules,omitempty"`
}

// RiskPolicy holds the decision thresholds, all in [0,1].
type RiskPolicy struct {
	Deny       float64 `yaml:"deny" json:"deny"`
	Warn       float64 `yaml:"warn" json:"warn"`
	HighStakes float64 `yaml:"high_stakes" json:"high_stakes"`
	TelosFloor float64 `yaml:"telos_floor" json:"telos_floor"`
}

// KeywordPolicy holds the banned-keyword lists. Matching is done on the
// sanitize.Normalize form, so full-width or mixed-case variants still hit.
type KeywordPolicy struct {
	HardBlock []string `yaml:"hard_block" json:"hard_block"`
	SoftBlock []string `yaml:"soft_block" json:"soft_block"`
}

// AuditPolicy controls what the fuji_evaluate trust-log event carries.
type AuditPolicy struct {
	RedactBeforeLog bool `yaml:"redact_before_log" json:"redact_before_log"`
	PreviewMaxRunes int  `yaml:"preview_max_runes" json:"preview_max_runes"`
}

// GuardRule is an optional governance expression evaluated in Stage C.
// Expressions run under the deterministic CEL profile; inputs are scaled
// integers (risk_pct, stakes_pct, telos_pct, evidence_count) plus strings.
type GuardRule struct {
	ID         string `yaml:"id" json:"id"`
	Expression string `yaml:"expression" json:"expression"`
	Action     string `yaml:"action" json:"action"` // BLOCK | WARN
	Message    string `yaml:"message" json:"message,omitempty"`
}

// DefaultPolicy returns the policy used when no file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:     "2.0",
		MinEvidence: 1,
		Risk: RiskPolicy{
			Deny:       0.6,
			Warn:       0.4,
			HighStakes: 0.7,
			TelosFloor: 0.3,
		},
		Keywords: KeywordPolicy{
			HardBlock: []string{
				"how to build a bomb",
				"how to make a bomb",
				"make explosives",
				"build a weapon at home",
				"synthesize nerve agent",
				"爆弾の作り方",
				"爆発物の製造",
				"武器の密造",
			},
			SoftBlock: []string{
				"weapon",
				"explosive",
				"firearm",
				"武器",
				"兵器",
			},
		},
		Audit: AuditPolicy{
			RedactBeforeLog: true,
			PreviewMaxRunes: 160,
		},
	}
}

// normalize fills blanks from the defaults and clamps thresholds.
func (p *Policy) normalize() {
	def := DefaultPolicy()
	if p.Version == "" {
		p.Version = def.Version
	}
	if p.MinEvidence <= 0 {
		p.MinEvidence = def.MinEvidence
	}
	if p.Risk.Deny <= 0 {
		p.Risk.Deny = def.Risk.Deny
	}
	if p.Risk.Warn <= 0 {
		p.Risk.Warn = def.Risk.Warn
	}
	if p.Risk.HighStakes <= 0 {
		p.Risk.HighStakes = def.Risk.HighStakes
	}
	if p.Risk.TelosFloor <= 0 {
		p.Risk.TelosFloor = def.Risk.TelosFloor
	}
	if p.Audit.PreviewMaxRunes <= 0 {
		p.Audit.PreviewMaxRunes = def.Audit.PreviewMaxRunes
	}
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	p.Risk.Deny = clamp(p.Risk.Deny)
	p.Risk.Warn = clamp(p.Risk.Warn)
	p.Risk.HighStakes = clamp(p.Risk.HighStakes)
	p.Risk.TelosFloor = clamp(p.Risk.TelosFloor)
}

// LoadPolicy parses the YAML policy at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fuji: read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("fuji: parse policy %s: %w", path, err)
	}
	p.normalize()
	return &p, nil
}

// PolicyStore serves the current policy and keeps it fresh: an fsnotify
// watcher reloads on write/rename with a short debounce, and a modtime check
// on read covers platforms where inotify is unavailable. A broken edit keeps
// the previous policy in force.
type PolicyStore struct {
	mu      sync.RWMutex
	path    string
	current *Policy
	modTime time.Time
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPolicyStore loads the policy at path ("" serves DefaultPolicy) and
// starts the watcher when a path is given.
func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyStore{path: path, logger: logger, done: make(chan struct{})}

	if path == "" {
		s.current = DefaultPolicy()
		return s, nil
	}

	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	s.current = p
	if info, err := os.Stat(path); err == nil {
		s.modTime = info.ModTime()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Reload-on-read still works; log and continue.
		logger.Warn("fuji policy watcher unavailable, falling back to modtime checks", slog.String("error", err.Error()))
		return s, nil
	}
	// Watch the directory: editors replace files by rename, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		logger.Warn("fuji policy watch failed, falling back to modtime checks", slog.String("error", err.Error()))
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Current returns the active policy, reloading first if the file changed
// since the last load.
func (s *PolicyStore) Current() *Policy {
	s.maybeReload()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Close stops the watcher.
func (s *PolicyStore) Close() {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func (s *PolicyStore) watch() {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, s.reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fuji policy watcher error", slog.String("error", err.Error()))
		}
	}
}

// maybeReload reloads when the file's modtime moved past the loaded one.
func (s *PolicyStore) maybeReload() {
	if s.path == "" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	stale := info.ModTime().After(s.modTime)
	s.mu.RUnlock()
	if stale {
		s.reload()
	}
}

func (s *PolicyStore) reload() {
	p, err := LoadPolicy(s.path)
	if err != nil {
		s.logger.Warn("fuji policy reload failed, keeping previous policy", slog.String("error", err.Error()))
		return
	}
	info, statErr := os.Stat(s.path)

	s.mu.Lock()
	s.current = p
	if statErr == nil {
		s.modTime = info.ModTime()
	}
	s.mu.Unlock()

	s.logger.Info("fuji policy reloaded", slog.String("version", p.Version))
}
