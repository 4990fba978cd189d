package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/pipeline"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/trustlog"
)

// Decider re-executes the pipeline for a replayed request. The wiring passes
// a pipeline built over throwaway audit sinks and no governor, so replays
// never extend the production chain or move the value EMA.
type Decider interface {
	Decide(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// SnapshotSource yields the persisted snapshot for a decision. *Store
// satisfies it.
type SnapshotSource interface {
	Get(ctx context.Context, decisionID string) (*Snapshot, error)
}

// EntrySource is the trust-log lookup the engine falls back to for decisions
// persisted before the snapshot store existed.
type EntrySource interface {
	EntryByDecisionID(decisionID string) (*trustlog.Entry, error)
}

// Diff is the structural comparison between the original and replayed final
// outputs. Keys are sorted dot paths, empty on match.
type Diff struct {
	Changed bool     `json:"changed"`
	Keys    []string `json:"keys"`
}

// Report is the outcome of one replay run, persisted under the report
// directory as replay_<decision_id>_<ts>.json.
type Report struct {
	DecisionID   string         `json:"decision_id"`
	RequestID    string         `json:"request_id,omitempty"`
	Match        bool           `json:"match"`
	Diff         Diff           `json:"diff"`
	ReplayTimeMS int64          `json:"replay_time_ms"`
	Seed         int64          `json:"seed"`
	Temperature  float64        `json:"temperature"`
	ReplayedAt   string         `json:"replayed_at"`
	Original     map[string]any `json:"original_output"`
	Replayed     map[string]any `json:"replayed_output"`
	ReportPath   string         `json:"-"`
}

// Engine re-executes persisted decisions and reports divergence.
type Engine struct {
	snapshots SnapshotSource
	log       EntrySource
	decider   Decider
	reportDir string
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine creates a replay engine. log may be nil when no trust-log
// fallback is wanted; reportDir may be empty to skip report files.
func NewEngine(snapshots SnapshotSource, log EntrySource, decider Decider, reportDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		snapshots: snapshots,
		log:       log,
		decider:   decider,
		reportDir: reportDir,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.clock = now
	return e
}

// Replay loads the decision's snapshot, re-invokes the pipeline with the
// original request, and diffs the final outputs. The report is written
// before returning; a write failure fails the replay.
func (e *Engine) Replay(ctx context.Context, decisionID string) (*Report, error) {
	snap, err := e.load(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	var req pipeline.Request
	if err := json.Unmarshal(snap.RequestBody, &req); err != nil {
		return nil, fmt.Errorf("replay: decode request body for %s: %w", decisionID, err)
	}

	start := e.clock()
	resp, err := e.decider.Decide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("replay: re-execute %s: %w", decisionID, err)
	}
	elapsed := e.clock().Sub(start)

	replayed := map[string]any{}
	if resp.Extras.Replay != nil {
		replayed = resp.Extras.Replay.FinalOutput
	}
	changed, keys := structuralDiff(snap.FinalOutput, replayed)

	report := &Report{
		DecisionID:   decisionID,
		RequestID:    snap.RequestID,
		Match:        !changed,
		Diff:         Diff{Changed: changed, Keys: keys},
		ReplayTimeMS: elapsed.Milliseconds(),
		Seed:         snap.Seed,
		Temperature:  snap.Temperature,
		ReplayedAt:   e.clock().UTC().Format(time.RFC3339),
		Original:     snap.FinalOutput,
		Replayed:     replayed,
	}
	if err := e.writeReport(report); err != nil {
		return nil, err
	}
	e.logger.Info("replay complete",
		slog.String("decision_id", decisionID),
		slog.Bool("match", report.Match),
		slog.Int64("replay_time_ms", report.ReplayTimeMS))
	return report, nil
}

// load prefers the sqlite store, falling back to the decision's trust-log
// entry.
func (e *Engine) load(ctx context.Context, decisionID string) (*Snapshot, error) {
	if e.snapshots != nil {
		snap, err := e.snapshots.Get(ctx, decisionID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if e.log == nil {
		return nil, ErrNotFound
	}
	entry, err := e.log.EntryByDecisionID(decisionID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return SnapshotFromEntry(entry)
}

// SnapshotFromEntry recovers a snapshot from a decision entry's
// deterministic_replay block.
func SnapshotFromEntry(entry *trustlog.Entry) (*Snapshot, error) {
	block, ok := entry.Payload["deterministic_replay"].(map[string]any)
	if !ok || len(block) == 0 {
		return nil, fmt.Errorf("replay: decision %s carries no deterministic_replay block", entry.DecisionID)
	}
	raw, err := json.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("replay: encode deterministic_replay block: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("replay: decode deterministic_replay block: %w", err)
	}
	snap.DecisionID = entry.DecisionID
	snap.RequestID = entry.RequestID()
	snap.CreatedAt = parseTime(entry.Timestamp)
	return &snap, nil
}

func (e *Engine) writeReport(report *Report) error {
	if e.reportDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.reportDir, 0o755); err != nil {
		return fmt.Errorf("replay: create report dir: %w", err)
	}
	name := fmt.Sprintf("replay_%s_%d.json", report.DecisionID, e.clock().UTC().Unix())
	path := filepath.Join(e.reportDir, name)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("replay: encode report: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("replay: write report: %w", err)
	}
	report.ReportPath = path
	return nil
}
