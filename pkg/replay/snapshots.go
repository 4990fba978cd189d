// Package replay reconstructs persisted decisions. Every decision carries a
// deterministic block {seed, temperature, request_body, final_output}; the
// engine re-invokes the pipeline from that block and structurally diffs the
// outcome. Snapshots live in a sqlite store, and decisions persisted before
// the store existed are recovered from their trust-log entry.
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports a decision with no persisted snapshot.
var ErrNotFound = errors.New("replay: snapshot not found")

// Snapshot is one decision's deterministic-replay block plus its identity.
type Snapshot struct {
	DecisionID  string          `json:"decision_id"`
	RequestID   string          `json:"request_id,omitempty"`
	Seed        int64           `json:"seed"`
	Temperature float64         `json:"temperature"`
	RequestBody json.RawMessage `json:"request_body"`
	FinalOutput map[string]any  `json:"final_output"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store persists snapshots in sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("replay: create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open store: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle and ensures the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			decision_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			request_body JSON NOT NULL,
			final_output JSON NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_request ON snapshots(request_id);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("replay: migrate: %w", err)
		}
	}
	return nil
}

// Save upserts the snapshot for a decision.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap.DecisionID == "" {
		return errors.New("replay: snapshot needs a decision id")
	}
	outJSON, err := json.Marshal(snap.FinalOutput)
	if err != nil {
		return fmt.Errorf("replay: encode final output: %w", err)
	}
	body := snap.RequestBody
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	query := `INSERT OR REPLACE INTO snapshots (
		decision_id, request_id, seed, temperature, request_body, final_output, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		snap.DecisionID, snap.RequestID, snap.Seed, snap.Temperature,
		string(body), string(outJSON), snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("replay: insert snapshot: %w", err)
	}
	return nil
}

// Get returns the snapshot for a decision, or ErrNotFound.
func (s *Store) Get(ctx context.Context, decisionID string) (*Snapshot, error) {
	query := `
		SELECT decision_id, request_id, seed, temperature, request_body, final_output, created_at
		FROM snapshots
		WHERE decision_id = ?
	`
	return scanSnapshot(s.db.QueryRowContext(ctx, query, decisionID))
}

// List returns the most recent snapshots, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT decision_id, request_id, seed, temperature, request_body, final_output, created_at
		FROM snapshots
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		decisionID  string
		requestID   string
		seed        int64
		temperature float64
		bodyJSON    string
		outputJSON  string
		createdAt   string
	)
	if err := row.Scan(&decisionID, &requestID, &seed, &temperature, &bodyJSON, &outputJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var output map[string]any
	if outputJSON != "" {
		_ = json.Unmarshal([]byte(outputJSON), &output)
	}
	return &Snapshot{
		DecisionID:  decisionID,
		RequestID:   requestID,
		Seed:        seed,
		Temperature: temperature,
		RequestBody: json.RawMessage(bodyJSON),
		FinalOutput: output,
		CreatedAt:   parseTime(createdAt),
	}, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
