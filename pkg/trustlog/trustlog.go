package trustlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/canonicaljson"
	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/signing"
)

// File names under the log root.
const (
	StreamFile   = "trust_log.jsonl"
	RotatedFile  = "trust_log_old.jsonl"
	WindowFile   = "trust_log.json"
	LastHashFile = ".last_hash"
)

// Defaults for rotation and the JSON window.
const (
	DefaultMaxLines   = 5000
	DefaultWindowSize = 2000
)

// Line buffer sizing for reading back entries.
const maxLineBytes = 16 << 20

// ErrIntegrity marks a write-time verification failure. It is the one error
// class that must surface to the caller unmasked.
var ErrIntegrity = errors.New("trustlog: integrity check failed at write")

// TrustLog is the append-only ledger. One mutex serializes the full
// check-rotate-append sequence so a concurrent writer can never observe the
// pre-rotation file.
type TrustLog struct {
	mu     sync.Mutex
	dir    string
	signer signing.Signer

	maxLines   int
	windowSize int
	now        func() time.Time

	lineCount int
	lastHash  string // hash of the newest persisted entry; "" before genesis

	window []json.RawMessage // most recent entries, canonical lines

	rotationHook func(segment []byte)
}

// Option configures a TrustLog.
type Option func(*TrustLog)

// WithMaxLines overrides the rotation threshold.
func WithMaxLines(n int) Option {
	return func(t *TrustLog) { t.maxLines = n }
}

// WithWindowSize overrides the trust_log.json window size.
func WithWindowSize(n int) Option {
	return func(t *TrustLog) { t.windowSize = n }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *TrustLog) { t.now = now }
}

// WithRotationHook registers a callback that receives the full contents of
// a stream segment the moment it rotates out. The hook runs on its own
// goroutine so slow archival never holds the append lock.
func WithRotationHook(hook func(segment []byte)) Option {
	return func(t *TrustLog) { t.rotationHook = hook }
}

// Open prepares the ledger in dir, recovering the chain head from the
// existing stream or, after a rotation, from the .last_hash marker.
func Open(dir string, signer signing.Signer, opts ...Option) (*TrustLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trustlog: ensure dir: %w", err)
	}

	t := &TrustLog{
		dir:        dir,
		signer:     signer,
		maxLines:   DefaultMaxLines,
		windowSize: DefaultWindowSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.recover(); err != nil {
		return nil, err
	}
	return t, nil
}

// recover scans the current stream to restore lineCount, lastHash, and the
// JSON window. Called once from Open; no lock needed yet.
func (t *TrustLog) recover() error {
	lines, err := readLines(filepath.Join(t.dir, StreamFile))
	if err != nil {
		return err
	}
	t.lineCount = len(lines)

	if len(lines) > 0 {
		canonical, err := canonicaljson.Transform(lines[len(lines)-1])
		if err != nil {
			return fmt.Errorf("trustlog: recover tail entry: %w", err)
		}
		t.lastHash = canonicaljson.HashBytes(canonical)
	} else {
		marker, err := os.ReadFile(filepath.Join(t.dir, LastHashFile))
		switch {
		case err == nil:
			t.lastHash = strings.TrimSpace(string(marker))
		case os.IsNotExist(err):
			t.lastHash = ""
		default:
			return fmt.Errorf("trustlog: read %s: %w", LastHashFile, err)
		}
	}

	// Rebuild the window from the stream tails: rotated predecessor first
	// when the current file alone cannot fill it.
	window := make([]json.RawMessage, 0, t.windowSize)
	if len(lines) < t.windowSize {
		oldLines, err := readLines(filepath.Join(t.dir, RotatedFile))
		if err != nil {
			return err
		}
		need := t.windowSize - len(lines)
		if len(oldLines) > need {
			oldLines = oldLines[len(oldLines)-need:]
		}
		for _, l := range oldLines {
			window = append(window, json.RawMessage(l))
		}
	}
	tail := lines
	if len(tail) > t.windowSize {
		tail = tail[len(tail)-t.windowSize:]
	}
	for _, l := range tail {
		window = append(window, json.RawMessage(l))
	}
	t.window = window
	return nil
}

// Append records a payload of the given kind and returns the persisted entry.
// The payload map is not retained. Returns ErrIntegrity (wrapped) if the
// freshly written record fails re-verification.
func (t *TrustLog) Append(kind string, payload map[string]any) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rotateLocked(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("trustlog: uuidv7: %w", err)
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	if kind != "" {
		body["kind"] = kind
	}

	payloadHash, err := canonicaljson.Hash(body)
	if err != nil {
		return nil, fmt.Errorf("trustlog: hash payload: %w", err)
	}
	signature, err := t.signer.Sign([]byte(payloadHash))
	if err != nil {
		return nil, fmt.Errorf("trustlog: sign payload: %w", err)
	}

	entry := &Entry{
		DecisionID:  id.String(),
		Timestamp:   t.now().UTC().Format(time.RFC3339),
		Payload:     body,
		PayloadHash: payloadHash,
		Signature:   signature,
	}
	if t.lastHash != "" {
		prev := t.lastHash
		entry.PreviousHash = &prev
	}

	// Write-time self verification: a record that would not verify must
	// never reach the chain.
	ok, err := signing.Verify(t.signer.PublicKey(), signature, []byte(payloadHash))
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: signature self-check (%v)", ErrIntegrity, err)
	}

	line, err := canonicaljson.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("trustlog: marshal entry: %w", err)
	}

	streamPath := filepath.Join(t.dir, StreamFile)
	if err := atomicfile.AppendSync(streamPath, append(line, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("trustlog: append: %w", err)
	}

	t.lastHash = canonicaljson.HashBytes(line)
	t.lineCount++

	t.window = append(t.window, json.RawMessage(line))
	if len(t.window) > t.windowSize {
		t.window = t.window[len(t.window)-t.windowSize:]
	}
	if err := t.writeWindowLocked(); err != nil {
		return nil, err
	}

	return entry, nil
}

// rotateLocked rotates the stream when the next append would exceed maxLines.
// The chain hash crosses the rotation via the .last_hash marker.
func (t *TrustLog) rotateLocked() error {
	if t.lineCount < t.maxLines {
		return nil
	}

	if t.lastHash != "" {
		marker := []byte(t.lastHash + "\n")
		if err := atomicfile.WriteFile(filepath.Join(t.dir, LastHashFile), marker, 0o644); err != nil {
			return fmt.Errorf("trustlog: persist chain marker: %w", err)
		}
	}

	streamPath := filepath.Join(t.dir, StreamFile)

	var segment []byte
	if t.rotationHook != nil {
		segment, _ = os.ReadFile(streamPath) // best-effort; rotation proceeds regardless
	}

	if err := os.Rename(streamPath, filepath.Join(t.dir, RotatedFile)); err != nil {
		return fmt.Errorf("trustlog: rotate: %w", err)
	}

	if t.rotationHook != nil && len(segment) > 0 {
		go t.rotationHook(segment)
	}

	t.lineCount = 0
	return nil
}

func (t *TrustLog) writeWindowLocked() error {
	doc := struct {
		Items []json.RawMessage `json:"items"`
	}{Items: t.window}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("trustlog: marshal window: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(t.dir, WindowFile), data, 0o644); err != nil {
		return fmt.Errorf("trustlog: write window: %w", err)
	}
	return nil
}

// HeadHash returns the hash of the newest entry, or "" before genesis.
func (t *TrustLog) HeadHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHash
}

// Len returns the number of lines in the current (unrotated) stream.
func (t *TrustLog) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lineCount
}

// Dir returns the log root directory.
func (t *TrustLog) Dir() string {
	return t.dir
}

// PublicKey returns the gateway verification key (url-safe base64).
func (t *TrustLog) PublicKey() string {
	return t.signer.PublicKey()
}

// Entries returns all persisted entries in chain order, rotated predecessor
// first. Intended for pagination, lookups, and report building.
func (t *TrustLog) Entries() ([]*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return readChain(t.dir)
}

// EntriesForRequest returns entries whose payload carries the request id, in
// chain order.
func (t *TrustLog) EntriesForRequest(requestID string) ([]*Entry, error) {
	all, err := t.Entries()
	if err != nil {
		return nil, err
	}
	var matched []*Entry
	for _, e := range all {
		if e.RequestID() == requestID {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// EntryByDecisionID returns the entry with the given decision id, or nil.
func (t *TrustLog) EntryByDecisionID(decisionID string) (*Entry, error) {
	all, err := t.Entries()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.DecisionID == decisionID {
			return e, nil
		}
	}
	return nil, nil
}

// Page returns up to limit entries in reverse chronological order starting
// at the opaque cursor, plus the cursor for the next page ("" when done).
func (t *TrustLog) Page(limit int, cursor string) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := t.Entries()
	if err != nil {
		return nil, "", err
	}

	offset := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &offset); err != nil || offset < 0 {
			return nil, "", fmt.Errorf("trustlog: invalid cursor %q", cursor)
		}
	}

	// Reverse chronological: newest first.
	n := len(all)
	start := n - 1 - offset
	if start < 0 {
		return []*Entry{}, "", nil
	}

	page := make([]*Entry, 0, limit)
	for i := start; i >= 0 && len(page) < limit; i-- {
		page = append(page, all[i])
	}

	next := ""
	if start-limit >= 0 {
		next = fmt.Sprintf("%d", offset+limit)
	}
	return page, next, nil
}

// readChain loads rotated-then-current entries.
func readChain(dir string) ([]*Entry, error) {
	var entries []*Entry
	for _, name := range []string{RotatedFile, StreamFile} {
		lines, err := readLines(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, fmt.Errorf("trustlog: parse %s: %w", name, err)
			}
			entries = append(entries, &e)
		}
	}
	return entries, nil
}

// readLines reads non-empty lines; a missing file yields no lines.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trustlog: open %s: %w", path, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trustlog: scan %s: %w", path, err)
	}
	return lines, nil
}
