// Package archive is the content-addressed store for durable byproducts of
// the gateway: rotated trust-log segments and persisted compliance reports.
// Blobs are keyed by their SHA-256 ("sha256:<hex>"), which makes writes
// idempotent and lets a verifier re-derive the key from the content alone.
// Backends: local filesystem (default), S3, and GCS (build tag gcp).
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
)

// RefPrefix tags every archive reference with its digest algorithm.
const RefPrefix = "sha256:"

// Store is the archival contract. Put returns the content reference; a
// second Put of identical bytes returns the same reference without
// rewriting.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref computes the archive reference for data without storing it.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates a reference and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("archive: invalid ref %q: missing %s prefix", ref, RefPrefix)
	}
	digest := ref[len(RefPrefix):]
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("archive: invalid ref %q: %w", ref, err)
	}
	if len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("archive: invalid ref %q: digest length %d", ref, len(digest))
	}
	return digest, nil
}

// FileStore keeps blobs as <hex>.blob files under a single directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore binds a filesystem store to dir, creating it when absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the blob directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Ref(data)
	path := s.blobPath(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, digest+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: blob not found: %s", ref)
		}
		return nil, fmt.Errorf("archive: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.dir, digest+".blob"))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("archive: stat blob: %w", err)
	}
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, digest+".blob")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) blobPath(ref string) string {
	return filepath.Join(s.dir, strings.TrimPrefix(ref, RefPrefix)+".blob")
}
