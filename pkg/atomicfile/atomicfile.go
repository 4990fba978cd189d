// Package atomicfile implements the durable write protocol shared by every
// persisted substrate (trust log, key files, governance policy, vector
// indexes): write to a temp sibling opened with O_EXCL, fsync, close, rename
// over the target, then fsync the parent directory.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data. After return either the old
// content or the new content is fully visible; no partial state is observable.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	// O_EXCL so a concurrent writer's temp file is never silently reused.
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			// Stale temp from a crashed writer. Remove and retry once.
			if rmErr := os.Remove(tmp); rmErr != nil {
				return fmt.Errorf("atomicfile: stale temp %s: %w", tmp, rmErr)
			}
			f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		}
		if err != nil {
			return fmt.Errorf("atomicfile: open temp: %w", err)
		}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: rename: %w", err)
	}

	syncDir(dir)
	return nil
}

// OpenAppend opens path for appending, creating it if absent. Callers must
// Sync before relying on durability of appended bytes.
func OpenAppend(path string, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: open append: %w", err)
	}
	return f, nil
}

// AppendSync appends data to path and fsyncs the fd before returning.
func AppendSync(path string, data []byte, perm os.FileMode) error {
	f, err := OpenAppend(path, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("atomicfile: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("atomicfile: fsync append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("atomicfile: close append: %w", err)
	}
	return nil
}

// syncDir fsyncs a directory so a rename is durable. Best effort: directory
// fsync is not supported everywhere (notably Windows).
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
