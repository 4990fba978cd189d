package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Invariant: after WriteFile the reader sees either the previous content or
// the new content, never a prefix.
func TestWriteFile_ReplacesWholeContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFile(path, []byte("first"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, WriteFile(path, []byte("second, longer content"), 0o644))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second, longer content", string(got))
}

func TestWriteFile_NoTempResidue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFile(path, []byte("x"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp sibling must be renamed away")
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestWriteFile_RecoversFromStaleTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	// Simulate a crashed writer that left its temp file behind.
	require.NoError(t, os.WriteFile(path+".tmp", []byte("stale"), 0o644))

	require.NoError(t, WriteFile(path, []byte("fresh"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestWriteFile_AppliesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")

	require.NoError(t, WriteFile(path, []byte("k"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAppendSync_Appends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	require.NoError(t, AppendSync(path, []byte("a\n"), 0o644))
	require.NoError(t, AppendSync(path, []byte("b\n"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(got))
}
