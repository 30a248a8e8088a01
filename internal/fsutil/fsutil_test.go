package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"invalid chars", `Show: Part/2 <final>?`, "Show Part 2 final"},
		{"double dots", "Title..mkv", "Title.mkv"},
		{"whitespace", "  a \t\n b  ", "a b"},
		{"pipes and quotes", `a|b"c*d`, "a b c d"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, SanitizeFilename(tc.input))
		})
	}
}

func TestEnsureDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	created, err := EnsureDirectory(filepath.Join(root, "a", "b"), true)
	require.NoError(t, err)
	require.True(t, created)

	created, err = EnsureDirectory(filepath.Join(root, "a", "b"), true)
	require.NoError(t, err)
	require.False(t, created)

	_, err = EnsureDirectory(filepath.Join(root, "missing"), false)
	require.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = EnsureDirectory(file, true)
	require.True(t, errors.Is(err, ErrNotDirectory))
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "release.torrent")

	require.NoError(t, WriteFileAtomic(target, []byte("first")))
	require.NoError(t, WriteFileAtomic(target, []byte("second")))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may remain")
}

func TestWriteFileAtomicCleansUpOnRenameFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A directory at the target path makes the rename fail.
	target := filepath.Join(dir, "occupied")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "child"), 0o750))

	require.Error(t, WriteFileAtomic(target, []byte("data")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "occupied", entries[0].Name())
}

func TestCleanSavePath(t *testing.T) {
	t.Parallel()

	got, err := CleanSavePath("relative/../dir")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(got))
	require.Equal(t, "dir", filepath.Base(got))
}
