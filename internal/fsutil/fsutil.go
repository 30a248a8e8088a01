// Package fsutil holds the filesystem helpers shared by the downloader and the
// path template renderer: filename sanitizing, directory policy and atomic writes.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	multipleSpaces       = regexp.MustCompile(`\s+`)
)

// ErrNotDirectory is returned when a destination exists but is not a directory.
var ErrNotDirectory = errors.New("path exists and is not a directory")

// SanitizeFilename replaces characters that are invalid in file names with
// spaces, squashes ".." and collapses whitespace.
func SanitizeFilename(name string) string {
	cleaned := invalidFilenameChars.ReplaceAllString(name, " ")
	cleaned = strings.ReplaceAll(cleaned, "..", ".")
	return CollapseSpaces(cleaned)
}

// CollapseSpaces collapses whitespace runs into single spaces and trims the result.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(multipleSpaces.ReplaceAllString(s, " "))
}

// CleanSavePath expands a leading "~" and returns an absolute, cleaned path.
func CleanSavePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve save path: %w", err)
	}
	return abs, nil
}

// EnsureDirectory verifies path is a directory, creating it when missing and create is set.
// It reports whether the directory was created.
func EnsureDirectory(path string, create bool) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%s: %w", path, ErrNotDirectory)
		}
		return false, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("stat %s: %w", path, err)
	case !create:
		return false, fmt.Errorf("directory %s does not exist: %w", path, os.ErrNotExist)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return false, fmt.Errorf("create directory %s: %w", path, err)
	}
	return true, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and renames
// it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
