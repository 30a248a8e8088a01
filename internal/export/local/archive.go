// Package local mirrors acquired files into a directory tree keyed by title.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/release-harvester/internal/fsutil"
)

// Config captures the mirror location.
type Config struct {
	// BaseDir is the root directory files are copied under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Archive implements harvest.ArchiveSink on the local filesystem.
type Archive struct {
	baseDir string
}

// New creates the base directory when missing and checks it is writable.
func New(cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if _, err := fsutil.EnsureDirectory(cfg.BaseDir, true); err != nil {
		return nil, fmt.Errorf("prepare base directory: %w", err)
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &Archive{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Archive copies filePath to <base>/<titleID>/<name> and returns a file:// URI.
func (a *Archive) Archive(_ context.Context, titleID int, filePath string) (string, error) {
	name := filepath.Base(filePath)
	if name == "." || name == string(filepath.Separator) {
		return "", errors.New("file name is required")
	}
	target := filepath.Join(a.baseDir, strconv.Itoa(titleID), name)
	if !strings.HasPrefix(filepath.Clean(target), a.baseDir+string(filepath.Separator)) {
		return "", errors.New("path traversal detected")
	}

	data, err := os.ReadFile(filePath) //nolint:gosec // path comes from the downloader
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := fsutil.WriteFileAtomic(target, data); err != nil {
		return "", err
	}
	return "file://" + target, nil
}
