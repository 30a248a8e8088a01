// Package memory archives acquired files in-memory for development.
package memory

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
)

// Archive keeps archived content keyed by object path and returns pseudo URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory archive.
func New() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// Archive reads filePath and stores a copy under <titleID>/<name>.
func (a *Archive) Archive(_ context.Context, titleID int, filePath string) (string, error) {
	content, err := os.ReadFile(filePath) //nolint:gosec // path comes from the downloader
	if err != nil {
		return "", fmt.Errorf("failed to read archived file: %w", err)
	}
	key := path.Join(strconv.Itoa(titleID), filepath.Base(filePath))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[key] = content
	return fmt.Sprintf("memory://%s", key), nil
}

// Object returns a copy of the stored content.
func (a *Archive) Object(key string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	content, ok := a.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), content...), true
}
