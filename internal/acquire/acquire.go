// Package acquire downloads release content into a destination directory.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/fsutil"
	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// ErrEmptyBody is returned when the upstream answers with no content.
var ErrEmptyBody = errors.New("downloaded file is empty")

const (
	// fallbackHost keys the governor when the URL carries no host.
	fallbackHost = "torrent_download"
	// Filenames stay within 255 bytes: " " + 40-char hash + ".torrent" leaves 206.
	maxTitleWithHash    = 206
	maxTitleWithoutHash = 247
	fileExtension       = ".torrent"
	fallbackTitle       = "torrent"
)

// Limiter runs fn under the concurrency governor for host.
type Limiter interface {
	Do(ctx context.Context, host string, fn func(context.Context) error) error
}

// Acquirer implements harvest.Downloader.
type Acquirer struct {
	fetcher harvest.Fetcher
	limiter Limiter
	hasher  harvest.Hasher
	logger  *zap.Logger
}

// New builds an Acquirer. limiter may be nil.
func New(fetcher harvest.Fetcher, limiter Limiter, hasher harvest.Hasher, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{
		fetcher: fetcher,
		limiter: limiter,
		hasher:  hasher,
		logger:  logger.Named("acquire"),
	}
}

// Download fetches rawURL and atomically writes it under destDir.
func (a *Acquirer) Download(ctx context.Context, rawURL, title, infohash, destDir string) (harvest.AcquiredFile, error) {
	if strings.TrimSpace(rawURL) == "" {
		return harvest.AcquiredFile{}, fmt.Errorf("%w: empty download url", harvest.ErrInvalidInput)
	}
	target := filepath.Join(destDir, BuildFilename(title, infohash))

	var body []byte
	fetch := func(ctx context.Context) error {
		resp, err := a.fetcher.Fetch(ctx, harvest.FetchRequest{URL: rawURL})
		if err != nil {
			return fmt.Errorf("GET %s: %w", rawURL, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
		}
		body = resp.Body
		return nil
	}
	var err error
	if a.limiter != nil {
		err = a.limiter.Do(ctx, hostKey(rawURL), fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return harvest.AcquiredFile{}, err
	}
	if len(body) == 0 {
		return harvest.AcquiredFile{}, fmt.Errorf("GET %s: %w", rawURL, ErrEmptyBody)
	}

	if err := fsutil.WriteFileAtomic(target, body); err != nil {
		return harvest.AcquiredFile{}, fmt.Errorf("write %s: %w", target, err)
	}

	result := harvest.AcquiredFile{Path: target, Size: int64(len(body))}
	if a.hasher != nil {
		sum, err := a.hasher.Hash(body)
		if err != nil {
			return harvest.AcquiredFile{}, fmt.Errorf("hash %s: %w", target, err)
		}
		result.SHA256 = sum
	}
	a.logger.Info("file downloaded",
		zap.String("url", rawURL),
		zap.String("path", target),
		zap.String("size", humanize.IBytes(uint64(result.Size))),
	)
	return result, nil
}

// BuildFilename derives the on-disk name for a release.
func BuildFilename(title, infohash string) string {
	cleaned := fsutil.SanitizeFilename(title)
	infohash = strings.ToLower(strings.TrimSpace(infohash))
	if infohash != "" {
		cleaned = truncate(cleaned, maxTitleWithHash)
		if cleaned == "" {
			cleaned = fallbackTitle
		}
		return cleaned + " " + infohash + fileExtension
	}
	cleaned = truncate(cleaned, maxTitleWithoutHash)
	if cleaned == "" {
		cleaned = fallbackTitle
	}
	return cleaned + fileExtension
}

// truncate cuts s to at most limit bytes on a rune boundary and trims trailing space.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ")
}

func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fallbackHost
	}
	return u.Host
}
