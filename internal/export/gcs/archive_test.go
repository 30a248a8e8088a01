package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestArchive(t *testing.T, handler http.Handler) *Archive {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	archive, err := New(client, Config{Bucket: "test-bucket", Prefix: "/torrents/"})
	require.NoError(t, err)
	return archive
}

func writeFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "Show - 01.torrent")
	require.NoError(t, os.WriteFile(p, []byte("torrent-bytes"), 0o600))
	return p
}

func TestArchiveUploads(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		body, err := io.ReadAll(r.Body)
		if assert.NoError(t, err) {
			assert.Contains(t, string(body), "torrents/42/Show - 01.torrent")
			assert.Contains(t, string(body), "torrent-bytes")
		}
		fmt.Fprintln(w, `{"name": "torrents/42/Show - 01.torrent", "bucket": "test-bucket"}`)
	})
	archive := newTestArchive(t, handler)

	uri, err := archive.Archive(context.Background(), 42, writeFile(t))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/torrents/42/Show - 01.torrent", uri)
}

func TestArchiveServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	archive := newTestArchive(t, handler)

	_, err := archive.Archive(context.Background(), 1, writeFile(t))
	require.Error(t, err)
}

func TestArchiveMissingFile(t *testing.T) {
	t.Parallel()

	archive := newTestArchive(t, http.NotFoundHandler())
	_, err := archive.Archive(context.Background(), 1, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}
