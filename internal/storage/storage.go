package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the requested file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidPath is returned for keys that are absolute or escape the storage root.
	ErrInvalidPath = errors.New("invalid storage path")
)

// copyBufferSize is the buffer size used for file copies (8MB aligns with S3 multipart upload parts)
const copyBufferSize = 8 * 1024 * 1024

type SaveOptions struct {
	// Path is the storage key, e.g. "alice/attachments/<uuid>/photo.jpg".
	Path        string
	ContentType string
}

type SaveResult struct {
	Path string
	Hash string
	Size int64
}

type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// StorageBackend is the file store behind attachments, thumbnails and
// exports. Keys are slash separated and relative to the backend root.
type StorageBackend interface {
	Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (FileInfo, error)

	// URL returns where a client (or the reverse proxy) can fetch the file.
	// Local backends return MEDIA_URL + key; object stores return a
	// presigned URL.
	URL(ctx context.Context, path string) (string, error)

	// IsLocal reports whether files live on a filesystem served under
	// MEDIA_URL, as opposed to a remote object store.
	IsLocal() bool

	HealthCheck(ctx context.Context) error
	ValidateAccess(ctx context.Context) error
}

// Exists reports whether path is present in the backend. Errors other than
// ErrNotFound are returned to the caller.
func Exists(ctx context.Context, b StorageBackend, path string) (bool, error) {
	_, err := b.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// CleanPath normalizes a storage key and rejects absolute or escaping keys.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// mediaURL joins a MEDIA_URL prefix and a storage key, escaping each segment.
func mediaURL(prefix, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return prefix + strings.Join(segments, "/")
}
