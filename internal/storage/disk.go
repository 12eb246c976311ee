package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
)

// DiskBackend implements StorageBackend using the local filesystem.
// It uses os.Root for sandboxed file operations, preventing path traversal attacks.
type DiskBackend struct {
	root     *os.Root
	basePath string
	mediaURL string
}

// NewDiskBackend creates a new disk-based storage backend rooted at basePath.
// Files are served by the reverse proxy under mediaURL.
func NewDiskBackend(basePath, mediaURL string) (*DiskBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	root, err := os.OpenRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage root: %w", err)
	}

	return &DiskBackend{
		root:     root,
		basePath: basePath,
		mediaURL: mediaURL,
	}, nil
}

// Save writes content at opts.Path, creating parent directories as needed.
// An existing file at the same key is replaced.
func (d *DiskBackend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := CleanPath(opts.Path)
	if err != nil {
		return SaveResult{}, err
	}

	if dir := path.Dir(key); dir != "." {
		if err := d.root.MkdirAll(dir, 0755); err != nil {
			return SaveResult{}, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := d.root.Create(key)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	writer := io.MultiWriter(file, hasher)
	buf := make([]byte, copyBufferSize)

	size, err := io.CopyBuffer(writer, r, buf)
	if err != nil {
		d.root.Remove(key)
		return SaveResult{}, fmt.Errorf("failed to write file: %w", err)
	}

	return SaveResult{
		Path: key,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}, nil
}

func (d *DiskBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	file, err := d.root.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes a file. Returns nil if file doesn't exist (idempotent).
func (d *DiskBackend) Delete(ctx context.Context, p string) error {
	if err := d.root.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (d *DiskBackend) Stat(ctx context.Context, p string) (FileInfo, error) {
	info, err := d.root.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}

	return FileInfo{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (d *DiskBackend) URL(ctx context.Context, p string) (string, error) {
	return mediaURL(d.mediaURL, p), nil
}

func (d *DiskBackend) IsLocal() bool { return true }

// HealthCheck verifies the backend is reachable (cheap, safe for frequent polling).
func (d *DiskBackend) HealthCheck(ctx context.Context) error {
	if _, err := d.root.Stat("."); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

// ValidateAccess performs a full read/write/delete test.
func (d *DiskBackend) ValidateAccess(ctx context.Context) error {
	testFilename := ".kobocat-access-test-" + uuid.New().String()
	testContent := []byte("kobocat-storage-test")

	if err := d.root.WriteFile(testFilename, testContent, 0644); err != nil {
		return fmt.Errorf("storage write test failed: %w", err)
	}
	defer d.root.Remove(testFilename)

	readContent, err := d.root.ReadFile(testFilename)
	if err != nil {
		return fmt.Errorf("storage read test failed: %w", err)
	}
	if !bytes.Equal(readContent, testContent) {
		return fmt.Errorf("storage read test failed: content mismatch")
	}

	if err := d.root.Remove(testFilename); err != nil {
		return fmt.Errorf("storage delete test failed: %w", err)
	}
	return nil
}

// Close releases resources held by the backend.
func (d *DiskBackend) Close() error {
	return d.root.Close()
}
