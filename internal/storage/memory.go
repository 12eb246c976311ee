package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/liamg/memoryfs"
)

// MemoryBackend implements StorageBackend using an in-memory filesystem.
// Useful for integration testing without disk I/O.
// Thread-safe for concurrent use.
type MemoryBackend struct {
	fs       *memoryfs.FS
	mu       sync.RWMutex
	mediaURL string
	// objectURL, when set, makes the backend behave like a remote object
	// store: URL returns objectURL + key and IsLocal is false.
	objectURL string
}

type MemoryOption func(*MemoryBackend)

// WithMediaURL sets the prefix returned by URL for a local-style backend.
func WithMediaURL(prefix string) MemoryOption {
	return func(m *MemoryBackend) { m.mediaURL = prefix }
}

// AsObjectStore makes the backend report itself as remote storage whose
// files are reachable under baseURL.
func AsObjectStore(baseURL string) MemoryOption {
	return func(m *MemoryBackend) { m.objectURL = baseURL }
}

func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		fs:       memoryfs.New(),
		mediaURL: "/media/",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := CleanPath(opts.Path)
	if err != nil {
		return SaveResult{}, err
	}

	// memoryfs.WriteFile needs the complete content
	hasher := sha256.New()
	var buf bytes.Buffer
	writer := io.MultiWriter(&buf, hasher)

	copyBuf := make([]byte, copyBufferSize)
	size, err := io.CopyBuffer(writer, r, copyBuf)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dir := path.Dir(key); dir != "." {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return SaveResult{}, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := m.fs.WriteFile(key, buf.Bytes(), 0644); err != nil {
		return SaveResult{}, fmt.Errorf("failed to write file: %w", err)
	}

	return SaveResult{
		Path: key,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}, nil
}

func (m *MemoryBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.RLock()
	content, err := m.fs.ReadFile(p)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

// Delete removes a file. Returns nil if file doesn't exist (idempotent).
func (m *MemoryBackend) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	err := m.fs.Remove(p)
	m.mu.Unlock()
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *MemoryBackend) Stat(ctx context.Context, p string) (FileInfo, error) {
	m.mu.RLock()
	info, err := m.fs.Stat(p)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
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

func (m *MemoryBackend) URL(ctx context.Context, p string) (string, error) {
	if m.objectURL != "" {
		return mediaURL(m.objectURL, p), nil
	}
	return mediaURL(m.mediaURL, p), nil
}

func (m *MemoryBackend) IsLocal() bool { return m.objectURL == "" }

func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MemoryBackend) ValidateAccess(ctx context.Context) error {
	return nil
}

// Clear removes all files from the memory backend.
func (m *MemoryBackend) Clear() {
	m.mu.Lock()
	m.fs = memoryfs.New()
	m.mu.Unlock()
}

// FileCount returns the number of files currently stored, at any depth.
func (m *MemoryBackend) FileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	_ = fs.WalkDir(m.fs, ".", func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// isNotExist checks if an error indicates the file doesn't exist.
func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	// memoryfs wraps errors, so check the error message
	errStr := err.Error()
	return strings.Contains(errStr, "file does not exist") ||
		strings.Contains(errStr, "no such file")
}
