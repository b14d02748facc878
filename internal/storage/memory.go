package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrCapacityExceeded is returned by MemoryBackend.Put when storing the blob
// would go over the configured size limit.
var ErrCapacityExceeded = errors.New("memory backend capacity exceeded")

// MemoryBackend implements the Backend interface using an in-memory map.
// Blob names containing "/" appear as nested directories in listings.
type MemoryBackend struct {
	mu           sync.RWMutex
	blobs        map[string][]byte
	currentSize  int64
	maxSizeBytes int64
}

// NewMemoryBackend creates a MemoryBackend. A maxSizeBytes of zero means no
// limit.
func NewMemoryBackend(maxSizeBytes int64) *MemoryBackend {
	return &MemoryBackend{
		blobs:        make(map[string][]byte),
		maxSizeBytes: maxSizeBytes,
	}
}

func (b *MemoryBackend) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidPath)
	}
	if ok, _ := b.Exists(ctx, name); ok {
		return 0, fmt.Errorf("%w: %s", ErrExists, name)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, &ctxReader{ctx: ctx, r: r}); err != nil {
		return 0, fmt.Errorf("writing blob %q: %w", name, err)
	}
	data := buf.Bytes()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.blobs[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if b.maxSizeBytes > 0 && b.currentSize+int64(len(data)) > b.maxSizeBytes {
		return 0, fmt.Errorf("%w: %d + %d > %d", ErrCapacityExceeded, b.currentSize, len(data), b.maxSizeBytes)
	}
	b.blobs[name] = data
	b.currentSize += int64(len(data))
	return int64(len(data)), nil
}

func (b *MemoryBackend) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	// Blobs are never mutated in place, so the slice can be shared.
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data, ok := b.blobs[name]; ok {
		b.currentSize -= int64(len(data))
		delete(b.blobs, name)
	}
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[name]
	return ok, nil
}

func (b *MemoryBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	clean, err := CleanDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}

	b.mu.RLock()
	keys := make([]string, 0, len(b.blobs))
	for k := range b.blobs {
		keys = append(keys, k)
	}
	b.mu.RUnlock()
	sort.Strings(keys)

	entries, found := childrenOf(keys, clean)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrDirNotFound, dir)
	}
	return entries, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Size returns the total number of bytes held.
func (b *MemoryBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}
