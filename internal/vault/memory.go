package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"parallel-go/internal/parallel"
)

// MemoryProvider keeps a vault in memory. It is safe for concurrent use and
// survives Close, so one instance can serve several sessions in tests.
type MemoryProvider struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemoryProvider creates an empty in-memory vault.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (m *MemoryProvider) CreateDirectory(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[strings.TrimSuffix(path, "/")] = true
	return nil
}

func (m *MemoryProvider) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[path]; ok {
		return true, nil
	}
	return m.dirs[strings.TrimSuffix(path, "/")], nil
}

func (m *MemoryProvider) DeleteFile(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *MemoryProvider) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, parallel.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryProvider) Upload(ctx context.Context, r io.Reader, path string, overwrite bool) (int64, error) {
	if !overwrite {
		if ok, _ := m.Exists(ctx, path); ok {
			return 0, nil
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
	return int64(len(data)), nil
}

func (m *MemoryProvider) Close() error { return nil }

// Paths lists stored files under prefix in order.
func (m *MemoryProvider) Paths(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Size returns the total bytes stored under prefix.
func (m *MemoryProvider) Size(prefix string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for p, data := range m.files {
		if strings.HasPrefix(p, prefix) {
			n += int64(len(data))
		}
	}
	return n
}

// Corrupt replaces the content at path, for tests of damaged vaults.
func (m *MemoryProvider) Corrupt(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

var _ parallel.StorageProvider = (*MemoryProvider)(nil)
