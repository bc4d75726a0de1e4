// Package backend implements core.Backend against real remote transports
// (S3), a mounted local directory, and an in-memory fake for tests.
package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"coldvault/internal/core"
)

// MemoryBackend is an in-memory implementation of core.Backend, safe for
// concurrent use, used by tests that exercise the delete/compact and
// recreate engines without a real remote target.
type MemoryBackend struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{name: name, objects: make(map[string][]byte)}
}

func (m *MemoryBackend) List(ctx context.Context) ([]core.RemoteObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.RemoteObject, 0, len(m.objects))
	for name, data := range m.objects {
		out = append(out, core.RemoteObject{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (m *MemoryBackend) Get(ctx context.Context, name string, expectHash string, expectSize int64) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object not found: %s", name)
	}
	if expectSize >= 0 && int64(len(data)) != expectSize {
		return nil, fmt.Errorf("size mismatch for %s: expected %d, got %d", name, expectSize, len(data))
	}
	if expectHash != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != expectHash {
			return nil, fmt.Errorf("hash mismatch for %s", name)
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBackend) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading upload content for %s: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, name string, size int64, preserve bool) error {
	if preserve {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func (m *MemoryBackend) WaitForEmpty(ctx context.Context) error {
	return nil
}

// GetFilesOverlapped writes each requested object out to its own temp file,
// the same TmpPath-then-caller-removes contract S3Backend's downloadOne
// follows: RecreateEngine reads and unconditionally os.Removes dl.TmpPath,
// so this must hand back a throwaway copy rather than a path into m.objects
// itself.
func (m *MemoryBackend) GetFilesOverlapped(ctx context.Context, names []string) iter.Seq[core.DownloadResult] {
	return func(yield func(core.DownloadResult) bool) {
		for _, name := range names {
			result := m.downloadOne(name)
			if !yield(result) {
				return
			}
		}
	}
}

func (m *MemoryBackend) downloadOne(name string) core.DownloadResult {
	m.mu.RLock()
	data, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return core.DownloadResult{Name: name, Err: fmt.Errorf("object not found: %s", name)}
	}

	tmp, err := os.CreateTemp("", "coldvault-dl-*")
	if err != nil {
		return core.DownloadResult{Name: name, Err: fmt.Errorf("creating temp file for %s: %w", name, err)}
	}
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		os.Remove(tmp.Name())
		return core.DownloadResult{Name: name, Err: fmt.Errorf("writing temp file for %s: %w", name, err)}
	}

	return core.DownloadResult{Name: name, Size: int64(len(data)), TmpPath: tmp.Name()}
}

var _ core.Backend = (*MemoryBackend)(nil)
