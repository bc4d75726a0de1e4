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
	"path/filepath"

	"coldvault/internal/core"
)

// FilesystemBackend stores remote volumes as files in a local directory.
// It targets SMB/cloud-drive-mounted-as-filesystem destinations: the
// protocol client itself is out of scope, but a plain mounted path is a
// legitimate backend once mounted by the OS.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates a backend rooted at dir, creating it if
// it does not already exist.
func NewFilesystemBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backend root %s: %w", dir, err)
	}
	return &FilesystemBackend{root: dir}, nil
}

func (f *FilesystemBackend) path(name string) string {
	return filepath.Join(f.root, name)
}

func (f *FilesystemBackend) List(ctx context.Context) ([]core.RemoteObject, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("listing backend root: %w", err)
	}
	var out []core.RemoteObject
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, core.RemoteObject{Name: e.Name(), Size: info.Size()})
	}
	return out, nil
}

func (f *FilesystemBackend) Get(ctx context.Context, name string, expectHash string, expectSize int64) (io.ReadCloser, error) {
	file, err := os.Open(f.path(name))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	if expectHash == "" && expectSize < 0 {
		return file, nil
	}

	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
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

func (f *FilesystemBackend) Put(ctx context.Context, name string, r io.Reader) error {
	destPath := f.path(name)
	tmp, err := os.CreateTemp(f.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming into place %s: %w", name, err)
	}
	success = true
	return nil
}

func (f *FilesystemBackend) Delete(ctx context.Context, name string, size int64, preserve bool) error {
	if preserve {
		return nil
	}
	if err := os.Remove(f.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

func (f *FilesystemBackend) WaitForEmpty(ctx context.Context) error {
	return nil
}

func (f *FilesystemBackend) GetFilesOverlapped(ctx context.Context, names []string) iter.Seq[core.DownloadResult] {
	return func(yield func(core.DownloadResult) bool) {
		for _, name := range names {
			result := core.DownloadResult{Name: name}
			data, err := os.ReadFile(f.path(name))
			if err == nil {
				var tmp *os.File
				tmp, err = os.CreateTemp("", "coldvault-dl-*")
				if err == nil {
					_, err = tmp.Write(data)
					if closeErr := tmp.Close(); err == nil {
						err = closeErr
					}
					if err != nil {
						os.Remove(tmp.Name())
					} else {
						result.TmpPath = tmp.Name()
						result.Size = int64(len(data))
					}
				}
			}
			if err != nil {
				result.Err = fmt.Errorf("downloading %s: %w", name, err)
			}
			if !yield(result) {
				return
			}
		}
	}
}

var _ core.Backend = (*FilesystemBackend)(nil)
