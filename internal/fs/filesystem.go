// Package fs walks backup source trees on the local filesystem, feeding
// the metadata pre-processor pipeline (spec §4.11) and resolving the
// roots a user names with `coldvault dir init`.
package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"coldvault/internal/core"
)

// OSFilesystemManager is the real filesystem implementation of
// core.FilesystemManager. It performs actual filesystem operations using
// the os package.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Resolve validates a raw path and returns a Path object. Used for
// backup roots (`coldvault dir init`), which must be plain directories or
// files — symlinks are rejected here even though the source walker below
// tolerates them inside a tree, since a symlinked root is ambiguous about
// which policy should apply.
func (m *OSFilesystemManager) Resolve(rawPath string) (*core.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not supported as backup roots: %s", absPath)
	}
	if mode&os.ModeDevice != 0 {
		return nil, fmt.Errorf("device files not supported: %s", absPath)
	}
	if mode&os.ModeNamedPipe != 0 {
		return nil, fmt.Errorf("named pipes not supported: %s", absPath)
	}
	if mode&os.ModeSocket != 0 {
		return nil, fmt.Errorf("sockets not supported: %s", absPath)
	}

	return core.NewPath(absPath, info.IsDir(), info), nil
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(path *core.Path) (io.ReadCloser, error) {
	if path.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path.String())
	}
	return os.Open(path.String())
}

// Stat returns fresh file info for a path.
func (m *OSFilesystemManager) Stat(path *core.Path) (fs.FileInfo, error) {
	return os.Stat(path.String())
}

// FindFiles discovers regular files under the given directory path,
// used by `coldvault dir status` to report what a root currently sees.
func (m *OSFilesystemManager) FindFiles(path *core.Path, recursive bool) ([]*core.Path, error) {
	if !path.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", path.String())
	}

	var paths []*core.Path

	if recursive {
		err := filepath.WalkDir(path.String(), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			paths = append(paths, core.NewPath(p, false, info))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking directory: %w", err)
		}
	} else {
		entries, err := os.ReadDir(path.String())
		if err != nil {
			return nil, fmt.Errorf("reading directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
			}
			fullPath := filepath.Join(path.String(), entry.Name())
			paths = append(paths, core.NewPath(fullPath, false, info))
		}
	}

	return paths, nil
}

// WalkSource walks root depth-first, emitting a core.SourceEntry for
// every directory, symlink, and regular file it finds, skipping anything
// matcher reports as ignored. Unlike FindFiles, symlinks are surfaced
// rather than rejected — the metadata pre-processor decides what to do
// with them per the configured SymlinkPolicy (spec §4.11).
func WalkSource(root string, matcher *IgnoreMatcher) (<-chan core.SourceEntry, <-chan error) {
	entries := make(chan core.SourceEntry)
	errc := make(chan error, 1)

	go func() {
		defer close(entries)
		defer close(errc)

		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == root {
				return nil
			}

			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return relErr
			}
			if matcher != nil && matcher.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			info, infoErr := d.Info()
			if infoErr != nil {
				return fmt.Errorf("stat %s: %w", p, infoErr)
			}

			se := core.SourceEntry{
				AbsPath: p,
				RelPath: filepath.ToSlash(rel),
				IsDir:   d.IsDir(),
				Info:    info,
			}
			if info.Mode()&os.ModeSymlink != 0 {
				se.IsSymlink = true
				target, linkErr := os.Readlink(p)
				if linkErr != nil {
					return fmt.Errorf("reading symlink %s: %w", p, linkErr)
				}
				se.SymlinkTarget = target
			}

			entries <- se
			return nil
		})
		if err != nil {
			errc <- fmt.Errorf("walking source tree %s: %w", root, err)
		}
	}()

	return entries, errc
}

// Compile-time check that OSFilesystemManager implements core.FilesystemManager.
var _ core.FilesystemManager = (*OSFilesystemManager)(nil)
