package core

import (
	"context"
	"io"
	"iter"
)

// RemoteObject is one entry returned by Backend.List: a bare filename and
// its size in bytes, as reported by the remote store.
type RemoteObject struct {
	Name string
	Size int64
}

// DownloadResult is what Backend.GetFilesOverlapped yields for each
// requested file, spec §6's "get_files_overlapped(list) -> async
// iter<(tmpfile, hash, size, name)>". TmpPath is a temporary copy the
// caller reads and removes. No content hash is carried; a caller that
// needs one computes it from the file at TmpPath.
type DownloadResult struct {
	Name    string
	TmpPath string
	Size    int64
	Err     error
}

// Backend is the capability the core consumes from a remote transport,
// spec §6. Implementations live in internal/backend: S3Backend
// (aws-sdk-go-v2), FilesystemBackend (a mounted local directory), and
// MemoryBackend for tests.
type Backend interface {
	List(ctx context.Context) ([]RemoteObject, error)
	Get(ctx context.Context, name string, expectHash string, expectSize int64) (io.ReadCloser, error)
	Put(ctx context.Context, name string, r io.Reader) error
	Delete(ctx context.Context, name string, size int64, preserve bool) error
	WaitForEmpty(ctx context.Context) error

	// GetFilesOverlapped downloads names with bounded concurrency,
	// yielding each result as its download completes rather than in
	// request order — the "overlapped" primitive spec §6 and §4.9's
	// three-pass block-volume recovery both rely on to keep the P4 pass
	// bottlenecked on the network rather than serialized on it.
	GetFilesOverlapped(ctx context.Context, names []string) iter.Seq[DownloadResult]
}
