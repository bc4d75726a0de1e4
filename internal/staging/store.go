// Package staging buffers freshly-split blocks on local storage until
// the volume writer stage has room for them in the Blocks volume it is
// currently assembling, so a crash between splitting a file and
// uploading its volume loses no work.
package staging

import "io"

// QueuedBlock is one block waiting to be picked up by the volume writer.
type QueuedBlock struct {
	Hash string
	Size int64
}

// BlockStore abstracts the storage mechanics for a staging area.
// Implementations handle deduplicated content storage and FIFO queue
// bookkeeping. Concurrency is managed by the caller (BlockStagingArea.mu),
// so stores do not need to be safe for concurrent use.
type BlockStore interface {
	// StoreBlock writes data under hash if not already present. Returns
	// whether this call actually wrote new content.
	StoreBlock(hash string, data []byte) (isNew bool, err error)

	// RemoveBlock removes stored content by hash (best-effort).
	RemoveBlock(hash string)

	// OpenBlock returns a reader for stored content by hash.
	OpenBlock(hash string) (io.ReadCloser, error)

	// TotalSize returns total bytes of all stored content.
	TotalSize() (int64, error)

	// Enqueue adds a block to the end of the pending queue.
	Enqueue(block QueuedBlock) error

	// Peek returns the first queued block without removing it, or nil if
	// the queue is empty.
	Peek() (*QueuedBlock, error)

	// Dequeue removes the front queue entry for hash.
	Dequeue(hash string) error

	// Len returns the number of blocks in the queue.
	Len() (int, error)
}
