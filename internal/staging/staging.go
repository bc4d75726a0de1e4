package staging

import (
	"fmt"
	"io"
	"sync"
)

// BlockStagingArea buffers freshly-split blocks on a pluggable BlockStore
// until the volume writer stage pulls them off in FIFO order. All shared
// algorithm logic lives here; MemoryBlockStore and FileSystemBlockStore
// supply only the storage mechanics.
type BlockStagingArea struct {
	store   BlockStore
	maxSize int64
	mu      sync.Mutex
}

// NewBlockStagingArea wraps store with the size-cap and queue discipline
// the volume writer relies on. maxSize is the maximum total bytes of
// buffered block content before Stage starts refusing new blocks.
func NewBlockStagingArea(store BlockStore, maxSize int64) *BlockStagingArea {
	return &BlockStagingArea{store: store, maxSize: maxSize}
}

// Stage buffers one block's content, deduplicating by hash. If the
// staging area is already at capacity and this hash is not already
// present, Stage returns an error rather than blocking — callers back
// off the source walk until Drain frees space.
func (s *BlockStagingArea) Stage(hash string, size int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isNew, err := s.store.StoreBlock(hash, data)
	if err != nil {
		return fmt.Errorf("storing block %s: %w", hash, err)
	}

	if isNew {
		total, err := s.store.TotalSize()
		if err != nil {
			s.store.RemoveBlock(hash)
			return fmt.Errorf("checking staging size: %w", err)
		}
		if total > s.maxSize {
			s.store.RemoveBlock(hash)
			return fmt.Errorf("staging area full: would exceed max size of %d bytes", s.maxSize)
		}
	}

	if err := s.store.Enqueue(QueuedBlock{Hash: hash, Size: size}); err != nil {
		return fmt.Errorf("enqueueing block %s: %w", hash, err)
	}
	return nil
}

// DrainFunc receives the front of the staging queue's content. Returning
// nil removes the block from both the queue and the backing store;
// returning an error leaves it queued for retry.
type DrainFunc func(hash string, r io.Reader) error

// Drain processes the single oldest queued block with fn. Returns
// (false, nil) if the queue is empty.
func (s *BlockStagingArea) Drain(fn DrainFunc) (bool, error) {
	s.mu.Lock()
	block, err := s.store.Peek()
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if block == nil {
		s.mu.Unlock()
		return false, nil
	}

	reader, err := s.store.OpenBlock(block.Hash)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("block content not found: %s", block.Hash)
	}
	defer reader.Close()

	if err := fn(block.Hash, reader); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Dequeue(block.Hash); err != nil {
		return false, err
	}
	s.store.RemoveBlock(block.Hash)
	return true, nil
}

// Count returns the number of blocks currently queued.
func (s *BlockStagingArea) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// Size returns the total size of staged content in bytes.
func (s *BlockStagingArea) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.TotalSize()
}
