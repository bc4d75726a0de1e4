package testutil

import (
	"coldvault/internal/staging"
)

// DefaultStagingMaxSize is the default max size for test staging areas (10MB).
const DefaultStagingMaxSize = 10 * 1024 * 1024

// NewTestStagingArea creates a new in-memory block staging area for testing.
func NewTestStagingArea() *staging.BlockStagingArea {
	return staging.NewBlockStagingArea(staging.NewMemoryBlockStore(), DefaultStagingMaxSize)
}

// NewTestStagingAreaWithSize creates a new in-memory staging area with a custom max size.
func NewTestStagingAreaWithSize(maxSize int64) *staging.BlockStagingArea {
	return staging.NewBlockStagingArea(staging.NewMemoryBlockStore(), maxSize)
}
