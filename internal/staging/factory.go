package staging

import (
	"fmt"

	"coldvault/internal/config"
)

// DefaultMaxSize is the default maximum staging area size (1MB).
const DefaultMaxSize int64 = 1024 * 1024

// NewBlockStagingAreaFromConfig creates a BlockStagingArea backed by the
// storage mechanics named in cfg.
func NewBlockStagingAreaFromConfig(cfg config.StagingConfig) (*BlockStagingArea, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewBlockStagingArea(NewMemoryBlockStore(), maxSize), nil
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		store, err := NewFileSystemBlockStore(cfg.StagingDir)
		if err != nil {
			return nil, err
		}
		return NewBlockStagingArea(store, maxSize), nil
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
