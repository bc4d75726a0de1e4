package backend

import (
	"context"
	"fmt"

	"coldvault/internal/config"
	"coldvault/internal/core"
)

// NewFromConfig creates a core.Backend implementation based on the
// backend config's type.
func NewFromConfig(ctx context.Context, cfg config.BackendConfig) (core.Backend, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBackend(cfg.Name), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 backend requires s3_bucket to be set")
		}
		return NewS3Backend(ctx, S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem backend requires fs_root to be set")
		}
		return NewFilesystemBackend(cfg.FSRoot)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
