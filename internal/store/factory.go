package store

import (
	"fmt"
	"path/filepath"

	"coldvault/internal/config"
)

// NewFromConfig opens the index database described by cfg, running
// migrations on it before returning. hostID names the database file for
// the "sqlite" type, matching the teacher's <hostID>.db convention.
func NewFromConfig(cfg config.DatabaseConfig, hostID string) (*Store, error) {
	var s *Store
	var err error

	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		s, err = Open(filepath.Join(cfg.DataDir, hostID+".db"))
	case "memory":
		s, err = Open(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := s.EnsureSchema(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}
