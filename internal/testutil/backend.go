package testutil

import (
	"coldvault/internal/backend"
	"coldvault/internal/core"
)

// NewTestBackend creates a new in-memory remote store for testing.
func NewTestBackend() core.Backend {
	return backend.NewMemoryBackend("test-backend")
}
