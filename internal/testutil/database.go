package testutil

import (
	"testing"

	"coldvault/internal/store"
)

// NewTestStore opens an in-memory SQLite-backed store with the schema
// applied, closed automatically when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.EnsureSchema(); err != nil {
		s.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}
