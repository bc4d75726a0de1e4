package testutil

import (
	"coldvault/internal/core"
	"coldvault/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() core.Encryptor {
	return encryption.NewTestEncryptor()
}
