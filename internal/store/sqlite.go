// Package store is the local index database: the SQLite-backed
// bookkeeping of remote volumes, blocks, blocksets and filesets that lets
// the backup, compact, and recreate engines reason about the remote
// archive without re-reading it.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"coldvault/internal/store/migrations"
)

// Store wraps the index database connection. All read/write access to the
// schema in internal/store/migrations/files goes through it or through a
// *Tx it hands out.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens and configures the index database at path (or ":memory:")
// with the PRAGMAs the schema depends on. Foreign keys are off by default
// in SQLite for backward compatibility, so every connection turns them on
// explicitly, matching the teacher's OpenConnection.
//
// If path holds a database written by a build old enough to predate the
// age-based encryptor, OpenWithLegacyDecrypt must be used instead — Open
// itself does not attempt legacy RC4 decryption.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenWithLegacyDecrypt opens the database at path, transparently
// decrypting it first if it is still in the legacy RC4-encrypted format
// (spec §4.9). passphrase is only used in that case; it is ignored for a
// database already in the current format.
func OpenWithLegacyDecrypt(path, passphrase string) (*Store, error) {
	legacy, err := IsLegacyRC4Encrypted(path)
	if err != nil {
		return nil, err
	}
	if legacy {
		if err := DecryptLegacyRC4(path, passphrase); err != nil {
			return nil, err
		}
	}
	return Open(path)
}

// FromDB wraps an already-open, already-configured connection. Used by
// tests that want an in-memory database with a caller-chosen sql.DB.
func FromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Path returns the database file path, or ":memory:" for in-memory
// databases opened through Open.
func (s *Store) Path() string {
	return s.path
}

// EnsureSchema runs any pending migrations. Safe to call on an
// already-current database.
func (s *Store) EnsureSchema() error {
	if err := migrations.MigrateUp(s.db); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// CheckSchema verifies the database is at the latest known schema
// version without modifying it, used at startup before spec §6's
// version-compatibility check runs.
func (s *Store) CheckSchema() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// SnapshotTo writes a complete, consistent copy of the database to
// destPath via SQLite's VACUUM INTO, used when uploading the index as
// versioned remote metadata.
func (s *Store) SnapshotTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx begins a transaction, runs fn, and commits on success or rolls
// back on any error fn returns — the shape every store operation in this
// package (DropFilesets, PrepareForDelete, the recreate writers) is built
// on top of.
func (s *Store) WithTx(ctx context.Context, label string, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(label)
}
