package store

import (
	"database/sql"
	"fmt"
	"time"

	"coldvault/internal/model"
)

// GetOrCreatePathPrefix interns a directory prefix, the lookup the
// metadata pre-processor's per-goroutine pathPrefixCache exists to avoid
// repeating for consecutive entries in the same directory (spec §4.11).
func GetOrCreatePathPrefix(tx *Tx, prefix string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM path_prefixes WHERE prefix = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up path prefix %q: %w", prefix, err)
	}

	res, err := tx.Exec(`INSERT INTO path_prefixes (prefix) VALUES (?)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("inserting path prefix %q: %w", prefix, err)
	}
	return res.LastInsertId()
}

// CreateBlockset inserts a new Blockset row and returns its id.
func CreateBlockset(tx *Tx, fullHash string, length int64) (int64, error) {
	res, err := tx.Exec(`INSERT INTO blocksets (full_hash, length) VALUES (?, ?)`, fullHash, length)
	if err != nil {
		return 0, fmt.Errorf("creating blockset %s: %w", fullHash, err)
	}
	return res.LastInsertId()
}

// AddBlocksetEntry links a block into a blockset at position idx.
func AddBlocksetEntry(tx *Tx, blocksetID, idx, blockID int64) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO blockset_entries (blockset_id, idx, block_id) VALUES (?, ?, ?)`,
		blocksetID, idx, blockID)
	if err != nil {
		return fmt.Errorf("adding blockset entry %d[%d]: %w", blocksetID, idx, err)
	}
	return nil
}

// AddBlocklistHash records a hash-of-hashes chunk for a multi-block
// blockset, used when re-verifying or re-deriving blocksets from raw
// remote index data.
func AddBlocklistHash(tx *Tx, blocksetID, idx int64, hash string) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO blocklist_hashes (blockset_id, idx, hash) VALUES (?, ?, ?)`,
		blocksetID, idx, hash)
	if err != nil {
		return fmt.Errorf("adding blocklist hash %d[%d]: %w", blocksetID, idx, err)
	}
	return nil
}

// CreateMetadataset inserts a Metadataset wrapping the given blockset.
func CreateMetadataset(tx *Tx, blocksetID int64) (int64, error) {
	res, err := tx.Exec(`INSERT INTO metadatasets (blockset_id) VALUES (?)`, blocksetID)
	if err != nil {
		return 0, fmt.Errorf("creating metadataset for blockset %d: %w", blocksetID, err)
	}
	return res.LastInsertId()
}

// CreateFileLookup inserts a new FileLookup identity. blocksetID is one
// of model.FolderBlocksetID / model.SymlinkBlocksetID for entries that
// carry no content of their own.
func CreateFileLookup(tx *Tx, pathPrefixID int64, name string, blocksetID, metadataID int64) (int64, error) {
	res, err := tx.Exec(`INSERT INTO file_lookups (path_prefix_id, name, blockset_id, metadata_id) VALUES (?, ?, ?, ?)`,
		pathPrefixID, name, blocksetID, metadataID)
	if err != nil {
		return 0, fmt.Errorf("creating file lookup %q: %w", name, err)
	}
	return res.LastInsertId()
}

// PriorFileState is what the metadata pre-processor needs about a file's
// last-seen state to decide whether it changed, per spec §4.11.
type PriorFileState struct {
	Found          bool
	FileLookupID   int64
	LastModified   time.Time
	LastFileSize   int64
	MetadataHash   string
	MetadataSize   int64
}

// FindPriorFileState fetches the (old_id, old_modified, last_file_size,
// old_meta_hash, old_meta_size) tuple spec §4.11 fetches "in a single
// lookup" for a regular file at pathPrefixID/name.
func FindPriorFileState(tx *Tx, pathPrefixID int64, name string) (PriorFileState, error) {
	var s PriorFileState
	err := tx.QueryRow(`
		SELECT fl.id, fe.last_modified, bs.length, mbs.full_hash, mbs.length
		FROM file_lookups fl
		JOIN fileset_entries fe ON fe.file_id = fl.id
		JOIN blocksets bs ON bs.id = fl.blockset_id
		JOIN metadatasets m ON m.id = fl.metadata_id
		JOIN blocksets mbs ON mbs.id = m.blockset_id
		WHERE fl.path_prefix_id = ? AND fl.name = ? AND fl.blockset_id >= 0
		ORDER BY fe.last_modified DESC LIMIT 1`, pathPrefixID, name).
		Scan(&s.FileLookupID, &s.LastModified, &s.LastFileSize, &s.MetadataHash, &s.MetadataSize)
	if err == sql.ErrNoRows {
		return PriorFileState{}, nil
	}
	if err != nil {
		return PriorFileState{}, fmt.Errorf("finding prior state for %q: %w", name, err)
	}
	s.Found = true
	return s, nil
}

// FindPriorFileLastModified is the lighter query spec §4.11 uses in
// CheckFiletimeOnly/DisableFiletimeCheck mode, skipping the metadata join.
func FindPriorFileLastModified(tx *Tx, pathPrefixID int64, name string) (time.Time, bool, error) {
	var t time.Time
	err := tx.QueryRow(`
		SELECT fe.last_modified
		FROM file_lookups fl
		JOIN fileset_entries fe ON fe.file_id = fl.id
		WHERE fl.path_prefix_id = ? AND fl.name = ? AND fl.blockset_id >= 0
		ORDER BY fe.last_modified DESC LIMIT 1`, pathPrefixID, name).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("finding prior modified time for %q: %w", name, err)
	}
	return t, true, nil
}

// CreateFileset inserts a new Fileset row for a completed backup pass.
func CreateFileset(tx *Tx, timestamp time.Time, volumeID int64, isFullBackup bool) (int64, error) {
	res, err := tx.Exec(`INSERT INTO filesets (timestamp, volume_id, is_full_backup) VALUES (?, ?, ?)`,
		timestamp, volumeID, isFullBackup)
	if err != nil {
		return 0, fmt.Errorf("creating fileset: %w", err)
	}
	return res.LastInsertId()
}

// AddFilesetEntry links a file into a fileset.
func AddFilesetEntry(tx *Tx, filesetID, fileID int64, lastModified time.Time) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO fileset_entries (fileset_id, file_id, last_modified) VALUES (?, ?, ?)`,
		filesetID, fileID, lastModified)
	if err != nil {
		return fmt.Errorf("adding fileset entry %d/%d: %w", filesetID, fileID, err)
	}
	return nil
}

// AddChangeJournalEntry records one add/change/delete detected while
// building filesetID, forming the audit trail the fileset dropper
// cascades through (spec §4.3 step 2).
func AddChangeJournalEntry(tx *Tx, filesetID int64, path string, changeType string) error {
	_, err := tx.Exec(`INSERT INTO change_journal_data (fileset_id, path, change_type) VALUES (?, ?, ?)`,
		filesetID, path, changeType)
	if err != nil {
		return fmt.Errorf("recording change journal entry for %q: %w", path, err)
	}
	return nil
}

// ListFilesetSummaries returns every Fileset ordered by timestamp
// descending, annotated with its zero-based version index — the shape
// the retention policy evaluators consume.
func ListFilesetSummaries(tx *Tx) ([]model.FilesetSummary, error) {
	rows, err := tx.Query(`SELECT id, timestamp, volume_id, is_full_backup FROM filesets ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	defer rows.Close()

	var out []model.FilesetSummary
	version := 0
	for rows.Next() {
		var fs model.Fileset
		if err := rows.Scan(&fs.ID, &fs.Timestamp, &fs.VolumeID, &fs.IsFullBackup); err != nil {
			return nil, fmt.Errorf("scanning fileset: %w", err)
		}
		out = append(out, model.FilesetSummary{Fileset: fs, Version: version})
		version++
	}
	return out, rows.Err()
}
