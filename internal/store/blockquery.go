package store

import (
	"database/sql"
	"fmt"
)

// BlockQuery answers "is this block still live, and if so, does it live
// where I expect" without re-querying per call. It is constructed once
// per compact cycle and reused across every (hash, size) pair the caller
// checks, per spec §4.2.
type BlockQuery struct {
	stmt *sql.Stmt
}

// NewBlockQuery prepares the single statement BlockQuery reuses across
// calls. Thread-safety is not required — it is an owned per-operation
// helper, not shared across goroutines.
func NewBlockQuery(tx *Tx) (*BlockQuery, error) {
	stmt, err := tx.Prepare(`SELECT volume_id FROM blocks WHERE hash = ? AND size = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing block query: %w", err)
	}
	return &BlockQuery{stmt: stmt}, nil
}

// Use reports whether the block (hash, size) is live and, unless
// expectedVolumeID is -1, whether it lives in expectedVolumeID.
//
//   - false, nil        — no Block row matches (hash, size): absent.
//   - true, nil         — expectedVolumeID == -1, caller only asked liveness.
//   - true/false, nil   — expectedVolumeID != -1, reports whether the
//     stored volume_id equals expectedVolumeID.
func (q *BlockQuery) Use(hash string, size int64, expectedVolumeID int64) (bool, error) {
	var volumeID int64
	err := q.stmt.QueryRow(hash, size).Scan(&volumeID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying block %s/%d: %w", hash, size, err)
	}

	if expectedVolumeID == -1 {
		return true, nil
	}
	return volumeID == expectedVolumeID, nil
}

// Close releases the prepared statement. Callers run it when the compact
// cycle that constructed the BlockQuery is done.
func (q *BlockQuery) Close() error {
	return q.stmt.Close()
}

// LocateBlockVolume resolves a block's current Blocks volume by (hash,
// size), joining through remote_volumes for its name. Used by restore's
// BlockLocator fallback when a FileListBlockRef's recorded volume no
// longer holds the block because a compact run moved it since the backup
// that wrote the file list.
func LocateBlockVolume(tx *Tx, hash string, size int64) (string, error) {
	var name string
	err := tx.QueryRow(`
		SELECT rv.name FROM blocks b
		JOIN remote_volumes rv ON rv.id = b.volume_id
		WHERE b.hash = ? AND b.size = ?`, hash, size).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no volume holds block %s/%d", hash, size)
	}
	if err != nil {
		return "", fmt.Errorf("locating block %s/%d: %w", hash, size, err)
	}
	return name, nil
}
