package store

import (
	"context"
	"database/sql"
	"fmt"

	"coldvault/internal/model"
)

// RecreateSession pins a single connection for the lifetime of a recreate
// run. A regular SQLite TEMPORARY TABLE lives for the connection's
// lifetime, not any one transaction, so the buffered blocklist hashes
// spec §4.9 phases P3/P4 accumulate across many small commits survive
// from one phase to the next as long as they all run on this connection.
type RecreateSession struct {
	conn      *sql.Conn
	tempTable string
}

// NewRecreateSession opens a dedicated connection and creates the
// TempBlockListHash scratch table spec §4.9 buffers malformed-tolerant
// blocklist chunks into during P3/P4, before either reconciliation
// algorithm consumes them.
func (s *Store) NewRecreateSession(ctx context.Context) (*RecreateSession, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring recreate connection: %w", err)
	}

	table := "temp_blocklist_hash"
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TEMPORARY TABLE %s (
			blockset_full_hash TEXT NOT NULL,
			idx                 INTEGER NOT NULL,
			hash                TEXT NOT NULL,
			block_size          INTEGER NOT NULL,
			reconciled          INTEGER NOT NULL DEFAULT 0
		)`, table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating temp blocklist hash table: %w", err)
	}

	return &RecreateSession{conn: conn, tempTable: table}, nil
}

// Begin starts a transaction on the session's pinned connection.
func (rs *RecreateSession) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := rs.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning recreate transaction: %w", err)
	}
	return &Tx{tx: sqlTx, ctx: ctx}, nil
}

// Close drops the scratch table and releases the connection.
func (rs *RecreateSession) Close() error {
	ctx := context.Background()
	_, _ = rs.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, rs.tempTable))
	return rs.conn.Close()
}

// RegisterVolume records a remote volume discovered during P1 listing (or
// P3 index-volume resolution) and returns its id. Upserts by name so
// re-listing the same remote is idempotent.
func RegisterVolume(tx *Tx, name string, vtype model.VolumeType, state model.VolumeState) (int64, error) {
	res, err := tx.Exec(`INSERT INTO remote_volumes (name, type, state) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET state = excluded.state`, name, string(vtype), string(state))
	if err != nil {
		return 0, fmt.Errorf("registering volume %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// ON CONFLICT UPDATE path: LastInsertId is unreliable, look it up.
		if scanErr := tx.QueryRow(`SELECT id FROM remote_volumes WHERE name = ?`, name).Scan(&id); scanErr != nil {
			return 0, fmt.Errorf("resolving id for volume %s: %w", name, scanErr)
		}
	}
	return id, nil
}

// VolumeIDByName looks up a previously registered volume by its exact
// remote name, used by P2/P3 to avoid re-registering a volume P1 already
// listed.
func VolumeIDByName(tx *Tx, name string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM remote_volumes WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up volume %s: %w", name, err)
	}
	return id, true, nil
}

// VolumeNameByID resolves a volume id back to its remote name, used by
// restore to turn a Fileset's or FileListBlockRef's stored volume id into
// something Backend.Get can fetch.
func VolumeNameByID(tx *Tx, id int64) (string, error) {
	var name string
	err := tx.QueryRow(`SELECT name FROM remote_volumes WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("volume %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("looking up volume %d: %w", id, err)
	}
	return name, nil
}

// FinalizeVolume records the size, content hash, and terminal state of a
// volume once it has been uploaded, used by the backup writer after a
// successful Backend.Put.
func FinalizeVolume(tx *Tx, volumeID int64, size int64, hash string, state model.VolumeState) error {
	_, err := tx.Exec(`UPDATE remote_volumes SET size = ?, hash = ?, state = ? WHERE id = ?`,
		size, hash, string(state), volumeID)
	if err != nil {
		return fmt.Errorf("finalizing volume %d: %w", volumeID, err)
	}
	return nil
}

// UpsertBlock implements spec §4.9's UpdateBlock: inserts (hash, size,
// volume_id) if absent, and reports whether the row was newly created.
func UpsertBlock(tx *Tx, hash string, size int64, volumeID int64) (id int64, isNew bool, err error) {
	var existingVolume int64
	err = tx.QueryRow(`SELECT id, volume_id FROM blocks WHERE hash = ? AND size = ?`, hash, size).Scan(&id, &existingVolume)
	if err == nil {
		// A prior SmallBlocksetLink call may have inserted this block with
		// the volume_id=0 placeholder before its real volume was known;
		// resolve it now that the caller has one.
		if existingVolume == 0 && volumeID != 0 {
			if _, err := tx.Exec(`UPDATE blocks SET volume_id = ? WHERE id = ?`, volumeID, id); err != nil {
				return 0, false, fmt.Errorf("resolving placeholder volume for block %s/%d: %w", hash, size, err)
			}
		}
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("looking up block %s/%d: %w", hash, size, err)
	}

	res, insertErr := tx.Exec(`INSERT INTO blocks (hash, size, volume_id) VALUES (?, ?, ?)`, hash, size, volumeID)
	if insertErr != nil {
		return 0, false, fmt.Errorf("inserting block %s/%d: %w", hash, size, insertErr)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("reading new block id: %w", err)
	}
	return id, true, nil
}

// RecordIndexBlockLink records that indexVolumeID describes
// blockVolumeID's blocks, feeding spec §4.7's delete reordering.
func RecordIndexBlockLink(tx *Tx, indexVolumeID, blockVolumeID int64) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO index_block_links (index_volume_id, block_volume_id) VALUES (?, ?)`,
		indexVolumeID, blockVolumeID)
	if err != nil {
		return fmt.Errorf("recording index/block link %d/%d: %w", indexVolumeID, blockVolumeID, err)
	}
	return nil
}

// LoadIndexBlockLinks reads every recorded link, for ReorderDeletable.
func LoadIndexBlockLinks(tx *Tx) ([]model.IndexBlockLink, error) {
	rows, err := tx.Query(`SELECT index_volume_id, block_volume_id FROM index_block_links`)
	if err != nil {
		return nil, fmt.Errorf("loading index/block links: %w", err)
	}
	defer rows.Close()

	var out []model.IndexBlockLink
	for rows.Next() {
		var l model.IndexBlockLink
		if err := rows.Scan(&l.IndexVolumeID, &l.BlockVolumeID); err != nil {
			return nil, fmt.Errorf("scanning index/block link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// BufferBlocklistHash implements spec §4.9 P3's "buffer blocklists into a
// TempBlockListHash table" step. Malformed rows (caller-detected hash
// mismatches) are the caller's concern to count and skip before calling
// this — this function only stores well-formed chunks.
func (rs *RecreateSession) BufferBlocklistHash(tx *Tx, blocksetFullHash string, idx int64, hash string, blockSize int64) error {
	_, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (blockset_full_hash, idx, hash, block_size) VALUES (?, ?, ?, ?)`, rs.tempTable),
		blocksetFullHash, idx, hash, blockSize)
	if err != nil {
		return fmt.Errorf("buffering blocklist hash for %s[%d]: %w", blocksetFullHash, idx, err)
	}
	return nil
}

// SmallBlocksetLink implements spec §4.9 P2's single-block shortcut:
// links a blockset directly to its sole block's hash, avoiding a later
// block-volume probe for blocksets that never needed a blocklist.
func SmallBlocksetLink(tx *Tx, blocksetID int64, blockHash string, blockSize int64) error {
	blockID, _, err := UpsertBlock(tx, blockHash, blockSize, 0)
	if err != nil {
		return fmt.Errorf("small blockset link: %w", err)
	}
	_, err = tx.Exec(`INSERT OR IGNORE INTO blockset_entries (blockset_id, idx, block_id) VALUES (?, 0, ?)`, blocksetID, blockID)
	if err != nil {
		return fmt.Errorf("linking small blockset %d: %w", blocksetID, err)
	}
	return nil
}

// AddBlockAndBlockSetEntryFromTemp is the experimental reconciliation
// path (spec §9's EXPERIMENTAL_RECREATEDB_DUPLICATI flag, "Open Question
// 2"): for every buffered chunk whose block hash is already known, it
// writes the BlocksetEntry directly against the matching Blockset,
// without first checking whether the whole blockset is complete.
func (rs *RecreateSession) AddBlockAndBlockSetEntryFromTemp(tx *Tx) (reconciled int, err error) {
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT t.rowid, t.blockset_full_hash, t.idx, t.hash, t.block_size, b.id
		FROM %s t
		JOIN blocks b ON b.hash = t.hash AND b.size = t.block_size
		WHERE t.reconciled = 0`, rs.tempTable))
	if err != nil {
		return 0, fmt.Errorf("scanning temp blocklist hashes: %w", err)
	}

	type match struct {
		rowid        int64
		fullHash     string
		idx          int64
		blockID      int64
	}
	var matches []match
	for rows.Next() {
		var m match
		var hash string
		var size int64
		if err := rows.Scan(&m.rowid, &m.fullHash, &m.idx, &hash, &size, &m.blockID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, m := range matches {
		var blocksetID int64
		err := tx.QueryRow(`SELECT id FROM blocksets WHERE full_hash = ?`, m.fullHash).Scan(&blocksetID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return reconciled, fmt.Errorf("resolving blockset for %s: %w", m.fullHash, err)
		}

		if _, err := tx.Exec(`INSERT OR IGNORE INTO blockset_entries (blockset_id, idx, block_id) VALUES (?, ?, ?)`,
			blocksetID, m.idx, m.blockID); err != nil {
			return reconciled, fmt.Errorf("inserting blockset entry for %s[%d]: %w", m.fullHash, m.idx, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET reconciled = 1 WHERE rowid = ?`, rs.tempTable), m.rowid); err != nil {
			return reconciled, fmt.Errorf("marking temp row reconciled: %w", err)
		}
		reconciled++
	}

	return reconciled, nil
}

// FindMissingBlocklistHashes is the default reconciliation path: rather
// than writing BlocksetEntry rows opportunistically, it first finds which
// Blocksets are still missing entries (fewer BlocksetEntry rows than
// their declared length implies), then resolves only those blocksets'
// buffered chunks. This is more conservative — it never writes a partial
// blockset entry for a blockset whose completeness hasn't been checked —
// and spec's Open Question 2 leaves open whether the two paths converge
// on the same final state; this implementation does not assume they do.
func (rs *RecreateSession) FindMissingBlocklistHashes(tx *Tx, blockSize int64) (reconciled int, err error) {
	rows, err := tx.Query(`
		SELECT bs.id, bs.full_hash, bs.length, COUNT(be.idx)
		FROM blocksets bs
		LEFT JOIN blockset_entries be ON be.blockset_id = bs.id
		GROUP BY bs.id
		HAVING COUNT(be.idx) < CAST((bs.length + ? - 1) / ? AS INTEGER)`, blockSize, blockSize)
	if err != nil {
		return 0, fmt.Errorf("finding incomplete blocksets: %w", err)
	}

	type incomplete struct {
		id       int64
		fullHash string
	}
	var incompletes []incomplete
	for rows.Next() {
		var inc incomplete
		var length, have int64
		if err := rows.Scan(&inc.id, &inc.fullHash, &length, &have); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning incomplete blockset: %w", err)
		}
		incompletes = append(incompletes, inc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, inc := range incompletes {
		chunkRows, err := tx.Query(fmt.Sprintf(`
			SELECT t.rowid, t.idx, t.hash, t.block_size
			FROM %s t
			WHERE t.blockset_full_hash = ? AND t.reconciled = 0`, rs.tempTable), inc.fullHash)
		if err != nil {
			return reconciled, fmt.Errorf("scanning buffered chunks for %s: %w", inc.fullHash, err)
		}

		type chunk struct {
			rowid int64
			idx   int64
			hash  string
			size  int64
		}
		var chunks []chunk
		for chunkRows.Next() {
			var c chunk
			if err := chunkRows.Scan(&c.rowid, &c.idx, &c.hash, &c.size); err != nil {
				chunkRows.Close()
				return reconciled, fmt.Errorf("scanning chunk: %w", err)
			}
			chunks = append(chunks, c)
		}
		if err := chunkRows.Err(); err != nil {
			chunkRows.Close()
			return reconciled, err
		}
		chunkRows.Close()

		for _, c := range chunks {
			var blockID int64
			err := tx.QueryRow(`SELECT id FROM blocks WHERE hash = ? AND size = ?`, c.hash, c.size).Scan(&blockID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return reconciled, fmt.Errorf("resolving block for chunk: %w", err)
			}

			if _, err := tx.Exec(`INSERT OR IGNORE INTO blockset_entries (blockset_id, idx, block_id) VALUES (?, ?, ?)`,
				inc.id, c.idx, blockID); err != nil {
				return reconciled, fmt.Errorf("inserting blockset entry: %w", err)
			}
			if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET reconciled = 1 WHERE rowid = ?`, rs.tempTable), c.rowid); err != nil {
				return reconciled, fmt.Errorf("marking chunk reconciled: %w", err)
			}
			reconciled++
		}
	}

	return reconciled, nil
}

// MissingBlockListPass identifies which candidate set spec §4.9 P4 should
// download next.
type MissingBlockListPass int

const (
	// PassRequired: block volumes known to contain required, still-missing
	// blocklists (buffered chunks referencing hashes no Block row has).
	PassRequired MissingBlockListPass = iota
	// PassCandidate: volumes for blocksets still incomplete but not
	// definitively required.
	PassCandidate
	// PassAll: every remaining Blocks volume.
	PassAll
)

// GetMissingBlockListVolumes returns Blocks volumes to download for the
// given pass of spec §4.9 P4's three-pass recovery.
func GetMissingBlockListVolumes(tx *Tx, rs *RecreateSession, pass MissingBlockListPass) ([]string, error) {
	var query string
	switch pass {
	case PassRequired:
		query = fmt.Sprintf(`
			SELECT DISTINCT rv.name FROM remote_volumes rv
			WHERE rv.type = 'Blocks'
			AND rv.id NOT IN (SELECT DISTINCT volume_id FROM blocks)
			AND EXISTS (SELECT 1 FROM %s t WHERE t.reconciled = 0)`, rs.tempTable)
	case PassCandidate:
		query = `
			SELECT DISTINCT rv.name FROM remote_volumes rv
			JOIN index_block_links l ON l.block_volume_id = rv.id
			WHERE rv.type = 'Blocks' AND rv.state NOT IN ('Deleted', 'Deleting')`
	default:
		query = `SELECT name FROM remote_volumes WHERE type = 'Blocks' AND state NOT IN ('Deleted', 'Deleting')`
	}

	rows, err := tx.Query(query)
	if err != nil {
		return nil, fmt.Errorf("listing missing blocklist volumes for pass %d: %w", pass, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning volume name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CleanupDeletedBlocks moves blocks that ended up with no referencing
// BlocksetEntry into DeletedBlock, mirroring the fileset dropper's
// orphan-block step but scoped to recreate's end-of-run cleanup (spec
// §4.9 P5).
func CleanupDeletedBlocks(tx *Tx) error {
	const predicate = `id NOT IN (SELECT block_id FROM blockset_entries)`
	if _, err := tx.Exec(`INSERT INTO deleted_blocks (hash, size, volume_id)
		SELECT hash, size, volume_id FROM blocks WHERE ` + predicate); err != nil {
		return fmt.Errorf("archiving deleted blocks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM blocks WHERE ` + predicate); err != nil {
		return fmt.Errorf("deleting orphaned blocks: %w", err)
	}
	return nil
}

// CleanupMissingVolumes marks volumes without any surviving block
// reference as Deleting, spec §4.9 P5.
func CleanupMissingVolumes(tx *Tx) error {
	_, err := tx.Exec(`UPDATE remote_volumes SET state = 'Deleting'
		WHERE type = 'Blocks' AND id NOT IN (SELECT DISTINCT volume_id FROM blocks)
		AND state NOT IN ('Deleted', 'Deleting')`)
	if err != nil {
		return fmt.Errorf("marking missing volumes for deletion: %w", err)
	}
	return nil
}
