package store

import (
	"fmt"
)

// ConsistencyReport summarizes VerifyConsistency's findings. Empty
// Violations means the database passed every check spec §4.9 P5 requires.
type ConsistencyReport struct {
	Violations []string
}

// VerifyConsistency implements spec §4.9 P5's final check: every
// blockset's length must equal the sum of its blocks' sizes, and its
// block count must equal ceil(length / blockSize). verifyFilelists also
// checks that every FileLookup's blockset is one of the ones just
// verified (catching a recreate run that ingested file-lists it never
// resolved blocks for).
func VerifyConsistency(tx *Tx, blockSize int64, verifyFilelists bool) (ConsistencyReport, error) {
	var report ConsistencyReport

	rows, err := tx.Query(`
		SELECT bs.id, bs.full_hash, bs.length,
			COALESCE(SUM(b.size), 0) AS total_size,
			COUNT(be.idx) AS block_count
		FROM blocksets bs
		LEFT JOIN blockset_entries be ON be.blockset_id = bs.id
		LEFT JOIN blocks b ON b.id = be.block_id
		GROUP BY bs.id`)
	if err != nil {
		return report, fmt.Errorf("verifying blocksets: %w", err)
	}

	for rows.Next() {
		var id, length, totalSize, blockCount int64
		var fullHash string
		if err := rows.Scan(&id, &fullHash, &length, &totalSize, &blockCount); err != nil {
			rows.Close()
			return report, fmt.Errorf("scanning blockset consistency row: %w", err)
		}

		if totalSize != length {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"blockset %d (%s): length=%d but blocks sum to %d", id, fullHash, length, totalSize))
		}

		wantCount := ceilDiv(length, blockSize)
		if blockCount != wantCount {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"blockset %d (%s): expected %d blocks for length %d, has %d", id, fullHash, wantCount, length, blockCount))
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, fmt.Errorf("iterating blockset consistency rows: %w", err)
	}
	rows.Close()

	if verifyFilelists {
		flRows, err := tx.Query(`
			SELECT fl.id FROM file_lookups fl
			WHERE fl.blockset_id >= 0 AND fl.blockset_id NOT IN (SELECT id FROM blocksets)`)
		if err != nil {
			return report, fmt.Errorf("verifying file lookups: %w", err)
		}
		for flRows.Next() {
			var id int64
			if err := flRows.Scan(&id); err != nil {
				flRows.Close()
				return report, fmt.Errorf("scanning dangling file lookup: %w", err)
			}
			report.Violations = append(report.Violations, fmt.Sprintf("file_lookup %d references a missing blockset", id))
		}
		if err := flRows.Err(); err != nil {
			flRows.Close()
			return report, err
		}
		flRows.Close()
	}

	return report, nil
}

// legacyEncryptionMarker is the prefix spec §4.9's pre-downgrade
// safeguard flags: a value written by a legacy RC4-encrypted build,
// which the current schema must never be downgraded onto.
const legacyEncryptionMarker = "enc-v1:"

// CheckPredowngradeSafety scans every column a legacy build could have
// written a "enc-v1:"-prefixed value into and refuses the database for
// downgrade if it finds one. RemoteVolume.name and PathPrefix.prefix are
// the columns in this schema that play the role the original's Option
// and Backup.TargetURL rows played.
func CheckPredowngradeSafety(tx *Tx) error {
	for _, q := range []string{
		`SELECT name FROM remote_volumes WHERE name LIKE ? || '%'`,
		`SELECT prefix FROM path_prefixes WHERE prefix LIKE ? || '%'`,
	} {
		rows, err := tx.Query(q, legacyEncryptionMarker)
		if err != nil {
			return fmt.Errorf("scanning for legacy encryption markers: %w", err)
		}
		hasRows := rows.Next()
		rows.Close()
		if hasRows {
			return fmt.Errorf("database contains legacy %q markers, refusing downgrade", legacyEncryptionMarker)
		}
	}
	return nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// BrokenFilesets returns filesets that reference a Blockset with a
// BlocksetEntry pointing at a block whose RemoteVolume no longer exists,
// or exists but is Deleting/Deleted — feeding core.ListBrokenFiles.
func BrokenFilesets(tx *Tx) ([]int64, error) {
	rows, err := tx.Query(`
		SELECT DISTINCT fe.fileset_id
		FROM fileset_entries fe
		JOIN file_lookups fl ON fl.id = fe.file_id
		JOIN blockset_entries be ON be.blockset_id = fl.blockset_id
		LEFT JOIN blocks b ON b.id = be.block_id
		LEFT JOIN remote_volumes rv ON rv.id = b.volume_id
		WHERE fl.blockset_id >= 0
		AND (b.id IS NULL OR rv.id IS NULL OR rv.state IN ('Deleting', 'Deleted'))`)
	if err != nil {
		return nil, fmt.Errorf("finding broken filesets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning broken fileset: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
