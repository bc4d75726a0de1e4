package store

import (
	"fmt"
	"iter"
	"time"
)

// DeletableVolume is a Files volume that just transitioned to Deleting
// and is now ready for the caller to hand to Backend.Delete.
type DeletableVolume struct {
	Name string
	Size int64
}

// deletableVolumeStates are the RemoteVolume states DropFilesets will
// move into Deleting. Deleting appears in its own source set: a fileset
// whose volume was already marked Deleting in a prior, interrupted run
// still counts as transitioned.
var deletableVolumeStates = []string{"Uploaded", "Verified", "Temporary", "Deleting"}

// DropFilesets deletes the filesets at the given timestamps and cascades
// the orphan cleanup spec §4.3 requires, inside the caller's transaction.
// The exact table order below — FilesetEntry, ChangeJournalData,
// FileLookup, Metadataset, Blockset, BlocksetEntry, BlocklistHash — is
// mandatory: reversing steps 2-3 leaves dangling foreign keys briefly and
// corrupts the wasted-space report a compact cycle would compute next.
// The blockset_id/fileset_id foreign keys in the schema are declared
// DEFERRABLE INITIALLY DEFERRED for exactly this reason: SQLite only
// checks them at commit, so a parent row can be deleted here before the
// child rows that still reference it, as long as those children are gone
// by the time this transaction commits.
func DropFilesets(tx *Tx, timestamps []time.Time) iter.Seq2[DeletableVolume, error] {
	return func(yield func(DeletableVolume, error) bool) {
		volumes, err := dropFilesets(tx, timestamps)
		if err != nil {
			yield(DeletableVolume{}, err)
			return
		}
		for _, v := range volumes {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func dropFilesets(tx *Tx, timestamps []time.Time) ([]DeletableVolume, error) {
	const op = "store.DropFilesets"

	if len(timestamps) == 0 {
		return nil, nil
	}

	values := make([]any, len(timestamps))
	for i, ts := range timestamps {
		values[i] = ts
	}
	subquery, done, err := InClause(tx, "drop-filesets", values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer done()

	// Step 1: delete the Filesets themselves.
	res, err := tx.Exec(fmt.Sprintf(`DELETE FROM filesets WHERE timestamp IN %s`, subquery))
	if err != nil {
		return nil, fmt.Errorf("%s: deleting filesets: %w", op, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%s: reading rows affected: %w", op, err)
	}
	if err := assertf(op, deleted, int64(len(timestamps)), "fileset delete count mismatch"); err != nil {
		return nil, err
	}

	// Step 2: cascade orphan removal, in the mandated order.
	cascade := []string{
		`DELETE FROM fileset_entries WHERE fileset_id NOT IN (SELECT id FROM filesets)`,
		`DELETE FROM change_journal_data WHERE fileset_id NOT IN (SELECT id FROM filesets)`,
		`DELETE FROM file_lookups WHERE id NOT IN (SELECT file_id FROM fileset_entries)`,
		`DELETE FROM metadatasets WHERE id NOT IN (SELECT metadata_id FROM file_lookups)`,
		`DELETE FROM blocksets WHERE id NOT IN (SELECT blockset_id FROM file_lookups WHERE blockset_id >= 0)
			AND id NOT IN (SELECT blockset_id FROM metadatasets)`,
		`DELETE FROM blockset_entries WHERE blockset_id NOT IN (SELECT id FROM blocksets)`,
		`DELETE FROM blocklist_hashes WHERE blockset_id NOT IN (SELECT id FROM blocksets)`,
	}
	for _, q := range cascade {
		if _, err := tx.Exec(q); err != nil {
			return nil, fmt.Errorf("%s: cascade step %q: %w", op, q, err)
		}
	}

	// Step 3: move now-unreferenced blocks into DeletedBlock, then delete
	// them. A block is unreferenced iff no BlocksetEntry points at it and
	// no BlocklistHash shares its hash.
	const orphanPredicate = `id NOT IN (SELECT block_id FROM blockset_entries)
		AND hash NOT IN (SELECT hash FROM blocklist_hashes)`
	if _, err := tx.Exec(`INSERT INTO deleted_blocks (hash, size, volume_id)
		SELECT hash, size, volume_id FROM blocks WHERE ` + orphanPredicate); err != nil {
		return nil, fmt.Errorf("%s: archiving deleted blocks: %w", op, err)
	}
	if _, err := tx.Exec(`DELETE FROM blocks WHERE ` + orphanPredicate); err != nil {
		return nil, fmt.Errorf("%s: deleting orphaned blocks: %w", op, err)
	}

	// Step 4: find every Files volume that now has no referencing
	// Fileset, then transition it to Deleting.
	stateList := "'" + joinStrings(deletableVolumeStates, "','") + "'"
	rows, err := tx.Query(fmt.Sprintf(`SELECT id, name, size FROM remote_volumes
		WHERE type = 'Files' AND state IN (%s) AND id NOT IN (SELECT volume_id FROM filesets)`, stateList))
	if err != nil {
		return nil, fmt.Errorf("%s: selecting orphaned files volumes: %w", op, err)
	}

	var ids []int64
	var volumes []DeletableVolume
	for rows.Next() {
		var id, size int64
		var name string
		if err := rows.Scan(&id, &name, &size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: scanning orphaned files volume: %w", op, err)
		}
		ids = append(ids, id)
		volumes = append(volumes, DeletableVolume{Name: name, Size: size})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%s: iterating orphaned files volumes: %w", op, err)
	}
	rows.Close()

	if len(ids) > 0 {
		idValues := make([]any, len(ids))
		for i, id := range ids {
			idValues[i] = id
		}
		idSubquery, idDone, err := InClause(tx, "drop-filesets-volumes", idValues)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		defer idDone()

		res, err := tx.Exec(fmt.Sprintf(`UPDATE remote_volumes SET state = 'Deleting' WHERE id IN %s`, idSubquery))
		if err != nil {
			return nil, fmt.Errorf("%s: transitioning files volumes to deleting: %w", op, err)
		}
		transitioned, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%s: reading rows affected: %w", op, err)
		}
		if err := assertf(op, transitioned, int64(len(timestamps)), "files volume transition count mismatch"); err != nil {
			return nil, err
		}
	} else if err := assertf(op, 0, int64(len(timestamps)), "files volume transition count mismatch"); err != nil {
		return nil, err
	}

	return volumes, nil
}

func joinStrings(items []string, sep string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}
