package store

import (
	"database/sql"
	"fmt"
	"time"
)

// VolumeUsage is one row of the wasted-space report: a Blocks volume's
// live/dead byte accounting plus the timestamp used to order compaction
// oldest-first.
type VolumeUsage struct {
	VolumeID       int64
	Name           string
	ActiveSize     int64
	InactiveSize   int64
	DataSize       int64
	WastedSize     int64
	CompressedSize int64
	SortTime       time.Time
}

// WastedSpaceReport computes, per Blocks volume, the byte accounting
// spec §4.4 defines, ordered by SortTime ascending so the oldest data is
// considered for compaction first.
func WastedSpaceReport(tx *Tx) ([]VolumeUsage, error) {
	const op = "store.WastedSpaceReport"

	rows, err := tx.Query(`SELECT id, name, size FROM remote_volumes WHERE type = 'Blocks'`)
	if err != nil {
		return nil, fmt.Errorf("%s: listing blocks volumes: %w", op, err)
	}

	type volumeRow struct {
		id             int64
		name           string
		compressedSize int64
	}
	var volumeRows []volumeRow
	for rows.Next() {
		var v volumeRow
		if err := rows.Scan(&v.id, &v.name, &v.compressedSize); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: scanning blocks volume: %w", op, err)
		}
		volumeRows = append(volumeRows, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%s: iterating blocks volumes: %w", op, err)
	}
	rows.Close()

	report := make([]VolumeUsage, 0, len(volumeRows))
	for _, v := range volumeRows {
		active, err := activeSize(tx, v.id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		inactive, err := inactiveSize(tx, v.id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sortTime, err := earliestSortTime(tx, v.id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		report = append(report, VolumeUsage{
			VolumeID:       v.id,
			Name:           v.name,
			ActiveSize:     active,
			InactiveSize:   inactive,
			DataSize:       active + inactive,
			WastedSize:     inactive,
			CompressedSize: v.compressedSize,
			SortTime:       sortTime,
		})
	}

	sortByTimeAscending(report)
	return report, nil
}

func activeSize(tx *Tx, volumeID int64) (int64, error) {
	var size sql.NullInt64
	err := tx.QueryRow(`SELECT COALESCE(SUM(b.size), 0) FROM blocks b
		WHERE b.volume_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM deleted_blocks d
			WHERE d.hash = b.hash AND d.size = b.size AND d.volume_id = b.volume_id
		)`, volumeID).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("computing active size for volume %d: %w", volumeID, err)
	}
	return size.Int64, nil
}

func inactiveSize(tx *Tx, volumeID int64) (int64, error) {
	var size sql.NullInt64
	err := tx.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM deleted_blocks WHERE volume_id = ?`, volumeID).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("computing inactive size for volume %d: %w", volumeID, err)
	}
	return size.Int64, nil
}

// earliestSortTime finds the earliest fileset timestamp referencing any
// block in volumeID, via either file-data (FileLookup) or metadata
// (Metadataset) blocksets. Zero time if the volume has no such reference.
func earliestSortTime(tx *Tx, volumeID int64) (time.Time, error) {
	var t sql.NullTime
	err := tx.QueryRow(`
		SELECT MIN(ts) FROM (
			SELECT f.timestamp AS ts
			FROM blocks b
			JOIN blockset_entries be ON be.block_id = b.id
			JOIN file_lookups fl ON fl.blockset_id = be.blockset_id
			JOIN fileset_entries fe ON fe.file_id = fl.id
			JOIN filesets f ON f.id = fe.fileset_id
			WHERE b.volume_id = ?
			UNION ALL
			SELECT f.timestamp AS ts
			FROM blocks b
			JOIN blockset_entries be ON be.block_id = b.id
			JOIN metadatasets m ON m.blockset_id = be.blockset_id
			JOIN file_lookups fl ON fl.metadata_id = m.id
			JOIN fileset_entries fe ON fe.file_id = fl.id
			JOIN filesets f ON f.id = fe.fileset_id
			WHERE b.volume_id = ?
		)`, volumeID, volumeID).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing sort time for volume %d: %w", volumeID, err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func sortByTimeAscending(usage []VolumeUsage) {
	// Small n (one row per Blocks volume); insertion sort keeps this
	// dependency-free and stable, matching how the compact report reads
	// the result as an ordered slice.
	for i := 1; i < len(usage); i++ {
		for j := i; j > 0 && usage[j].SortTime.Before(usage[j-1].SortTime); j-- {
			usage[j], usage[j-1] = usage[j-1], usage[j]
		}
	}
}
