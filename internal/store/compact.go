package store

import (
	"fmt"

	"coldvault/internal/core"
	"coldvault/internal/model"
)

// CompactConfig holds the thresholds spec §4.5's decision rules read.
// waste_threshold is a fraction (0.10 == 10%), not a percentage integer;
// internal/config.CompactConfig holds the same fraction and it is passed
// down unchanged.
type CompactConfig struct {
	VolSize           int64
	WasteThreshold    float64
	SmallFileSize     int64
	MaxSmallFileCount int
}

// CompactReport is the outcome of applying spec §4.5's decision rules to
// a wasted-space report.
type CompactReport struct {
	CleanDelete        []VolumeUsage
	Waste              []VolumeUsage
	Small              []VolumeUsage
	CompactableVolumes []VolumeUsage
	ShouldReclaim      bool
	ShouldCompact      bool
}

// BuildCompactReport implements spec §4.5. usage is expected to already
// be ordered oldest-first (WastedSpaceReport's contract); that order is
// preserved into Waste, Small, and CompactableVolumes.
func BuildCompactReport(usage []VolumeUsage, cfg CompactConfig) CompactReport {
	var report CompactReport

	isCleanDelete := make(map[int64]bool, len(usage))
	for _, v := range usage {
		if v.DataSize <= v.WastedSize {
			isCleanDelete[v.VolumeID] = true
			report.CleanDelete = append(report.CleanDelete, v)
		}
	}

	var totalData, totalWasted int64
	for _, v := range usage {
		totalData += v.DataSize
		totalWasted += v.WastedSize

		if isCleanDelete[v.VolumeID] {
			continue
		}

		wasteRatio := ratio(v.WastedSize, v.DataSize)
		volRatio := ratio(v.WastedSize, cfg.VolSize)
		if wasteRatio >= cfg.WasteThreshold || volRatio >= cfg.WasteThreshold {
			report.Waste = append(report.Waste, v)
		}
		if v.CompressedSize <= cfg.SmallFileSize {
			report.Small = append(report.Small, v)
		}
	}

	report.ShouldReclaim = len(report.CleanDelete) > 0

	var smallTotal int64
	for _, v := range report.Small {
		smallTotal += v.CompressedSize
	}
	wastePercentage := ratio(totalWasted, totalData)
	report.ShouldCompact = (wastePercentage >= cfg.WasteThreshold && len(report.Waste) >= 2) ||
		smallTotal > cfg.VolSize ||
		len(report.Small) > cfg.MaxSmallFileCount

	report.CompactableVolumes = unionPreservingOrder(report.Waste, report.Small)

	return report
}

func ratio(numerator, denominator int64) float64 {
	if denominator <= 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

func unionPreservingOrder(waste, small []VolumeUsage) []VolumeUsage {
	seen := make(map[int64]bool, len(waste)+len(small))
	out := make([]VolumeUsage, 0, len(waste)+len(small))
	for _, v := range waste {
		if !seen[v.VolumeID] {
			seen[v.VolumeID] = true
			out = append(out, v)
		}
	}
	for _, v := range small {
		if !seen[v.VolumeID] {
			seen[v.VolumeID] = true
			out = append(out, v)
		}
	}
	return out
}

// PrepareForDelete implements spec §4.6: it redirects every block owned
// by victim to a surviving duplicate copy, so victim can be deleted
// without losing data. Only meaningful for Blocks volumes; the caller is
// expected to check RemoteVolume.Type before calling this.
func PrepareForDelete(tx *Tx, victim int64, otherVictims []int64) error {
	const op = "store.PrepareForDelete"

	// U <- block ids owned by victim.
	uRows, err := tx.Query(`SELECT id FROM blocks WHERE volume_id = ?`, victim)
	if err != nil {
		return fmt.Errorf("%s: selecting victim blocks: %w", op, err)
	}
	var u []int64
	for uRows.Next() {
		var id int64
		if err := uRows.Scan(&id); err != nil {
			uRows.Close()
			return fmt.Errorf("%s: scanning victim block: %w", op, err)
		}
		u = append(u, id)
	}
	if err := uRows.Err(); err != nil {
		uRows.Close()
		return fmt.Errorf("%s: iterating victim blocks: %w", op, err)
	}
	uRows.Close()

	if len(u) == 0 {
		return nil
	}

	uValues := make([]any, len(u))
	for i, id := range u {
		uValues[i] = id
	}
	uSubquery, uDone, err := InClause(tx, "prepare-for-delete-u", uValues)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer uDone()

	excludeClause := ""
	var excludeArgs []any
	if len(otherVictims) > 0 {
		otherValues := make([]any, len(otherVictims))
		for i, id := range otherVictims {
			otherValues[i] = id
		}
		otherSubquery, otherDone, err := InClause(tx, "prepare-for-delete-other-victims", otherValues)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		defer otherDone()
		excludeClause = " AND volume_id NOT IN " + otherSubquery
	}

	// R <- (block_id, replacement volume_id) picked from DuplicateBlock,
	// excluding other volumes also being deleted this cycle.
	rRows, err := tx.Query(fmt.Sprintf(`
		SELECT block_id, MAX(volume_id) FROM duplicate_blocks
		WHERE block_id IN %s%s
		GROUP BY block_id`, uSubquery, excludeClause), excludeArgs...)
	if err != nil {
		return fmt.Errorf("%s: selecting replacements: %w", op, err)
	}
	type replacement struct {
		blockID  int64
		volumeID int64
	}
	var r []replacement
	for rRows.Next() {
		var rep replacement
		if err := rRows.Scan(&rep.blockID, &rep.volumeID); err != nil {
			rRows.Close()
			return fmt.Errorf("%s: scanning replacement: %w", op, err)
		}
		r = append(r, rep)
	}
	if err := rRows.Err(); err != nil {
		rRows.Close()
		return fmt.Errorf("%s: iterating replacements: %w", op, err)
	}
	rRows.Close()

	var updateCount, deleteCount int64
	updateStmt, err := tx.Prepare(`UPDATE blocks SET volume_id = ? WHERE id = ? AND volume_id = ?`)
	if err != nil {
		return fmt.Errorf("%s: preparing block update: %w", op, err)
	}
	defer updateStmt.Close()

	deleteStmt, err := tx.Prepare(`DELETE FROM duplicate_blocks WHERE block_id = ? AND volume_id = ?`)
	if err != nil {
		return fmt.Errorf("%s: preparing duplicate delete: %w", op, err)
	}
	defer deleteStmt.Close()

	for _, rep := range r {
		res, err := updateStmt.Exec(rep.volumeID, rep.blockID, victim)
		if err != nil {
			return fmt.Errorf("%s: reassigning block %d: %w", op, rep.blockID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: reading rows affected: %w", op, err)
		}
		updateCount += n

		res, err = deleteStmt.Exec(rep.blockID, rep.volumeID)
		if err != nil {
			return fmt.Errorf("%s: clearing duplicate for block %d: %w", op, rep.blockID, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: reading rows affected: %w", op, err)
		}
		deleteCount += n
	}

	if int64(len(u)) != updateCount || int64(len(r)) != deleteCount || updateCount != deleteCount {
		return core.Inconsistentf(op,
			"block reassignment mismatch: |U|=%d update_count=%d |R|=%d delete_count=%d — some block has no surviving copy",
			len(u), updateCount, len(r), deleteCount)
	}

	if _, err := tx.Exec(`DELETE FROM duplicate_blocks WHERE volume_id = ?`, victim); err != nil {
		return fmt.Errorf("%s: clearing remaining duplicates for victim: %w", op, err)
	}

	return nil
}

// MarkVolumesDeleting transitions the given volumes (Blocks or Index) to
// Deleting and returns their name/size for the caller to hand to
// Backend.Delete, preserving the caller's ordering rather than the
// query's natural row order.
func MarkVolumesDeleting(tx *Tx, ids []int64) ([]DeletableVolume, error) {
	const op = "store.MarkVolumesDeleting"
	if len(ids) == 0 {
		return nil, nil
	}

	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	subquery, done, err := InClause(tx, "mark-volumes-deleting", values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer done()

	byID := make(map[int64]DeletableVolume, len(ids))
	rows, err := tx.Query(fmt.Sprintf(`SELECT id, name, size FROM remote_volumes WHERE id IN %s`, subquery))
	if err != nil {
		return nil, fmt.Errorf("%s: selecting volumes: %w", op, err)
	}
	for rows.Next() {
		var id int64
		var v DeletableVolume
		if err := rows.Scan(&id, &v.Name, &v.Size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: scanning volume: %w", op, err)
		}
		byID[id] = v
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%s: iterating volumes: %w", op, err)
	}
	rows.Close()

	if _, err := tx.Exec(fmt.Sprintf(`UPDATE remote_volumes SET state = 'Deleting' WHERE id IN %s`, subquery)); err != nil {
		return nil, fmt.Errorf("%s: transitioning volumes: %w", op, err)
	}

	out := make([]DeletableVolume, 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok {
			return nil, core.Inconsistentf(op, "volume %d not found while marking deleting", id)
		}
		out = append(out, v)
	}
	return out, nil
}

// MarkVolumesDeleted transitions the given volumes to Deleted once
// Backend.Delete has confirmed the bytes are gone.
func MarkVolumesDeleted(tx *Tx, ids []int64) error {
	const op = "store.MarkVolumesDeleted"
	if len(ids) == 0 {
		return nil
	}

	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	subquery, done, err := InClause(tx, "mark-volumes-deleted", values)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer done()

	if _, err := tx.Exec(fmt.Sprintf(`UPDATE remote_volumes SET state = 'Deleted' WHERE id IN %s`, subquery)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReorderDeletable implements spec §4.7: it walks the caller-supplied
// deletion order of block volumes and interleaves index volumes as soon
// as their last referencing block volume has been yielded, so an index
// file is never deleted while a block file it still describes survives.
func ReorderDeletable(links []model.IndexBlockLink, volumes []int64) []int64 {
	blockToIndexes := make(map[int64][]int64)
	indexToBlocks := make(map[int64]map[int64]bool)

	for _, l := range links {
		blockToIndexes[l.BlockVolumeID] = append(blockToIndexes[l.BlockVolumeID], l.IndexVolumeID)
		if indexToBlocks[l.IndexVolumeID] == nil {
			indexToBlocks[l.IndexVolumeID] = make(map[int64]bool)
		}
		indexToBlocks[l.IndexVolumeID][l.BlockVolumeID] = true
	}

	var out []int64
	for _, v := range volumes {
		out = append(out, v)
		for _, idx := range blockToIndexes[v] {
			blocks := indexToBlocks[idx]
			delete(blocks, v)
			if len(blocks) == 0 {
				out = append(out, idx)
			}
		}
	}
	return out
}
