package core

import (
	"context"
	"fmt"
	"time"

	"coldvault/internal/model"
)

// VolumeUsage mirrors store.VolumeUsage without importing internal/store,
// the same small-duplication pattern DeletableVolume uses.
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

// ReorderDeletable mirrors store.ReorderDeletable without importing
// internal/store, the same small-duplication pattern VolumeUsage uses.
// It implements spec §4.7: it walks the caller-supplied deletion order
// of block volumes and interleaves index volumes as soon as their last
// referencing block volume has been yielded, so an index file is never
// deleted while a block file it still describes survives.
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

// CompactConfig holds the thresholds spec §4.5's decision rules read.
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

// CompactWriter is the index-database surface CompactEngine drives, one
// transaction at a time — spec §5 requires every block whose primary
// copy moves be persisted before its source volume is deleted, so
// CompactEngine opens a fresh CompactWriter per victim rather than
// holding one transaction across the whole run.
type CompactWriter interface {
	WastedSpaceReport() ([]VolumeUsage, error)
	BuildReport(usage []VolumeUsage, cfg CompactConfig) CompactReport
	PrepareForDelete(victim int64, otherVictims []int64) error
	LoadIndexBlockLinks() ([]model.IndexBlockLink, error)
	MarkVolumesDeleting(ids []int64) ([]DeletableVolume, error)
	MarkVolumesDeleted(ids []int64) error
	Commit() error
	Rollback() error
}

// CompactStore opens the per-transaction CompactWriter views CompactEngine
// needs, implemented by store.CompactStore over a pinned *store.Store.
type CompactStore interface {
	Begin(ctx context.Context) (CompactWriter, error)
}

// CompactResult reports what a Run call decided and, unless it was a dry
// run, what it actually deleted from the backend.
type CompactResult struct {
	Report      CompactReport
	WouldDelete []int64
	Deleted     []DeletableVolume
}

// CompactEngine applies spec §4.4-§4.7 to a database: it computes wasted
// space, decides whether reclaiming or compacting is warranted, migrates
// every surviving block off the volumes chosen for removal, and deletes
// those volumes from the backend in an order that never drops an Index
// volume while a Blocks volume it still describes survives.
type CompactEngine struct {
	store   CompactStore
	backend Backend
}

func NewCompactEngine(store CompactStore, backend Backend) *CompactEngine {
	return &CompactEngine{store: store, backend: backend}
}

// Run executes one compact cycle. With dryRun set, it stops after
// deciding which volumes would be removed and returns their ids in
// deletion order without mutating the database or touching the backend.
func (e *CompactEngine) Run(ctx context.Context, cfg CompactConfig, dryRun bool) (CompactResult, error) {
	const op = "core.CompactEngine.Run"

	report, victimIDs, links, err := e.plan(ctx, cfg)
	if err != nil {
		return CompactResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(victimIDs) == 0 {
		return CompactResult{Report: report}, nil
	}

	ordered := ReorderDeletable(links, victimIDs)
	if dryRun {
		return CompactResult{Report: report, WouldDelete: ordered}, nil
	}

	if err := e.migrateVictims(ctx, victimIDs); err != nil {
		return CompactResult{Report: report}, fmt.Errorf("%s: %w", op, err)
	}

	deletable, err := e.markDeleting(ctx, ordered)
	if err != nil {
		return CompactResult{Report: report}, fmt.Errorf("%s: %w", op, err)
	}

	var deleted []DeletableVolume
	for _, v := range deletable {
		if err := e.backend.Delete(ctx, v.Name, v.Size, false); err != nil {
			return CompactResult{Report: report, Deleted: deleted},
				fmt.Errorf("%s: deleting %s: %w", op, v.Name, err)
		}
		deleted = append(deleted, v)
	}

	if err := e.markDeleted(ctx, ordered); err != nil {
		return CompactResult{Report: report, Deleted: deleted}, fmt.Errorf("%s: %w", op, err)
	}

	return CompactResult{Report: report, Deleted: deleted}, nil
}

// plan reads the wasted-space report and decides, read-only, which
// Blocks volumes are candidates for removal this cycle.
func (e *CompactEngine) plan(ctx context.Context, cfg CompactConfig) (CompactReport, []int64, []model.IndexBlockLink, error) {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return CompactReport{}, nil, nil, err
	}
	defer w.Rollback()

	usage, err := w.WastedSpaceReport()
	if err != nil {
		return CompactReport{}, nil, nil, err
	}
	report := w.BuildReport(usage, cfg)

	if !report.ShouldReclaim && !report.ShouldCompact {
		return report, nil, nil, nil
	}

	victimIDs := unionVolumeIDs(report.CleanDelete, report.CompactableVolumes)
	links, err := w.LoadIndexBlockLinks()
	if err != nil {
		return CompactReport{}, nil, nil, err
	}
	return report, victimIDs, links, nil
}

// migrateVictims runs PrepareForDelete for each victim in its own
// committed transaction, per spec §5: a block's primary copy must be
// reassigned to a surviving duplicate before its source volume goes.
func (e *CompactEngine) migrateVictims(ctx context.Context, victimIDs []int64) error {
	for i, id := range victimIDs {
		others := otherVictims(victimIDs, i)

		w, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := w.PrepareForDelete(id, others); err != nil {
			w.Rollback()
			return fmt.Errorf("preparing volume %d for delete: %w", id, err)
		}
		if err := w.Commit(); err != nil {
			return fmt.Errorf("committing prepare-for-delete of volume %d: %w", id, err)
		}
	}
	return nil
}

func (e *CompactEngine) markDeleting(ctx context.Context, ordered []int64) ([]DeletableVolume, error) {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	deletable, err := w.MarkVolumesDeleting(ordered)
	if err != nil {
		w.Rollback()
		return nil, err
	}
	if err := w.Commit(); err != nil {
		return nil, err
	}
	return deletable, nil
}

func (e *CompactEngine) markDeleted(ctx context.Context, ordered []int64) error {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := w.MarkVolumesDeleted(ordered); err != nil {
		w.Rollback()
		return err
	}
	return w.Commit()
}

func otherVictims(victimIDs []int64, exclude int) []int64 {
	out := make([]int64, 0, len(victimIDs)-1)
	for i, id := range victimIDs {
		if i != exclude {
			out = append(out, id)
		}
	}
	return out
}

func unionVolumeIDs(sets ...[]VolumeUsage) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, set := range sets {
		for _, v := range set {
			if !seen[v.VolumeID] {
				seen[v.VolumeID] = true
				out = append(out, v.VolumeID)
			}
		}
	}
	return out
}
