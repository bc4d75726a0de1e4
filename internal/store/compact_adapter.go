package store

import (
	"context"

	"coldvault/internal/core"
	"coldvault/internal/model"
)

// CompactStore adapts *Store to core.CompactStore: every call to Begin
// hands CompactEngine a fresh transaction, since spec §5 requires each
// migrated volume's changes committed before its source is deleted.
type CompactStore struct {
	Store *Store
}

var _ core.CompactStore = CompactStore{}

func NewCompactStore(s *Store) CompactStore {
	return CompactStore{Store: s}
}

func (cs CompactStore) Begin(ctx context.Context) (core.CompactWriter, error) {
	tx, err := cs.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return CompactWriter{Tx: tx}, nil
}

// CompactWriter adapts *Tx to core.CompactWriter.
type CompactWriter struct {
	Tx *Tx
}

var _ core.CompactWriter = CompactWriter{}

func (w CompactWriter) WastedSpaceReport() ([]core.VolumeUsage, error) {
	usage, err := WastedSpaceReport(w.Tx)
	if err != nil {
		return nil, err
	}
	out := make([]core.VolumeUsage, len(usage))
	for i, v := range usage {
		out[i] = core.VolumeUsage{
			VolumeID:       v.VolumeID,
			Name:           v.Name,
			ActiveSize:     v.ActiveSize,
			InactiveSize:   v.InactiveSize,
			DataSize:       v.DataSize,
			WastedSize:     v.WastedSize,
			CompressedSize: v.CompressedSize,
			SortTime:       v.SortTime,
		}
	}
	return out, nil
}

func (w CompactWriter) BuildReport(usage []core.VolumeUsage, cfg core.CompactConfig) core.CompactReport {
	storeUsage := make([]VolumeUsage, len(usage))
	for i, v := range usage {
		storeUsage[i] = VolumeUsage{
			VolumeID:       v.VolumeID,
			Name:           v.Name,
			ActiveSize:     v.ActiveSize,
			InactiveSize:   v.InactiveSize,
			DataSize:       v.DataSize,
			WastedSize:     v.WastedSize,
			CompressedSize: v.CompressedSize,
			SortTime:       v.SortTime,
		}
	}
	report := BuildCompactReport(storeUsage, CompactConfig{
		VolSize:           cfg.VolSize,
		WasteThreshold:    cfg.WasteThreshold,
		SmallFileSize:     cfg.SmallFileSize,
		MaxSmallFileCount: cfg.MaxSmallFileCount,
	})
	return core.CompactReport{
		CleanDelete:        toCoreUsage(report.CleanDelete),
		Waste:              toCoreUsage(report.Waste),
		Small:              toCoreUsage(report.Small),
		CompactableVolumes: toCoreUsage(report.CompactableVolumes),
		ShouldReclaim:      report.ShouldReclaim,
		ShouldCompact:      report.ShouldCompact,
	}
}

func toCoreUsage(usage []VolumeUsage) []core.VolumeUsage {
	out := make([]core.VolumeUsage, len(usage))
	for i, v := range usage {
		out[i] = core.VolumeUsage{
			VolumeID:       v.VolumeID,
			Name:           v.Name,
			ActiveSize:     v.ActiveSize,
			InactiveSize:   v.InactiveSize,
			DataSize:       v.DataSize,
			WastedSize:     v.WastedSize,
			CompressedSize: v.CompressedSize,
			SortTime:       v.SortTime,
		}
	}
	return out
}

func (w CompactWriter) PrepareForDelete(victim int64, otherVictims []int64) error {
	return PrepareForDelete(w.Tx, victim, otherVictims)
}

func (w CompactWriter) LoadIndexBlockLinks() ([]model.IndexBlockLink, error) {
	return LoadIndexBlockLinks(w.Tx)
}

func (w CompactWriter) MarkVolumesDeleting(ids []int64) ([]core.DeletableVolume, error) {
	deletable, err := MarkVolumesDeleting(w.Tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeletableVolume, len(deletable))
	for i, v := range deletable {
		out[i] = core.DeletableVolume{Name: v.Name, Size: v.Size}
	}
	return out, nil
}

func (w CompactWriter) MarkVolumesDeleted(ids []int64) error {
	return MarkVolumesDeleted(w.Tx, ids)
}

func (w CompactWriter) Commit() error {
	return w.Tx.Commit("compact")
}

func (w CompactWriter) Rollback() error {
	return w.Tx.Rollback()
}
