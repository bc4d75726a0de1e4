package store_test

import (
	"context"
	"fmt"
	"testing"

	"coldvault/internal/model"
	"coldvault/internal/store"
	"coldvault/internal/testutil"
)

// TestWastedSpaceReportAccounting reproduces the worked example: a Blocks
// volume with 10 blocks of size 100, 6 of which also have a matching
// DeletedBlock row (same hash/size/volume). Active/inactive/data/wasted
// sizes must come out to 400/600/1000/600.
func TestWastedSpaceReportAccounting(t *testing.T) {
	s := testutil.NewTestStore(t)
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	volID, err := store.RegisterVolume(tx, "cv-b1-time.zstd", model.VolumeBlocks, model.StateTemporary)
	if err != nil {
		t.Fatalf("store.RegisterVolume() error = %v", err)
	}
	if err := store.FinalizeVolume(tx, volID, 1000, "vol-hash", model.StateVerified); err != nil {
		t.Fatalf("store.FinalizeVolume() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		hash := fmt.Sprintf("hash-%d", i)
		if _, _, err := store.UpsertBlock(tx, hash, 100, volID); err != nil {
			t.Fatalf("store.UpsertBlock(%s) error = %v", hash, err)
		}
		if i < 6 {
			if _, err := tx.Exec(`INSERT INTO deleted_blocks (hash, size, volume_id) VALUES (?, ?, ?)`, hash, 100, volID); err != nil {
				t.Fatalf("inserting deleted_block for %s: %v", hash, err)
			}
		}
	}

	report, err := store.WastedSpaceReport(tx)
	if err != nil {
		t.Fatalf("store.WastedSpaceReport() error = %v", err)
	}
	if len(report) != 1 {
		t.Fatalf("store.WastedSpaceReport() = %d rows, want 1", len(report))
	}
	got := report[0]
	if got.ActiveSize != 400 {
		t.Errorf("ActiveSize = %d, want 400", got.ActiveSize)
	}
	if got.InactiveSize != 600 {
		t.Errorf("InactiveSize = %d, want 600", got.InactiveSize)
	}
	if got.DataSize != 1000 {
		t.Errorf("DataSize = %d, want 1000", got.DataSize)
	}
	if got.WastedSize != 600 {
		t.Errorf("WastedSize = %d, want 600", got.WastedSize)
	}
}

// TestBuildCompactReportSmallFileCountTriggersCompact reproduces the
// worked example: volsize=1GiB, threshold=25%, small_file_size=20MiB,
// max_small_file_count=10, and twelve 5MiB volumes each with 5% waste.
// ShouldCompact is true (small-file-count rule fires even though the
// waste ratio never crosses the threshold); ShouldReclaim stays false
// since none of the volumes are clean-deletable.
func TestBuildCompactReportSmallFileCountTriggersCompact(t *testing.T) {
	const (
		volSize       = 1 << 30 // 1GiB
		smallFileSize = 20 << 20
		fiveMiB       = 5 << 20
	)
	cfg := store.CompactConfig{
		VolSize:           volSize,
		WasteThreshold:    0.25,
		SmallFileSize:     smallFileSize,
		MaxSmallFileCount: 10,
	}

	var usage []store.VolumeUsage
	for i := 0; i < 12; i++ {
		wasted := int64(fiveMiB) * 5 / 100
		usage = append(usage, store.VolumeUsage{
			VolumeID:       int64(i + 1),
			DataSize:       fiveMiB,
			WastedSize:     wasted,
			CompressedSize: fiveMiB,
		})
	}

	report := store.BuildCompactReport(usage, cfg)
	if !report.ShouldCompact {
		t.Error("ShouldCompact = false, want true (small-file-count rule)")
	}
	if report.ShouldReclaim {
		t.Error("ShouldReclaim = true, want false")
	}
	if len(report.CleanDelete) != 0 {
		t.Errorf("CleanDelete = %v, want none", report.CleanDelete)
	}
}
