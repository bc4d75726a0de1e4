package store_test

import (
	"context"
	"testing"

	"coldvault/internal/model"
	"coldvault/internal/store"
	"coldvault/internal/testutil"
)

// TestPrepareForDeleteReassignsBlocks reproduces the worked example: victim
// V holds {b1,b2}; DuplicateBlock has (b1,V2), (b1,V3), (b2,V2). After
// store.PrepareForDelete(V, no other victims), b1 moves to V3 (the largest
// candidate volume id) and b2 moves to V2, and no DuplicateBlock row for
// V survives.
func TestPrepareForDeleteReassignsBlocks(t *testing.T) {
	s := testutil.NewTestStore(t)
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	v := mustRegisterBlocksVolume(t, tx, "cv-v-time.zstd")
	v2 := mustRegisterBlocksVolume(t, tx, "cv-v2-time.zstd")
	v3 := mustRegisterBlocksVolume(t, tx, "cv-v3-time.zstd")

	b1, _, err := store.UpsertBlock(tx, "hash-1", 100, v)
	if err != nil {
		t.Fatalf("store.UpsertBlock(b1) error = %v", err)
	}
	b2, _, err := store.UpsertBlock(tx, "hash-2", 100, v)
	if err != nil {
		t.Fatalf("store.UpsertBlock(b2) error = %v", err)
	}

	for _, dup := range []struct{ block, vol int64 }{
		{b1, v2}, {b1, v3}, {b2, v2},
	} {
		if _, err := tx.Exec(`INSERT INTO duplicate_blocks (block_id, volume_id) VALUES (?, ?)`, dup.block, dup.vol); err != nil {
			t.Fatalf("inserting duplicate_block(%d,%d): %v", dup.block, dup.vol, err)
		}
	}

	if err := store.PrepareForDelete(tx, v, nil); err != nil {
		t.Fatalf("store.PrepareForDelete() error = %v", err)
	}

	assertBlockVolume(t, tx, b1, v3)
	assertBlockVolume(t, tx, b2, v2)

	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM duplicate_blocks WHERE volume_id = ?`, v).Scan(&remaining); err != nil {
		t.Fatalf("counting duplicate_blocks: %v", err)
	}
	if remaining != 0 {
		t.Errorf("duplicate_blocks referencing the victim volume = %d, want 0", remaining)
	}
}

func mustRegisterBlocksVolume(t *testing.T, tx *store.Tx, name string) int64 {
	t.Helper()
	id, err := store.RegisterVolume(tx, name, model.VolumeBlocks, model.StateTemporary)
	if err != nil {
		t.Fatalf("store.RegisterVolume(%q) error = %v", name, err)
	}
	if err := store.FinalizeVolume(tx, id, 100, "hash-"+name, model.StateVerified); err != nil {
		t.Fatalf("store.FinalizeVolume(%q) error = %v", name, err)
	}
	return id
}

func assertBlockVolume(t *testing.T, tx *store.Tx, blockID, wantVolume int64) {
	t.Helper()
	var got int64
	if err := tx.QueryRow(`SELECT volume_id FROM blocks WHERE id = ?`, blockID).Scan(&got); err != nil {
		t.Fatalf("reading volume_id for block %d: %v", blockID, err)
	}
	if got != wantVolume {
		t.Errorf("block %d volume_id = %d, want %d", blockID, got, wantVolume)
	}
}

// TestReorderDeletableInterleavesIndexVolumes covers property P3: an index
// volume is inserted immediately after the last block volume it describes,
// never before.
func TestReorderDeletableInterleavesIndexVolumes(t *testing.T) {
	links := []model.IndexBlockLink{
		{IndexVolumeID: 100, BlockVolumeID: 1},
		{IndexVolumeID: 100, BlockVolumeID: 2},
		{IndexVolumeID: 200, BlockVolumeID: 2},
	}
	got := store.ReorderDeletable(links, []int64{1, 2})
	want := []int64{1, 2, 100, 200}
	if len(got) != len(want) {
		t.Fatalf("store.ReorderDeletable() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("store.ReorderDeletable()[%d] = %d, want %d (full: %v)", i, got[i], want[i], got)
		}
	}
}
