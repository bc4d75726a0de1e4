package store_test

import (
	"context"
	"testing"
	"time"

	"coldvault/internal/model"
	"coldvault/internal/store"
	"coldvault/internal/testutil"
)

// TestDropFilesetsRoundTrip reproduces the worked example: F1@t1(full),
// F2@t2(full), F3@t3(partial); dropping F2 leaves two filesets, transitions
// F2's Files volume to Deleting, and leaves no fileset_entries pointing at
// the dropped fileset.
func TestDropFilesetsRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)

	vol1 := mustRegisterFilesVolume(t, tx, "cv-f1-time.zstd")
	vol2 := mustRegisterFilesVolume(t, tx, "cv-f2-time.zstd")
	vol3 := mustRegisterFilesVolume(t, tx, "cv-f3-time.zstd")

	f1 := mustCreateFileset(t, tx, t1, vol1, true)
	f2 := mustCreateFileset(t, tx, t2, vol2, true)
	f3 := mustCreateFileset(t, tx, t3, vol3, false)

	prefixID, err := store.GetOrCreatePathPrefix(tx, "/data")
	if err != nil {
		t.Fatalf("store.GetOrCreatePathPrefix() error = %v", err)
	}
	blocksetID, err := store.CreateBlockset(tx, "", 0)
	if err != nil {
		t.Fatalf("store.CreateBlockset() error = %v", err)
	}
	metadataID, err := store.CreateMetadataset(tx, blocksetID)
	if err != nil {
		t.Fatalf("store.CreateMetadataset() error = %v", err)
	}
	fileID, err := store.CreateFileLookup(tx, prefixID, "a.txt", model.FolderBlocksetID, metadataID)
	if err != nil {
		t.Fatalf("store.CreateFileLookup() error = %v", err)
	}
	for _, fs := range []int64{f1, f2, f3} {
		if err := store.AddFilesetEntry(tx, fs, fileID, t1); err != nil {
			t.Fatalf("store.AddFilesetEntry() error = %v", err)
		}
	}

	var dropped []store.DeletableVolume
	for v, err := range store.DropFilesets(tx, []time.Time{t2}) {
		if err != nil {
			t.Fatalf("store.DropFilesets() error = %v", err)
		}
		dropped = append(dropped, v)
	}
	if len(dropped) != 1 || dropped[0].Name != "cv-f2-time.zstd" {
		t.Fatalf("store.DropFilesets() dropped = %+v, want one volume named cv-f2-time.zstd", dropped)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM filesets`).Scan(&count); err != nil {
		t.Fatalf("counting filesets: %v", err)
	}
	if count != 2 {
		t.Errorf("filesets remaining = %d, want 2", count)
	}

	var state string
	if err := tx.QueryRow(`SELECT state FROM remote_volumes WHERE id = ?`, vol2).Scan(&state); err != nil {
		t.Fatalf("reading volume state: %v", err)
	}
	if state != string(model.StateDeleting) {
		t.Errorf("F2 volume state = %q, want %q", state, model.StateDeleting)
	}

	var entries int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM fileset_entries WHERE fileset_id = ?`, f2).Scan(&entries); err != nil {
		t.Fatalf("counting fileset_entries: %v", err)
	}
	if entries != 0 {
		t.Errorf("fileset_entries for dropped fileset = %d, want 0", entries)
	}
}

func mustRegisterFilesVolume(t *testing.T, tx *store.Tx, name string) int64 {
	t.Helper()
	id, err := store.RegisterVolume(tx, name, model.VolumeFiles, model.StateTemporary)
	if err != nil {
		t.Fatalf("store.RegisterVolume(%q) error = %v", name, err)
	}
	if err := store.FinalizeVolume(tx, id, 100, "hash-"+name, model.StateVerified); err != nil {
		t.Fatalf("store.FinalizeVolume(%q) error = %v", name, err)
	}
	return id
}

func mustCreateFileset(t *testing.T, tx *store.Tx, ts time.Time, volID int64, full bool) int64 {
	t.Helper()
	id, err := store.CreateFileset(tx, ts, volID, full)
	if err != nil {
		t.Fatalf("store.CreateFileset() error = %v", err)
	}
	return id
}
