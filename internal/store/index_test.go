package store_test

import (
	"context"
	"testing"
	"time"

	"coldvault/internal/model"
	"coldvault/internal/store"
	"coldvault/internal/testutil"
)

func TestGetOrCreatePathPrefixIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	id1, err := store.GetOrCreatePathPrefix(tx, "/data/photos")
	if err != nil {
		t.Fatalf("store.GetOrCreatePathPrefix() error = %v", err)
	}
	id2, err := store.GetOrCreatePathPrefix(tx, "/data/photos")
	if err != nil {
		t.Fatalf("store.GetOrCreatePathPrefix() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("store.GetOrCreatePathPrefix() = %d then %d, want same id", id1, id2)
	}

	other, err := store.GetOrCreatePathPrefix(tx, "/data/videos")
	if err != nil {
		t.Fatalf("store.GetOrCreatePathPrefix() error = %v", err)
	}
	if other == id1 {
		t.Errorf("store.GetOrCreatePathPrefix() for a distinct prefix returned the same id")
	}
}

func TestFindPriorFileStateNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	prefixID, err := store.GetOrCreatePathPrefix(tx, "/data")
	if err != nil {
		t.Fatalf("store.GetOrCreatePathPrefix() error = %v", err)
	}

	state, err := store.FindPriorFileState(tx, prefixID, "photo.jpg")
	if err != nil {
		t.Fatalf("store.FindPriorFileState() error = %v", err)
	}
	if state.Found {
		t.Errorf("store.FindPriorFileState() = %+v, want Found=false", state)
	}
}

func TestCreateFilesetAndListSummaries(t *testing.T) {
	s := testutil.NewTestStore(t)
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	volID, err := store.RegisterVolume(tx, "cv-f1-time.zstd", model.VolumeFiles, model.StateTemporary)
	if err != nil {
		t.Fatalf("store.RegisterVolume() error = %v", err)
	}
	if err := store.FinalizeVolume(tx, volID, 100, "somehash", model.StateVerified); err != nil {
		t.Fatalf("store.FinalizeVolume() error = %v", err)
	}

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	if _, err := store.CreateFileset(tx, older, volID, true); err != nil {
		t.Fatalf("store.CreateFileset() error = %v", err)
	}
	newID, err := store.CreateFileset(tx, newer, volID, false)
	if err != nil {
		t.Fatalf("store.CreateFileset() error = %v", err)
	}

	summaries, err := store.ListFilesetSummaries(tx)
	if err != nil {
		t.Fatalf("store.ListFilesetSummaries() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("store.ListFilesetSummaries() = %d entries, want 2", len(summaries))
	}
	if summaries[0].ID != newID || summaries[0].Version != 0 {
		t.Errorf("store.ListFilesetSummaries()[0] = %+v, want newest fileset at version 0", summaries[0])
	}
	if summaries[1].Version != 1 {
		t.Errorf("store.ListFilesetSummaries()[1].Version = %d, want 1", summaries[1].Version)
	}
}

func TestUpsertBlockDedupesByHashAndSize(t *testing.T) {
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

	id1, isNew1, err := store.UpsertBlock(tx, "hash-a", 10, volID)
	if err != nil {
		t.Fatalf("store.UpsertBlock() error = %v", err)
	}
	if !isNew1 {
		t.Error("store.UpsertBlock() first insert, want isNew=true")
	}

	id2, isNew2, err := store.UpsertBlock(tx, "hash-a", 10, volID)
	if err != nil {
		t.Fatalf("store.UpsertBlock() error = %v", err)
	}
	if isNew2 {
		t.Error("store.UpsertBlock() second insert of same hash, want isNew=false")
	}
	if id1 != id2 {
		t.Errorf("store.UpsertBlock() ids differ across calls: %d vs %d", id1, id2)
	}
}
