package core_test

import (
	"bytes"
	"context"
	"testing"

	"coldvault/internal/backend"
	"coldvault/internal/core"
	"coldvault/internal/model"
)

type fakeCompactWriter struct {
	usage      []core.VolumeUsage
	report     core.CompactReport
	links      []model.IndexBlockLink
	deletable  []core.DeletableVolume
	prepared   []int64
	markedDel  []int64
	markedDone []int64
}

func (w *fakeCompactWriter) WastedSpaceReport() ([]core.VolumeUsage, error) { return w.usage, nil }
func (w *fakeCompactWriter) BuildReport(usage []core.VolumeUsage, cfg core.CompactConfig) core.CompactReport {
	return w.report
}
func (w *fakeCompactWriter) PrepareForDelete(victim int64, otherVictims []int64) error {
	w.prepared = append(w.prepared, victim)
	return nil
}
func (w *fakeCompactWriter) LoadIndexBlockLinks() ([]model.IndexBlockLink, error) {
	return w.links, nil
}
func (w *fakeCompactWriter) MarkVolumesDeleting(ids []int64) ([]core.DeletableVolume, error) {
	w.markedDel = ids
	return w.deletable, nil
}
func (w *fakeCompactWriter) MarkVolumesDeleted(ids []int64) error {
	w.markedDone = ids
	return nil
}
func (w *fakeCompactWriter) Commit() error   { return nil }
func (w *fakeCompactWriter) Rollback() error { return nil }

type fakeCompactStore struct {
	w *fakeCompactWriter
}

func (s *fakeCompactStore) Begin(ctx context.Context) (core.CompactWriter, error) {
	return s.w, nil
}

func newFakeCompactWriter() *fakeCompactWriter {
	usage := []core.VolumeUsage{{VolumeID: 1, Name: "cv-b1-time.zstd", DataSize: 100}}
	return &fakeCompactWriter{
		usage: usage,
		report: core.CompactReport{
			CleanDelete:   usage,
			ShouldReclaim: true,
		},
		deletable: []core.DeletableVolume{{Name: "cv-b1-time.zstd", Size: 100}},
	}
}

// TestCompactEngineRunDryRunPlansOnly checks that a dry run reports the
// fake report's clean-delete volume in WouldDelete without mutating the
// writer.
func TestCompactEngineRunDryRunPlansOnly(t *testing.T) {
	w := newFakeCompactWriter()
	store := &fakeCompactStore{w: w}
	engine := core.NewCompactEngine(store, backend.NewMemoryBackend("test"))

	result, err := engine.Run(context.Background(), core.CompactConfig{}, true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.WouldDelete) != 1 || result.WouldDelete[0] != 1 {
		t.Errorf("WouldDelete = %v, want [1]", result.WouldDelete)
	}
	if len(w.prepared) != 0 || w.markedDel != nil {
		t.Errorf("dry run mutated the writer: prepared=%v markedDel=%v", w.prepared, w.markedDel)
	}
}

// TestCompactEngineRunMigratesAndDeletes checks the engine's sequencing
// against a fake writer: the engine prepares each victim for delete,
// marks its volumes deleting, removes the bytes from the backend, then
// marks them deleted. The fake's PrepareForDelete only records the call,
// so block reassignment itself is not exercised here.
func TestCompactEngineRunMigratesAndDeletes(t *testing.T) {
	w := newFakeCompactWriter()
	store := &fakeCompactStore{w: w}
	mem := backend.NewMemoryBackend("test")
	if err := mem.Put(context.Background(), "cv-b1-time.zstd", bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("seeding backend object: %v", err)
	}
	engine := core.NewCompactEngine(store, mem)

	result, err := engine.Run(context.Background(), core.CompactConfig{}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(w.prepared) != 1 || w.prepared[0] != 1 {
		t.Errorf("PrepareForDelete calls = %v, want [1]", w.prepared)
	}
	if len(result.Deleted) != 1 || result.Deleted[0].Name != "cv-b1-time.zstd" {
		t.Errorf("Deleted = %v, want [cv-b1-time.zstd]", result.Deleted)
	}
	if len(w.markedDone) != 1 {
		t.Errorf("MarkVolumesDeleted calls = %v, want one volume", w.markedDone)
	}

	objs, err := mem.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("backend objects after Run() = %v, want none", objs)
	}
}

// TestCompactEngineRunNoActionWhenNotWarranted covers the report saying
// neither reclaim nor compact is warranted: the engine does nothing.
func TestCompactEngineRunNoActionWhenNotWarranted(t *testing.T) {
	w := &fakeCompactWriter{usage: nil, report: core.CompactReport{}}
	store := &fakeCompactStore{w: w}
	engine := core.NewCompactEngine(store, backend.NewMemoryBackend("test"))

	result, err := engine.Run(context.Background(), core.CompactConfig{}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Deleted) != 0 || len(result.WouldDelete) != 0 {
		t.Errorf("Run() = %+v, want no action", result)
	}
}
