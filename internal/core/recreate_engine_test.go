package core_test

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"testing"
	"time"

	"github.com/google/uuid"

	"coldvault/internal/backend"
	"coldvault/internal/codec"
	"coldvault/internal/core"
	"coldvault/internal/model"
)

// jsonFileList is the wire shape the test's fake ParseFileList expects. The
// real Files volume codec lives in internal/volume; recreate_engine.go only
// depends on the core.FileListReader interface, so a JSON stand-in exercises the
// same engine code paths without pulling in real volume serialization.
type jsonFileList struct {
	Full    bool
	Time    time.Time
	Entries []core.FileListEntry
}

type fakeFileListReader struct{ doc jsonFileList }

func (r *fakeFileListReader) IsFullBackup() bool       { return r.doc.Full }
func (r *fakeFileListReader) Timestamp() time.Time     { return r.doc.Time }
func (r *fakeFileListReader) Entries() []core.FileListEntry { return r.doc.Entries }

type jsonIndexSet struct {
	Filename string
	Hash     string
	Length   int64
	Blocks   []core.IndexVolumeBlockEntry
}

type jsonIndexVolume struct {
	Volumes    []jsonIndexSet
	BlockLists []struct {
		Hash      string
		Blocklist []string
	}
}

type fakeIndexVolumeReader struct{ doc jsonIndexVolume }

func (r *fakeIndexVolumeReader) Volumes() iter.Seq[core.IndexVolumeSet] {
	return func(yield func(core.IndexVolumeSet) bool) {
		for _, v := range r.doc.Volumes {
			blocks := v.Blocks
			set := core.IndexVolumeSet{
				Filename: v.Filename,
				Hash:     v.Hash,
				Length:   v.Length,
				Blocks: func(yield2 func(core.IndexVolumeBlockEntry) bool) {
					for _, b := range blocks {
						if !yield2(b) {
							return
						}
					}
				},
			}
			if !yield(set) {
				return
			}
		}
	}
}

func (r *fakeIndexVolumeReader) BlockLists() iter.Seq[core.IndexVolumeBlockList] {
	return func(yield func(core.IndexVolumeBlockList) bool) {
		for _, bl := range r.doc.BlockLists {
			hashes := bl.Blocklist
			ivbl := core.IndexVolumeBlockList{
				Hash: bl.Hash,
				Blocklist: func(yield2 func(string) bool) {
					for _, h := range hashes {
						if !yield2(h) {
							return
						}
					}
				},
			}
			if !yield(ivbl) {
				return
			}
		}
	}
}

// fakeBlockVolumeReader is never exercised by TestRecreateEngineRunEndToEnd
// (nothing is missing, so P4 never downloads a Blocks volume) but
// core.RecreateOptions.ParseBlockVolume must still be set.
type fakeBlockVolumeReader struct{}

func (fakeBlockVolumeReader) Blocks() iter.Seq[core.BlockManifestEntry] {
	return func(func(core.BlockManifestEntry) bool) {}
}
func (fakeBlockVolumeReader) ReadBlock(hash string) ([]byte, error) { return nil, nil }
func (fakeBlockVolumeReader) ReadBlocklist(hash string, hashSize int64) iter.Seq[string] {
	return func(func(string) bool) {}
}

// fakeRecreateWriter is a single in-memory core.RecreateWriter shared across
// every phase transaction the engine opens, recording enough of what was
// asked of it to assert the engine's phase orchestration without a real
// sqlite-backed store.
type fakeRecreateWriter struct {
	nextID int64

	volumeIDByName map[string]int64
	volumeType     map[string]model.VolumeType

	pathPrefixes map[string]int64

	blockByHashSize map[string]int64
	blockVolumeID   map[int64]int64

	filesetsCreated   int
	filesetEntries    int
	smallBlocksetLink int
	indexBlockLinks   []model.IndexBlockLink

	missingByPass map[core.MissingBlockListPass][]string

	verifyCalled          bool
	cleanupDeletedCalled  bool
	cleanupMissingCalled  bool
	commitCount, rollback int
}

func newFakeRecreateWriter() *fakeRecreateWriter {
	return &fakeRecreateWriter{
		volumeIDByName:  make(map[string]int64),
		volumeType:      make(map[string]model.VolumeType),
		pathPrefixes:    make(map[string]int64),
		blockByHashSize: make(map[string]int64),
		blockVolumeID:   make(map[int64]int64),
		missingByPass:   make(map[core.MissingBlockListPass][]string),
	}
}

func (w *fakeRecreateWriter) newID() int64 {
	w.nextID++
	return w.nextID
}

func (w *fakeRecreateWriter) RegisterVolume(name string, volumeType model.VolumeType, state model.VolumeState) (int64, error) {
	if id, ok := w.volumeIDByName[name]; ok {
		return id, nil
	}
	id := w.newID()
	w.volumeIDByName[name] = id
	w.volumeType[name] = volumeType
	return id, nil
}

func (w *fakeRecreateWriter) VolumeIDByName(name string) (int64, bool, error) {
	id, ok := w.volumeIDByName[name]
	return id, ok, nil
}

func (w *fakeRecreateWriter) GetOrCreatePathPrefix(prefix string) (int64, error) {
	if id, ok := w.pathPrefixes[prefix]; ok {
		return id, nil
	}
	id := w.newID()
	w.pathPrefixes[prefix] = id
	return id, nil
}

func (w *fakeRecreateWriter) CreateBlockset(fullHash string, length int64) (int64, error) {
	return w.newID(), nil
}

func (w *fakeRecreateWriter) CreateMetadataset(blocksetID int64) (int64, error) {
	return w.newID(), nil
}

func (w *fakeRecreateWriter) CreateFileLookup(pathPrefixID int64, name string, blocksetID, metadataID int64) (int64, error) {
	return w.newID(), nil
}

func (w *fakeRecreateWriter) CreateFileset(timestamp time.Time, volumeID int64, isFullBackup bool) (int64, error) {
	w.filesetsCreated++
	return w.newID(), nil
}

func (w *fakeRecreateWriter) AddFilesetEntry(filesetID, fileID int64, lastModified time.Time) error {
	w.filesetEntries++
	return nil
}

func (w *fakeRecreateWriter) SmallBlocksetLink(blocksetID int64, hash string, size int64) error {
	w.smallBlocksetLink++
	key := blockKey(hash, size)
	if _, ok := w.blockByHashSize[key]; !ok {
		w.blockByHashSize[key] = w.newID()
	}
	return nil
}

func (w *fakeRecreateWriter) UpsertBlock(hash string, size int64, volumeID int64) (int64, bool, error) {
	key := blockKey(hash, size)
	id, exists := w.blockByHashSize[key]
	if !exists {
		id = w.newID()
		w.blockByHashSize[key] = id
		w.blockVolumeID[id] = volumeID
		return id, true, nil
	}
	if w.blockVolumeID[id] == 0 && volumeID != 0 {
		w.blockVolumeID[id] = volumeID
	}
	return id, false, nil
}

func blockKey(hash string, size int64) string {
	return hash
}

func (w *fakeRecreateWriter) RecordIndexBlockLink(indexVolumeID, blockVolumeID int64) error {
	w.indexBlockLinks = append(w.indexBlockLinks, model.IndexBlockLink{IndexVolumeID: indexVolumeID, BlockVolumeID: blockVolumeID})
	return nil
}

func (w *fakeRecreateWriter) BufferBlocklistHash(blocksetFullHash string, idx int64, hash string, blockSize int64) error {
	return nil
}

func (w *fakeRecreateWriter) AddBlockAndBlockSetEntryFromTemp() (int, error) { return 0, nil }
func (w *fakeRecreateWriter) FindMissingBlocklistHashes(blockSize int64) (int, error) {
	return 0, nil
}

func (w *fakeRecreateWriter) GetMissingBlockListVolumes(pass core.MissingBlockListPass) ([]string, error) {
	return w.missingByPass[pass], nil
}

func (w *fakeRecreateWriter) CleanupDeletedBlocks() error { w.cleanupDeletedCalled = true; return nil }
func (w *fakeRecreateWriter) CleanupMissingVolumes() error {
	w.cleanupMissingCalled = true
	return nil
}
func (w *fakeRecreateWriter) VerifyConsistency(blockSize int64, verifyFilelists bool) error {
	w.verifyCalled = true
	return nil
}

func (w *fakeRecreateWriter) Commit() error   { w.commitCount++; return nil }
func (w *fakeRecreateWriter) Rollback() error { w.rollback++; return nil }

type fakeRecreateStore struct{ w *fakeRecreateWriter }

func (s *fakeRecreateStore) Begin(ctx context.Context) (core.RecreateWriter, error) { return s.w, nil }
func (s *fakeRecreateStore) Close() error                                      { return nil }

func mustVolumeName(t *testing.T, typ model.VolumeType, guid string, ts time.Time, encryption string) string {
	t.Helper()
	name, err := core.GenerateFilename(core.VolumeFilename{
		Prefix:      "cv",
		Type:        typ,
		GUID:        uuid.MustParse(guid),
		Time:        ts,
		Compression: "none",
		Encryption:  encryption,
	})
	if err != nil {
		t.Fatalf("core.GenerateFilename() error = %v", err)
	}
	return name
}

func putJSON(t *testing.T, mem *backend.MemoryBackend, name string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling fixture for %s: %v", name, err)
	}
	if err := mem.Put(context.Background(), name, bytes.NewReader(raw)); err != nil {
		t.Fatalf("seeding backend object %s: %v", name, err)
	}
}

func testRecreateOptions() core.RecreateOptions {
	registry := core.NewCompressorRegistry()
	registry.Register(codec.NoneCompressor{})
	return core.RecreateOptions{
		Prefix:     "cv",
		Compressor: *registry,
		BlockSize:  1 << 20,
		HashSize:   32,
		ParseFileList: func(b []byte) (core.FileListReader, error) {
			var doc jsonFileList
			if err := json.Unmarshal(b, &doc); err != nil {
				return nil, err
			}
			return &fakeFileListReader{doc: doc}, nil
		},
		ParseIndexVolume: func(b []byte) (core.IndexVolumeReader, error) {
			var doc jsonIndexVolume
			if err := json.Unmarshal(b, &doc); err != nil {
				return nil, err
			}
			return &fakeIndexVolumeReader{doc: doc}, nil
		},
		ParseBlockVolume: func(b []byte) (core.BlockVolumeReader, error) {
			return fakeBlockVolumeReader{}, nil
		},
	}
}

// TestRecreateEngineRunEndToEnd reproduces S5: the remote holds three
// file-lists, three index volumes describing three block volumes (one
// block each), and the three block volumes themselves (never downloaded,
// since nothing about them is missing). P2 creates all three filesets; P3
// resolves every single-block reference declared in P2 against the real
// block volume named in its index; P4's three passes all come up empty;
// P5 verifies the rebuilt database and reports no violations.
func TestRecreateEngineRunEndToEnd(t *testing.T) {
	mem := backend.NewMemoryBackend("test")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	guids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
	}

	for i, guid := range guids {
		ts := base.Add(time.Duration(i) * time.Hour)
		fileName := mustVolumeName(t, model.VolumeFiles, guid, ts, "")
		indexName := mustVolumeName(t, model.VolumeIndex, guid, ts, "")
		blockName := mustVolumeName(t, model.VolumeBlocks, guid, ts, "")

		putJSON(t, mem, fileName, jsonFileList{
			Full: true,
			Time: ts,
			Entries: []core.FileListEntry{
				{
					Path:         "dir/a.txt",
					BlocksetHash: "blockset-hash", BlocksetSize: 100,
					MetadataHash: "meta-hash", MetadataSize: 0,
					LastModified: ts,
					BlockReferences: []core.FileListBlockRef{
						{Hash: "block-hash", Size: 100},
					},
				},
			},
		})

		putJSON(t, mem, indexName, jsonIndexVolume{
			Volumes: []jsonIndexSet{
				{
					Filename: blockName,
					Hash:     "block-vol-hash",
					Length:   100,
					Blocks:   []core.IndexVolumeBlockEntry{{Hash: "block-hash", Size: 100}},
				},
			},
		})

		putJSON(t, mem, blockName, "unused: never downloaded in this scenario")
	}

	writer := newFakeRecreateWriter()
	store := &fakeRecreateStore{w: writer}
	engine := core.NewRecreateEngine(store, mem)

	result, err := engine.Run(context.Background(), testRecreateOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.FilesetsCreated != 3 {
		t.Errorf("FilesetsCreated = %d, want 3", result.FilesetsCreated)
	}
	if result.IndexVolumesSeen != 3 {
		t.Errorf("IndexVolumesSeen = %d, want 3", result.IndexVolumesSeen)
	}
	if result.BlockVolumesSeen != 0 {
		t.Errorf("BlockVolumesSeen = %d, want 0 (nothing missing)", result.BlockVolumesSeen)
	}
	if result.ReconciledP4 != [3]int{0, 0, 0} {
		t.Errorf("ReconciledP4 = %v, want all zero", result.ReconciledP4)
	}
	if result.MalformedIndexes != 0 {
		t.Errorf("MalformedIndexes = %d, want 0", result.MalformedIndexes)
	}
	if writer.smallBlocksetLink != 3 {
		t.Errorf("SmallBlocksetLink calls = %d, want 3", writer.smallBlocksetLink)
	}
	if len(writer.indexBlockLinks) != 3 {
		t.Errorf("RecordIndexBlockLink calls = %d, want 3", len(writer.indexBlockLinks))
	}
	if !writer.verifyCalled {
		t.Error("VerifyConsistency was never called")
	}
	if !writer.cleanupDeletedCalled || !writer.cleanupMissingCalled {
		t.Error("P5 cleanup steps were not both run")
	}
}

// TestRecreateEngineRunEmptyRemoteLocation covers the empty-remote guard:
// nothing parseable at all is a distinct error from "wrong prefix".
func TestRecreateEngineRunEmptyRemoteLocation(t *testing.T) {
	mem := backend.NewMemoryBackend("test")
	writer := newFakeRecreateWriter()
	engine := core.NewRecreateEngine(&fakeRecreateStore{w: writer}, mem)

	_, err := engine.Run(context.Background(), testRecreateOptions())
	if err == nil {
		t.Fatal("Run() error = nil, want EmptyRemoteLocation")
	}
}

// TestRecreateEngineRunNoMatchingPrefix covers a remote that has
// parseable objects, just none under the requested prefix.
func TestRecreateEngineRunNoMatchingPrefix(t *testing.T) {
	mem := backend.NewMemoryBackend("test")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	name, err := core.GenerateFilename(core.VolumeFilename{
		Prefix: "other", Type: model.VolumeFiles,
		GUID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Time: ts, Compression: "none",
	})
	if err != nil {
		t.Fatalf("core.GenerateFilename() error = %v", err)
	}
	putJSON(t, mem, name, jsonFileList{Time: ts})

	writer := newFakeRecreateWriter()
	engine := core.NewRecreateEngine(&fakeRecreateStore{w: writer}, mem)

	_, err = engine.Run(context.Background(), testRecreateOptions())
	if err == nil {
		t.Fatal("Run() error = nil, want a no-match-prefix error")
	}
}

// TestRecreateEngineRunMissingPassphrase covers an encrypted remote with
// no passphrase configured.
func TestRecreateEngineRunMissingPassphrase(t *testing.T) {
	mem := backend.NewMemoryBackend("test")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	name := mustVolumeName(t, model.VolumeFiles, "11111111-1111-1111-1111-111111111111", ts, "age")
	putJSON(t, mem, name, jsonFileList{Time: ts})

	writer := newFakeRecreateWriter()
	engine := core.NewRecreateEngine(&fakeRecreateStore{w: writer}, mem)

	opts := testRecreateOptions()
	opts.Passphrase = ""
	_, err := engine.Run(context.Background(), opts)
	if err == nil {
		t.Fatal("Run() error = nil, want MissingPassphrase")
	}
}
