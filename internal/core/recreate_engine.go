package core

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"coldvault/internal/model"
)

// RecreateOptions configures one RecreateEngine run.
type RecreateOptions struct {
	Prefix     string
	Compressor CompressorRegistry
	Encryptor  Encryptor
	Passphrase string
	BlockSize  int64
	HashSize   int64

	ParseBlockVolume func([]byte) (BlockVolumeReader, error)
	ParseIndexVolume func([]byte) (IndexVolumeReader, error)
	ParseFileList    func([]byte) (FileListReader, error)

	// ExperimentalDuplicateReconciliation selects
	// AddBlockAndBlockSetEntryFromTemp over the default
	// FindMissingBlocklistHashes, per spec's Open Question 2 — the two
	// are not proven equivalent, so this stays an explicit opt-in.
	ExperimentalDuplicateReconciliation bool

	// FilesVolumeLimit caps how many of the newest Files volumes P2
	// ingests, 0 meaning all of them.
	FilesVolumeLimit int

	Logger Logger
}

// RecreateWriter is the index-database surface one recreate transaction
// needs. Every RecreateEngine phase opens a fresh one via RecreateStore,
// committing before starting the next unit of work — recreate runs
// against a database that may be interrupted and resumed at any phase
// boundary, so no single transaction spans the whole run.
type RecreateWriter interface {
	RegisterVolume(name string, volumeType model.VolumeType, state model.VolumeState) (int64, error)
	VolumeIDByName(name string) (int64, bool, error)

	GetOrCreatePathPrefix(prefix string) (int64, error)
	CreateBlockset(fullHash string, length int64) (int64, error)
	CreateMetadataset(blocksetID int64) (int64, error)
	CreateFileLookup(pathPrefixID int64, name string, blocksetID, metadataID int64) (int64, error)
	CreateFileset(timestamp time.Time, volumeID int64, isFullBackup bool) (int64, error)
	AddFilesetEntry(filesetID, fileID int64, lastModified time.Time) error
	SmallBlocksetLink(blocksetID int64, hash string, size int64) error

	UpsertBlock(hash string, size int64, volumeID int64) (id int64, isNew bool, err error)
	RecordIndexBlockLink(indexVolumeID, blockVolumeID int64) error
	BufferBlocklistHash(blocksetFullHash string, idx int64, hash string, blockSize int64) error

	AddBlockAndBlockSetEntryFromTemp() (int, error)
	FindMissingBlocklistHashes(blockSize int64) (int, error)
	GetMissingBlockListVolumes(pass MissingBlockListPass) ([]string, error)

	CleanupDeletedBlocks() error
	CleanupMissingVolumes() error
	VerifyConsistency(blockSize int64, verifyFilelists bool) error

	Commit() error
	Rollback() error
}

// MissingBlockListPass mirrors store.MissingBlockListPass — a small
// duplicate for the same reason DeletableVolume is.
type MissingBlockListPass int

const (
	PassRequired MissingBlockListPass = iota
	PassCandidate
	PassAll
)

// RecreateStore opens the per-phase RecreateWriter transactions
// RecreateEngine needs, and owns the pinned connection a recreate run's
// TempBlockListHash scratch table lives on for its whole lifetime.
type RecreateStore interface {
	Begin(ctx context.Context) (RecreateWriter, error)
	Close() error
}

// RecreateResult summarizes one recreate run.
type RecreateResult struct {
	FilesetsCreated  int
	BlockVolumesSeen int
	IndexVolumesSeen int
	ReconciledP3     int
	ReconciledP4     [3]int
	MalformedIndexes int
}

// remoteFile is one parsed remote object, carrying both its filename
// decomposition and the raw name/size Backend.List reported.
type remoteFile struct {
	Name string
	Size int64
	VolumeFilename
}

// RecreateEngine rebuilds a local index database from nothing but the
// remote volumes themselves, spec §4.9's five phases: list, ingest file
// lists, ingest index volumes, recover missing block data in three
// widening passes, then clean up and verify.
type RecreateEngine struct {
	store   RecreateStore
	backend Backend
}

func NewRecreateEngine(store RecreateStore, backend Backend) *RecreateEngine {
	return &RecreateEngine{store: store, backend: backend}
}

// Run executes all five phases against a fresh or partially-built
// database, per spec §4.9.
func (e *RecreateEngine) Run(ctx context.Context, opts RecreateOptions) (RecreateResult, error) {
	const op = "core.RecreateEngine.Run"
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}

	objects, err := e.backend.List(ctx)
	if err != nil {
		return RecreateResult{}, fmt.Errorf("%s: listing remote: %w", op, err)
	}

	all, matching, err := e.parseRemote(objects, opts.Prefix)
	if err != nil {
		return RecreateResult{}, fmt.Errorf("%s: P1: %w", op, err)
	}
	if len(all) == 0 {
		return RecreateResult{}, Userf(op, "EmptyRemoteLocation: no parseable remote objects found")
	}
	if len(matching) == 0 {
		return RecreateResult{}, Userf(op, "no remote objects match prefix %q (remote has %d parseable objects under other prefixes)", opts.Prefix, len(all))
	}
	if opts.Passphrase == "" && anyEncrypted(matching) {
		return RecreateResult{}, Userf(op, "MissingPassphrase: remote volumes are encrypted but no passphrase was supplied")
	}

	var result RecreateResult

	filesVolumes := filterByType(matching, model.VolumeFiles)
	sortByTimeDesc(filesVolumes)
	if opts.FilesVolumeLimit > 0 && len(filesVolumes) > opts.FilesVolumeLimit {
		filesVolumes = filesVolumes[:opts.FilesVolumeLimit]
	}
	if err := e.ingestFileLists(ctx, filesVolumes, opts, &result); err != nil {
		return result, fmt.Errorf("%s: P2: %w", op, err)
	}

	byName, err := e.registerRemoteObjects(ctx, matching)
	if err != nil {
		return result, fmt.Errorf("%s: %w", op, err)
	}

	indexVolumes := filterByType(matching, model.VolumeIndex)
	if err := e.ingestIndexVolumes(ctx, indexVolumes, byName, opts, &result); err != nil {
		return result, fmt.Errorf("%s: P3: %w", op, err)
	}

	if err := e.recoverMissingBlocks(ctx, opts, &result); err != nil {
		return result, fmt.Errorf("%s: P4: %w", op, err)
	}

	if err := e.cleanup(ctx, opts); err != nil {
		return result, fmt.Errorf("%s: P5: %w", op, err)
	}

	return result, nil
}

// parseRemote implements P1: parse every object name, split by whether
// its prefix matches opts.Prefix so the caller can distinguish "wrong
// prefix" from "genuinely empty".
func (e *RecreateEngine) parseRemote(objects []RemoteObject, prefix string) (all, matching []remoteFile, err error) {
	for _, obj := range objects {
		vf, parseErr := ParseFilename(obj.Name)
		if parseErr != nil {
			continue // not one of ours; ignore rather than fail the whole listing
		}
		rf := remoteFile{Name: obj.Name, Size: obj.Size, VolumeFilename: vf}
		all = append(all, rf)
		if vf.Prefix == prefix {
			matching = append(matching, rf)
		}
	}
	return all, matching, nil
}

func anyEncrypted(files []remoteFile) bool {
	for _, f := range files {
		if f.Encryption != "" {
			return true
		}
	}
	return false
}

func filterByType(files []remoteFile, t model.VolumeType) []remoteFile {
	var out []remoteFile
	for _, f := range files {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func sortByTimeDesc(files []remoteFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Time.After(files[j].Time) })
}

// registerRemoteObjects registers every matching remote object as a
// RemoteVolume row up front (Temporary state — P2/P3/P4 finalize the
// ones they actually ingest), so P3's filename probing can resolve a
// referenced block volume by a single indexed name lookup instead of a
// second remote listing round-trip.
func (e *RecreateEngine) registerRemoteObjects(ctx context.Context, files []remoteFile) (map[string]int64, error) {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer w.Rollback()

	byName := make(map[string]int64, len(files))
	for _, f := range files {
		id, ok, err := w.VolumeIDByName(f.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			id, err = w.RegisterVolume(f.Name, f.Type, model.StateTemporary)
			if err != nil {
				return nil, fmt.Errorf("registering %s: %w", f.Name, err)
			}
		}
		byName[f.Name] = id
	}

	if err := w.Commit(); err != nil {
		return nil, err
	}
	return byName, nil
}

// ingestFileLists implements P2: download every selected Files volume
// overlapped, then ingest each as it arrives.
func (e *RecreateEngine) ingestFileLists(ctx context.Context, files []remoteFile, opts RecreateOptions, result *RecreateResult) error {
	if len(files) == 0 {
		return nil
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}

	first := true
	for dl := range e.backend.GetFilesOverlapped(ctx, names) {
		if dl.Err != nil {
			return fmt.Errorf("downloading %s: %w", dl.Name, dl.Err)
		}
		raw, err := os.ReadFile(dl.TmpPath)
		os.Remove(dl.TmpPath)
		if err != nil {
			return fmt.Errorf("reading downloaded %s: %w", dl.Name, err)
		}

		plain, err := DecodeVolume(dl.Name, raw, opts.Compressor, opts.Encryptor, opts.Passphrase)
		if err != nil {
			if !first {
				opts.Logger.Warn("skipping unreadable file list", "name", dl.Name, "err", err)
				continue
			}
			return fmt.Errorf("decoding %s: %w", dl.Name, err)
		}
		first = false
		reader, err := opts.ParseFileList(plain)
		if err != nil {
			return fmt.Errorf("parsing file list %s: %w", dl.Name, err)
		}

		if err := e.ingestOneFileList(ctx, dl.Name, reader, result); err != nil {
			return fmt.Errorf("ingesting %s: %w", dl.Name, err)
		}
	}
	return nil
}

func (e *RecreateEngine) ingestOneFileList(ctx context.Context, name string, reader FileListReader, result *RecreateResult) error {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	volID, ok, err := w.VolumeIDByName(name)
	if err != nil {
		return err
	}
	if !ok {
		volID, err = w.RegisterVolume(name, model.VolumeFiles, model.StateUploaded)
		if err != nil {
			return err
		}
	}

	filesetID, err := w.CreateFileset(reader.Timestamp(), volID, reader.IsFullBackup())
	if err != nil {
		return err
	}

	prefixCache := make(map[string]int64)
	for _, entry := range reader.Entries() {
		dir, base := splitPath(entry.Path)
		prefixID, ok := prefixCache[dir]
		if !ok {
			prefixID, err = w.GetOrCreatePathPrefix(dir)
			if err != nil {
				return fmt.Errorf("interning prefix %q: %w", dir, err)
			}
			prefixCache[dir] = prefixID
		}

		blocksetID, err := w.CreateBlockset(entry.BlocksetHash, entry.BlocksetSize)
		if err != nil {
			return fmt.Errorf("creating blockset for %q: %w", entry.Path, err)
		}
		if len(entry.BlockReferences) == 1 {
			ref := entry.BlockReferences[0]
			if err := w.SmallBlocksetLink(blocksetID, ref.Hash, ref.Size); err != nil {
				return fmt.Errorf("linking single-block blockset for %q: %w", entry.Path, err)
			}
		}

		metaBlocksetID, err := w.CreateBlockset(entry.MetadataHash, entry.MetadataSize)
		if err != nil {
			return fmt.Errorf("creating metadata blockset for %q: %w", entry.Path, err)
		}
		metadataID, err := w.CreateMetadataset(metaBlocksetID)
		if err != nil {
			return fmt.Errorf("creating metadataset for %q: %w", entry.Path, err)
		}

		fileID, err := w.CreateFileLookup(prefixID, base, blocksetID, metadataID)
		if err != nil {
			return fmt.Errorf("creating file lookup for %q: %w", entry.Path, err)
		}
		if err := w.AddFilesetEntry(filesetID, fileID, entry.LastModified); err != nil {
			return fmt.Errorf("linking fileset entry for %q: %w", entry.Path, err)
		}
	}

	if err := w.Commit(); err != nil {
		return err
	}
	result.FilesetsCreated++
	return nil
}

// splitPath is a small string-only split, since recreate never touches
// the local filesystem: a stored path's last "/"-delimited segment is
// its FileLookup.name, and everything before it is the path prefix.
func splitPath(path string) (dir, base string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i+1], path[i+1:]
		}
	}
	return "", path
}

// ingestIndexVolumes implements P3: resolve every declared block volume
// (falling back to filename probing across the codec cross-product when
// an exact name isn't already registered), upsert its blocks, record the
// IndexBlockLink, and buffer each declared blocklist's per-chunk hashes.
// Index volumes that fail to decode or parse are counted in
// MalformedIndexes and skipped, not fatal; declared blocklists are
// buffered without checking their contents against the blocklist hash.
func (e *RecreateEngine) ingestIndexVolumes(ctx context.Context, files []remoteFile, byName map[string]int64, opts RecreateOptions, result *RecreateResult) error {
	if len(files) == 0 {
		return e.reconcile(ctx, opts, result, -1)
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}

	codecs := CodecSet{Compressions: opts.Compressor.Names(), Encryptions: []string{"", "age"}}

	for dl := range e.backend.GetFilesOverlapped(ctx, names) {
		if dl.Err != nil {
			return fmt.Errorf("downloading %s: %w", dl.Name, dl.Err)
		}
		raw, err := os.ReadFile(dl.TmpPath)
		os.Remove(dl.TmpPath)
		if err != nil {
			return fmt.Errorf("reading downloaded %s: %w", dl.Name, err)
		}

		plain, err := DecodeVolume(dl.Name, raw, opts.Compressor, opts.Encryptor, opts.Passphrase)
		if err != nil {
			opts.Logger.Warn("skipping unreadable index volume", "name", dl.Name, "err", err)
			result.MalformedIndexes++
			continue
		}
		reader, err := opts.ParseIndexVolume(plain)
		if err != nil {
			opts.Logger.Warn("skipping malformed index volume", "name", dl.Name, "err", err)
			result.MalformedIndexes++
			continue
		}

		if err := e.ingestOneIndexVolume(ctx, dl.Name, reader, byName, codecs, opts, result); err != nil {
			return fmt.Errorf("ingesting %s: %w", dl.Name, err)
		}
	}

	return e.reconcile(ctx, opts, result, -1)
}

func (e *RecreateEngine) ingestOneIndexVolume(ctx context.Context, indexName string, reader IndexVolumeReader, byName map[string]int64, codecs CodecSet, opts RecreateOptions, result *RecreateResult) error {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	indexVolID, err := w.RegisterVolume(indexName, model.VolumeIndex, model.StateUploaded)
	if err != nil {
		return err
	}
	byName[indexName] = indexVolID

	for set := range reader.Volumes() {
		blockVolID, resolved := byName[set.Filename]
		if !resolved {
			id, generated := ProbeFilename(set.Filename, codecs, func(candidate string) (int64, bool) {
				id, ok := byName[candidate]
				return id, ok
			})
			if id >= 0 {
				blockVolID = id
			} else {
				blockVolID, err = w.RegisterVolume(generated, model.VolumeBlocks, model.StateTemporary)
				if err != nil {
					return fmt.Errorf("registering placeholder for %s: %w", set.Filename, err)
				}
				byName[generated] = blockVolID
			}
		}

		for entry := range set.Blocks {
			if _, _, err := w.UpsertBlock(entry.Hash, entry.Size, blockVolID); err != nil {
				return fmt.Errorf("upserting block %s: %w", entry.Hash, err)
			}
		}
		if err := w.RecordIndexBlockLink(indexVolID, blockVolID); err != nil {
			return fmt.Errorf("recording index/block link: %w", err)
		}
	}

	for bl := range reader.BlockLists() {
		var idx int64
		for hash := range bl.Blocklist {
			// TODO: the raw blocklist is a bare list of block hashes with
			// no per-entry size, so every chunk but the true last one is
			// buffered under opts.BlockSize; a short final block only
			// reconciles once its real (hash, size) pair reaches the
			// blocks table from P4's own volume scan.
			if err := w.BufferBlocklistHash(bl.Hash, idx, hash, opts.BlockSize); err != nil {
				return fmt.Errorf("buffering blocklist hash for %s[%d]: %w", bl.Hash, idx, err)
			}
			idx++
		}
	}

	if err := w.Commit(); err != nil {
		return err
	}
	result.IndexVolumesSeen++
	return nil
}

// reconcile runs the configured reconciliation algorithm against
// currently-buffered blocklist chunks and adds the count to the
// appropriate result bucket: pass < 0 means P3's post-ingest run,
// pass 0-2 means one of P4's three passes.
func (e *RecreateEngine) reconcile(ctx context.Context, opts RecreateOptions, result *RecreateResult, pass int) error {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	var reconciled int
	if opts.ExperimentalDuplicateReconciliation {
		reconciled, err = w.AddBlockAndBlockSetEntryFromTemp()
	} else {
		reconciled, err = w.FindMissingBlocklistHashes(opts.BlockSize)
	}
	if err != nil {
		return fmt.Errorf("reconciling blocklists: %w", err)
	}

	if pass < 0 {
		result.ReconciledP3 += reconciled
	} else {
		result.ReconciledP4[pass] += reconciled
	}

	return w.Commit()
}

// recoverMissingBlocks implements P4: iterate the three widening passes,
// downloading candidate Blocks volumes and re-running reconciliation
// after each. A change detected in the final, most permissive pass is
// logged as a warning — it means an index was missing or wrong.
func (e *RecreateEngine) recoverMissingBlocks(ctx context.Context, opts RecreateOptions, result *RecreateResult) error {
	for _, pass := range []MissingBlockListPass{PassRequired, PassCandidate, PassAll} {
		names, err := e.namesForPass(ctx, pass)
		if err != nil {
			return fmt.Errorf("listing candidates for pass %d: %w", pass, err)
		}
		if len(names) == 0 {
			continue
		}

		for dl := range e.backend.GetFilesOverlapped(ctx, names) {
			if dl.Err != nil {
				opts.Logger.Warn("skipping unreachable block volume", "name", dl.Name, "err", dl.Err)
				continue
			}
			raw, err := os.ReadFile(dl.TmpPath)
			os.Remove(dl.TmpPath)
			if err != nil {
				return fmt.Errorf("reading downloaded %s: %w", dl.Name, err)
			}

			plain, err := DecodeVolume(dl.Name, raw, opts.Compressor, opts.Encryptor, opts.Passphrase)
			if err != nil {
				opts.Logger.Warn("skipping unreadable block volume", "name", dl.Name, "err", err)
				continue
			}
			reader, err := opts.ParseBlockVolume(plain)
			if err != nil {
				opts.Logger.Warn("skipping malformed block volume", "name", dl.Name, "err", err)
				continue
			}

			if err := e.ingestOneBlockVolume(ctx, dl.Name, reader, opts); err != nil {
				return fmt.Errorf("ingesting %s: %w", dl.Name, err)
			}
			result.BlockVolumesSeen++
		}

		before := result.ReconciledP4[pass]
		if err := e.reconcile(ctx, opts, result, int(pass)); err != nil {
			return err
		}
		if pass == PassAll && result.ReconciledP4[pass] > before {
			opts.Logger.Warn("recreate recovered blocklists only on the final pass; remote indexes may be missing or inconsistent",
				"reconciled", result.ReconciledP4[pass]-before)
		}
	}
	return nil
}

func (e *RecreateEngine) namesForPass(ctx context.Context, pass MissingBlockListPass) ([]string, error) {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer w.Rollback()
	return w.GetMissingBlockListVolumes(pass)
}

func (e *RecreateEngine) ingestOneBlockVolume(ctx context.Context, name string, reader BlockVolumeReader, opts RecreateOptions) error {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	volID, err := w.RegisterVolume(name, model.VolumeBlocks, model.StateUploaded)
	if err != nil {
		return err
	}

	for entry := range reader.Blocks() {
		if _, _, err := w.UpsertBlock(entry.Hash, entry.Size, volID); err != nil {
			return fmt.Errorf("upserting block %s: %w", entry.Hash, err)
		}

		// Opportunistically treat every block as a possible blocklist
		// container: only chunks whose buffered blockset_full_hash later
		// matches a real Blockset.full_hash during reconciliation do
		// anything. This recovers a blockset's raw hash list when its
		// declaring Index volume was itself lost.
		var idx int64
		for chunkHash := range reader.ReadBlocklist(entry.Hash, opts.HashSize) {
			if err := w.BufferBlocklistHash(entry.Hash, idx, chunkHash, opts.BlockSize); err != nil {
				return fmt.Errorf("buffering recovered blocklist hash: %w", err)
			}
			idx++
		}
	}

	return w.Commit()
}

// cleanup implements P5: archive orphaned blocks, mark now-unreferenced
// volumes for deletion, and verify the rebuilt database's invariants.
func (e *RecreateEngine) cleanup(ctx context.Context, opts RecreateOptions) error {
	w, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	if err := w.CleanupDeletedBlocks(); err != nil {
		return fmt.Errorf("cleaning up deleted blocks: %w", err)
	}
	if err := w.CleanupMissingVolumes(); err != nil {
		return fmt.Errorf("cleaning up missing volumes: %w", err)
	}
	if err := w.VerifyConsistency(opts.BlockSize, true); err != nil {
		return fmt.Errorf("verifying consistency: %w", err)
	}

	return w.Commit()
}
