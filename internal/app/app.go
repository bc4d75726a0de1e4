// Package app wires the index database, remote backend, encryptor,
// staging area, and filesystem manager into the operations the
// coldvault CLI exposes: backup, restore, retention delete, compact,
// recreate, and broken-fileset recovery.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"coldvault/internal/backend"
	"coldvault/internal/codec"
	"coldvault/internal/config"
	"coldvault/internal/core"
	"coldvault/internal/encryption"
	"coldvault/internal/fs"
	"coldvault/internal/model"
	"coldvault/internal/staging"
	"coldvault/internal/store"
	"coldvault/internal/volume"
)

// App holds one CLI invocation's fully-wired dependencies.
type App struct {
	cfg     *config.Config
	cfgPath string

	db          *store.Store
	backend     core.Backend
	encryptor   core.Encryptor
	stagingArea *staging.BlockStagingArea
	fsmgr       core.FilesystemManager
	compressors *core.CompressorRegistry
	writeCodec  core.Compressor // the codec new volumes are written with

	logger  *slog.Logger
	logFile *os.File
	op      *Operation
}

// New wires an App from the config file at cfgPath. command/arguments
// identify this invocation for the operation log.
func New(cfgPath, command, arguments string) (*App, error) {
	cfg, err := config.ReadFromFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	op := NewOperation(command, arguments)
	logger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	db, err := store.NewFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("app.New: opening index database: %w", err)
	}

	if len(cfg.Backends) == 0 {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("app.New: no backends configured")
	}
	be, err := backend.NewFromConfig(context.Background(), cfg.Backends[0])
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}

	sa, err := staging.NewBlockStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}

	compressors := core.NewCompressorRegistry()
	zstd := codec.NewZstdCompressor(0)
	compressors.Register(zstd)
	compressors.Register(codec.NoneCompressor{})

	return &App{
		cfg:         cfg,
		cfgPath:     cfgPath,
		db:          db,
		backend:     be,
		encryptor:   enc,
		stagingArea: sa,
		fsmgr:       fs.NewOSFilesystemManager(),
		compressors: compressors,
		writeCodec:  zstd,
		logger:      logger,
		logFile:     logFile,
		op:          op,
	}, nil
}

// Close releases the index database and log file. It does not touch the
// backend, which owns no local resources this package holds open.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = err
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *App) coreLogger() core.Logger {
	return &slogAdapter{l: a.logger}
}

// AddDirectory registers rawPath as a backup root, resolving and
// deduplicating it against cfg.Roots and persisting the config.
func (a *App) AddDirectory(rawPath string) (string, error) {
	p, err := a.fsmgr.Resolve(rawPath)
	if err != nil {
		return "", fmt.Errorf("app.AddDirectory: %w", err)
	}
	abs := p.String()

	for _, existing := range a.cfg.Roots {
		if existing == abs {
			return abs, nil
		}
	}
	a.cfg.Roots = append(a.cfg.Roots, abs)
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		return "", fmt.Errorf("app.AddDirectory: %w", err)
	}
	a.logger.Info("registered backup root", "path", abs)
	return abs, nil
}

// FileStatus reports whether a discovered file's current on-disk state
// matches the most recent backup that recorded it.
type FileStatus struct {
	Path       string
	IsBackedUp bool
	IsModified bool
}

// GetStatus reports the backup status of every file found under rawPath,
// comparing each against the index database's most recent record for it.
func (a *App) GetStatus(rawPath string, recursive bool) ([]FileStatus, error) {
	p, err := a.fsmgr.Resolve(rawPath)
	if err != nil {
		return nil, fmt.Errorf("app.GetStatus: %w", err)
	}
	osfs, ok := a.fsmgr.(*fs.OSFilesystemManager)
	if !ok {
		return nil, fmt.Errorf("app.GetStatus: filesystem manager does not support FindFiles")
	}
	paths, err := osfs.FindFiles(p, recursive)
	if err != nil {
		return nil, fmt.Errorf("app.GetStatus: %w", err)
	}

	tx, err := a.db.Begin(context.Background())
	if err != nil {
		return nil, fmt.Errorf("app.GetStatus: %w", err)
	}
	defer tx.Rollback()

	root := p.String()
	out := make([]FileStatus, 0, len(paths))
	for _, fp := range paths {
		rel, err := filepath.Rel(root, fp.String())
		if err != nil {
			return nil, fmt.Errorf("app.GetStatus: %w", err)
		}
		dir, name := filepath.Split(filepath.ToSlash(rel))
		dir = filepath.ToSlash(filepath.Clean(dir))
		if dir == "." {
			dir = ""
		}

		prefixID, err := store.GetOrCreatePathPrefix(tx, dir)
		if err != nil {
			return nil, fmt.Errorf("app.GetStatus: %w", err)
		}
		prior, err := store.FindPriorFileState(tx, prefixID, name)
		if err != nil {
			return nil, fmt.Errorf("app.GetStatus: %w", err)
		}

		status := FileStatus{Path: filepath.ToSlash(rel)}
		if prior.Found {
			status.IsBackedUp = true
			info := fp.Info()
			status.IsModified = info == nil ||
				info.ModTime().After(prior.LastModified) ||
				info.Size() != prior.LastFileSize
		} else {
			status.IsModified = true
		}
		out = append(out, status)
	}
	return out, nil
}

// GetHistory returns the most recent backups, newest first, capped at
// limit (0 meaning all of them).
func (a *App) GetHistory(limit int) ([]model.FilesetSummary, error) {
	tx, err := a.db.Begin(context.Background())
	if err != nil {
		return nil, fmt.Errorf("app.GetHistory: %w", err)
	}
	defer tx.Rollback()

	summaries, err := store.ListFilesetSummaries(tx)
	if err != nil {
		return nil, fmt.Errorf("app.GetHistory: %w", err)
	}
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// BackupResult summarizes a BackupAll run across every configured root.
type BackupResult struct {
	FilesWritten   int
	BlocksWritten  int
	VolumesWritten int
}

// BackupAll walks every configured root through the metadata/split/volume
// pipeline of spec §4.11 and closes out a single fileset covering all of
// them. Roots defaults to cfg.Roots when explicitRoots is empty.
func (a *App) BackupAll(ctx context.Context, explicitRoots []string, isFullBackup bool) (BackupResult, error) {
	roots := explicitRoots
	if len(roots) == 0 {
		roots = a.cfg.Roots
	}
	if len(roots) == 0 {
		return BackupResult{}, fmt.Errorf("app.BackupAll: no backup roots configured; run `coldvault dir init` or pass a path")
	}

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return BackupResult{}, fmt.Errorf("app.BackupAll: %w", err)
	}
	writer := store.NewBackupWriter(tx)

	session, err := core.NewBackupSession(ctx, writer, a.backend, core.UUIDGenerator{}, core.BackupOptions{
		Prefix:               a.cfg.Backends[0].Prefix,
		BlockSize:            defaultBlockSize,
		VolSize:              a.cfg.Compact.VolSize,
		Compressor:           a.writeCodec,
		Encryptor:            a.encryptor,
		IsFullBackup:         isFullBackup,
		Now:                  time.Now().UTC(),
		NewBlockVolumeWriter: func(w io.Writer) core.BlockVolumeWriter { return volume.NewBlockVolumeWriter(w) },
		NewIndexVolumeWriter: func(w io.Writer) core.IndexVolumeWriter { return volume.NewIndexVolumeWriter(w) },
		NewFileListWriter: func(w io.Writer, ts time.Time) core.FileListWriter {
			return volume.NewFileListWriter(w, ts)
		},
	})
	if err != nil {
		tx.Rollback()
		return BackupResult{}, fmt.Errorf("app.BackupAll: %w", err)
	}
	if err := session.Begin(); err != nil {
		tx.Rollback()
		return BackupResult{}, fmt.Errorf("app.BackupAll: %w", err)
	}

	batcher := &stagingBatcher{inner: session, area: a.stagingArea}
	matcher := fs.NewIgnoreMatcher(a.cfg.Filesystem.Ignore)

	for _, root := range roots {
		p, err := a.fsmgr.Resolve(root)
		if err != nil {
			tx.Rollback()
			return BackupResult{}, fmt.Errorf("app.BackupAll: resolving %s: %w", root, err)
		}
		if err := a.backupRoot(ctx, p.String(), writer, session, batcher, matcher); err != nil {
			tx.Rollback()
			return BackupResult{}, fmt.Errorf("app.BackupAll: backing up %s: %w", root, err)
		}
	}

	result, err := session.Finish()
	if err != nil {
		tx.Rollback()
		return BackupResult{}, fmt.Errorf("app.BackupAll: %w", err)
	}
	if err := tx.Commit("backup"); err != nil {
		return BackupResult{}, fmt.Errorf("app.BackupAll: %w", err)
	}

	a.logger.Info("backup complete",
		"fileset_id", result.FilesetID, "files", result.FilesWritten,
		"blocks", result.BlocksWritten, "volumes", result.VolumesWritten)
	return BackupResult{
		FilesWritten:   result.FilesWritten,
		BlocksWritten:  result.BlocksWritten,
		VolumesWritten: result.VolumesWritten,
	}, nil
}

// defaultBlockSize is spec §4.11's fixed chunk size, matching the value
// FindMissingBlocklistHashes assumes when reconciling recreate's temp
// blocklist table.
const defaultBlockSize int64 = 1 << 20 // 1 MiB

// backupRoot pipes one backup root's tree through the three-stage
// streaming pipeline (spec §4.11), draining the unbuffered folders
// channel on its own goroutine so it never blocks the file pipeline.
func (a *App) backupRoot(ctx context.Context, root string, writer core.BackupWriter, session *core.BackupSession, batcher core.VolumeBatcher, matcher *fs.IgnoreMatcher) error {
	entries, walkErrc := fs.WalkSource(root, matcher)

	folders, files, preErrc := core.MetadataPreProcessor(ctx, entries, writer, core.PreProcessorOptions{
		SymlinkPolicy: core.SymlinkStore,
		BlockSize:     defaultBlockSize,
	})

	foldersDone := make(chan error, 1)
	go func() {
		for f := range folders {
			if err := session.AddFolder(f); err != nil {
				foldersDone <- err
				for range folders {
				}
				return
			}
		}
		foldersDone <- nil
	}()

	split, splitErrc := core.BlockSplitterStage(ctx, files, defaultBlockSize, func(pf core.PreparedFile) (io.ReadCloser, error) {
		return os.Open(pf.Entry.AbsPath)
	})

	volErrc := core.VolumeManagerStage(ctx, split, batcher)

	if err := <-volErrc; err != nil {
		return err
	}
	if err := <-splitErrc; err != nil {
		return err
	}
	if err := <-preErrc; err != nil {
		return err
	}
	if err := <-walkErrc; err != nil {
		return err
	}
	return <-foldersDone
}

// stagingBatcher decorates a core.VolumeBatcher so every block written
// during a backup passes through the local staging area first. Each
// block is staged and drained into inner within the same WriteBlock
// call, and the staged copy is removed once inner accepts it; blocks the
// inner batcher holds for its current volume are kept in memory only,
// until that volume is flushed.
type stagingBatcher struct {
	inner core.VolumeBatcher
	area  *staging.BlockStagingArea
}

func (b *stagingBatcher) WriteBlock(blk core.Block) (int64, bool, error) {
	if err := b.area.Stage(blk.Hash, blk.Size, blk.Data); err != nil {
		return 0, false, fmt.Errorf("staging block %s: %w", blk.Hash, err)
	}

	var id int64
	var isNew bool
	var writeErr error
	drained, err := b.area.Drain(func(hash string, r io.Reader) error {
		data, readErr := io.ReadAll(r)
		if readErr != nil {
			return readErr
		}
		id, isNew, writeErr = b.inner.WriteBlock(core.Block{Hash: hash, Size: int64(len(data)), Data: data})
		return writeErr
	})
	if err != nil {
		return 0, false, fmt.Errorf("draining staged block %s: %w", blk.Hash, err)
	}
	if !drained {
		return 0, false, fmt.Errorf("staging area drained nothing after staging %s", blk.Hash)
	}
	return id, isNew, writeErr
}

func (b *stagingBatcher) FinishFile(result core.SplitResult, blockIDs []int64) error {
	return b.inner.FinishFile(result, blockIDs)
}

func (b *stagingBatcher) FlushVolume() error {
	return b.inner.FlushVolume()
}

// RestoreResult reports what one Restore call wrote to disk.
type RestoreResult struct {
	FilesRestored int
}

// Restore reconstructs the fileset at version (0 meaning the newest
// backup) into destDir. filter, if non-empty, restricts restoration to
// file-list entries whose Path has filter as a prefix.
func (a *App) Restore(ctx context.Context, version int, filter, destDir, passphrase string) (RestoreResult, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: %w", err)
	}
	defer tx.Rollback()

	summaries, err := store.ListFilesetSummaries(tx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: %w", err)
	}
	var target *model.FilesetSummary
	for i := range summaries {
		if summaries[i].Version == version {
			target = &summaries[i]
			break
		}
	}
	if target == nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: no backup at version %d", version)
	}

	filesVolName, err := store.VolumeNameByID(tx, target.VolumeID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: %w", err)
	}

	rc, err := a.backend.Get(ctx, filesVolName, "", -1)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: downloading %s: %w", filesVolName, err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: reading %s: %w", filesVolName, err)
	}

	plain, err := core.DecodeVolume(filesVolName, raw, *a.compressors, a.encryptor, passphrase)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: decoding %s: %w", filesVolName, err)
	}
	fileList, err := volume.ParseFileList(plain)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("app.Restore: parsing %s: %w", filesVolName, err)
	}

	locator := store.BlockLocator{Tx: tx}
	namer := store.VolumeNamer{Tx: tx}
	session := core.NewRestoreSession(ctx, a.backend, locator, namer.Name, core.RestoreOptions{
		Compressor:       *a.compressors,
		Encryptor:        a.encryptor,
		Passphrase:       passphrase,
		ParseBlockVolume: func(b []byte) (core.BlockVolumeReader, error) { return volume.ParseBlockVolume(b) },
		ParseFileList:    func(b []byte) (core.FileListReader, error) { return volume.ParseFileList(b) },
	})

	dest := fs.DiskRestoreTarget{Root: destDir}
	count := 0
	for _, entry := range fileList.Entries() {
		if filter != "" && !hasPathPrefix(entry.Path, filter) {
			continue
		}
		if err := session.RestoreFile(entry, dest); err != nil {
			return RestoreResult{FilesRestored: count}, fmt.Errorf("app.Restore: %w", err)
		}
		count++
	}

	a.logger.Info("restore complete", "version", version, "files", count, "dest", destDir)
	return RestoreResult{FilesRestored: count}, nil
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// Delete applies the retention config's removers and deletes every
// fileset that any of them marks deletable from both the index database
// and the backend.
func (a *App) Delete(ctx context.Context) (core.DeleteResult, error) {
	policy, err := a.retentionPolicy()
	if err != nil {
		return core.DeleteResult{}, fmt.Errorf("app.Delete: %w", err)
	}

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return core.DeleteResult{}, fmt.Errorf("app.Delete: %w", err)
	}
	engine := core.NewDeleteEngine(store.NewDeletionWriter(tx), a.backend)
	result, err := engine.Run(ctx, policy)
	if err != nil {
		tx.Rollback()
		return result, fmt.Errorf("app.Delete: %w", err)
	}
	if err := tx.Commit("delete"); err != nil {
		return result, fmt.Errorf("app.Delete: %w", err)
	}

	a.logger.Info("retention delete complete",
		"filesets_deleted", result.DeletedFilesets, "volumes_deleted", len(result.DeletedVolumes))
	return result, nil
}

func (a *App) retentionPolicy() (core.RetentionPolicy, error) {
	rc := a.cfg.Retention
	policy := core.RetentionPolicy{
		Now:              time.Now().UTC(),
		AllowFullRemoval: rc.AllowFullRemoval,
	}

	if len(rc.ExplicitVersions) > 0 {
		policy.ExplicitVersions = make(map[int]bool, len(rc.ExplicitVersions))
		for _, v := range rc.ExplicitVersions {
			policy.ExplicitVersions[v] = true
		}
	}
	if rc.KeepTime != "" {
		d, err := time.ParseDuration(rc.KeepTime)
		if err != nil {
			return core.RetentionPolicy{}, fmt.Errorf("parsing retention.keep_time: %w", err)
		}
		cutoff := policy.Now.Add(-d)
		policy.KeepTimeCutoff = &cutoff
	}
	if rc.KeepVersions > 0 {
		n := rc.KeepVersions
		policy.KeepVersionsN = &n
	}
	for _, tf := range rc.Policy {
		var timeframe, interval time.Duration
		var err error
		if tf.Timeframe != "" {
			timeframe, err = time.ParseDuration(tf.Timeframe)
			if err != nil {
				return core.RetentionPolicy{}, fmt.Errorf("parsing retention.policy timeframe %q: %w", tf.Timeframe, err)
			}
		}
		interval, err = time.ParseDuration(tf.Interval)
		if err != nil {
			return core.RetentionPolicy{}, fmt.Errorf("parsing retention.policy interval %q: %w", tf.Interval, err)
		}
		policy.Timeframes = append(policy.Timeframes, core.TimeframeInterval{Timeframe: timeframe, Interval: interval})
	}

	return policy, nil
}

// Compact runs one compact cycle, migrating live blocks off volumes that
// pass the waste/reclaim thresholds and deleting them from the backend.
func (a *App) Compact(ctx context.Context, dryRun bool) (core.CompactResult, error) {
	cs := store.NewCompactStore(a.db)
	engine := core.NewCompactEngine(cs, a.backend)

	cfg := core.CompactConfig{
		VolSize:           a.cfg.Compact.VolSize,
		WasteThreshold:    a.cfg.Compact.WasteThreshold,
		SmallFileSize:     a.cfg.Compact.SmallFileSize,
		MaxSmallFileCount: a.cfg.Compact.MaxSmallFileCount,
	}
	result, err := engine.Run(ctx, cfg, dryRun)
	if err != nil {
		return result, fmt.Errorf("app.Compact: %w", err)
	}

	a.logger.Info("compact complete",
		"would_delete", len(result.WouldDelete), "deleted", len(result.Deleted), "dry_run", dryRun)
	return result, nil
}

// Recreate rebuilds the local index database from nothing but the
// volumes present in the backend.
func (a *App) Recreate(ctx context.Context, passphrase string) (core.RecreateResult, error) {
	rs := store.NewRecreateStore(a.db)
	engine := core.NewRecreateEngine(rs, a.backend)

	result, err := engine.Run(ctx, core.RecreateOptions{
		Prefix:           a.cfg.Backends[0].Prefix,
		Compressor:       *a.compressors,
		Encryptor:        a.encryptor,
		Passphrase:       passphrase,
		BlockSize:        defaultBlockSize,
		HashSize:         32,
		ParseBlockVolume: func(b []byte) (core.BlockVolumeReader, error) { return volume.ParseBlockVolume(b) },
		ParseIndexVolume: func(b []byte) (core.IndexVolumeReader, error) { return volume.ParseIndexVolume(b) },
		ParseFileList:    func(b []byte) (core.FileListReader, error) { return volume.ParseFileList(b) },
		Logger:           a.coreLogger(),
	})
	if err != nil {
		return result, fmt.Errorf("app.Recreate: %w", err)
	}

	a.logger.Info("recreate complete",
		"filesets_created", result.FilesetsCreated,
		"block_volumes_seen", result.BlockVolumesSeen,
		"index_volumes_seen", result.IndexVolumesSeen)
	return result, nil
}

// ListBroken finds every fileset that references a block volume gone or
// going, without mutating the database.
func (a *App) ListBroken(ctx context.Context) (core.BrokenFilesetsReport, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return core.BrokenFilesetsReport{}, fmt.Errorf("app.ListBroken: %w", err)
	}
	defer tx.Rollback()

	report, err := core.ListBrokenFiles(store.NewDeletionWriter(tx))
	if err != nil {
		return report, fmt.Errorf("app.ListBroken: %w", err)
	}
	return report, nil
}

// MarkBrokenForDeletion drops every fileset ListBroken found and returns
// the remote volumes that fall out of the resulting cascade, so the
// caller can decide whether to delete them from the backend.
func (a *App) MarkBrokenForDeletion(ctx context.Context, report core.BrokenFilesetsReport) ([]core.DeletableVolume, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("app.MarkBrokenForDeletion: %w", err)
	}
	writer := store.NewDeletionWriter(tx)
	deletable, err := core.MarkBrokenVolumesForDeletion(writer, report)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("app.MarkBrokenForDeletion: %w", err)
	}
	if err := tx.Commit("mark-broken-for-deletion"); err != nil {
		return nil, fmt.Errorf("app.MarkBrokenForDeletion: %w", err)
	}
	return deletable, nil
}
