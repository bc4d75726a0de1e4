package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"coldvault/internal/model"
)

// SourceEntry is one node the source walker (internal/fs.WalkSource)
// found on disk, before the metadata pre-processor has classified it.
type SourceEntry struct {
	AbsPath       string
	RelPath       string
	IsDir         bool
	IsSymlink     bool
	SymlinkTarget string
	Info          fs.FileInfo
}

// SymlinkPolicy controls what the metadata pre-processor does with a
// symlink entry, spec §4.11.
type SymlinkPolicy int

const (
	SymlinkIgnore SymlinkPolicy = iota
	SymlinkStore
)

// PreProcessorOptions configures MetadataPreProcessor's dispatch rules.
type PreProcessorOptions struct {
	SymlinkPolicy         SymlinkPolicy
	SkipMetadata          bool
	CheckFiletimeOnly     bool
	DisableFiletimeCheck  bool
	BlockSize             int64
}

// PriorFileState mirrors store.PriorFileState without importing the
// store package — internal/core sits below internal/store in the import
// graph (store depends on core for its error type), so this is a
// deliberate small duplication rather than an import cycle.
type PriorFileState struct {
	Found        bool
	FileLookupID int64
	LastModified time.Time
	LastFileSize int64
	MetadataHash string
	MetadataSize int64
}

// IndexWriter is the narrow slice of the index database the pipeline
// needs, satisfied by an adapter over *store.Tx (see internal/app's
// wiring) so this package never imports internal/store directly.
type IndexWriter interface {
	GetOrCreatePathPrefix(prefix string) (int64, error)
	PriorFileState(pathPrefixID int64, name string) (PriorFileState, error)
	PriorFileLastModified(pathPrefixID int64, name string) (time.Time, bool, error)
	CreateBlockset(fullHash string, length int64) (int64, error)
	AddBlocksetEntry(blocksetID, idx, blockID int64) error
	CreateMetadataset(blocksetID int64) (int64, error)
	CreateFileLookup(pathPrefixID int64, name string, blocksetID, metadataID int64) (int64, error)
}

// BackupWriter is the index-database surface BackupSession needs beyond
// IndexWriter: block deduplication, volume bookkeeping, and fileset
// assembly. Satisfied by an adapter over *store.Tx (internal/store's
// store.BackupWriter), for the same import-direction reason IndexWriter
// exists.
type BackupWriter interface {
	IndexWriter

	RegisterVolume(name string, volumeType model.VolumeType) (int64, error)
	FinalizeVolume(volumeID int64, size int64, hash string, state model.VolumeState) error
	UpsertBlock(hash string, size int64, volumeID int64) (id int64, isNew bool, err error)
	CreateFileset(timestamp time.Time, volumeID int64, isFullBackup bool) (int64, error)
	AddFilesetEntry(filesetID, fileID int64, lastModified time.Time) error
	RecordIndexBlockLink(indexVolumeID, blockVolumeID int64) error
}

// FolderEntry is emitted for every directory the pre-processor visits.
type FolderEntry struct {
	PathPrefixID int64
	Name         string
	FileLookupID int64
}

// PreparedFile is a regular file forwarded to the BlockSplitter, enriched
// with the prior-state lookup spec §4.11 fetches in a single round trip.
type PreparedFile struct {
	Entry        SourceEntry
	PathPrefixID int64
	Name         string
	Prior        PriorFileState
}

// pathPrefixCache remembers the most recently interned (prefix, id) pair
// so consecutive entries in the same directory skip the round trip to
// IndexWriter.GetOrCreatePathPrefix, per spec §4.11's closing paragraph.
type pathPrefixCache struct {
	prefix string
	id     int64
	valid  bool
}

func (c *pathPrefixCache) get(iw IndexWriter, prefix string) (int64, error) {
	if c.valid && c.prefix == prefix {
		return c.id, nil
	}
	id, err := iw.GetOrCreatePathPrefix(prefix)
	if err != nil {
		return 0, err
	}
	c.prefix, c.id, c.valid = prefix, id, true
	return id, nil
}

// MetadataPreProcessor consumes entries from the source walker, applies
// the symlink/directory/regular-file dispatch rules of spec §4.11, and
// forwards regular files on filesOut. It closes both output channels
// when entries is drained or ctx is cancelled.
func MetadataPreProcessor(ctx context.Context, entries <-chan SourceEntry, iw IndexWriter, opts PreProcessorOptions) (<-chan FolderEntry, <-chan PreparedFile, <-chan error) {
	folders := make(chan FolderEntry)
	files := make(chan PreparedFile)
	errc := make(chan error, 1)

	go func() {
		defer close(folders)
		defer close(files)
		defer close(errc)

		var cache pathPrefixCache

		for {
			select {
			case <-ctx.Done():
				errc <- Cancelledf("core.MetadataPreProcessor")
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if err := processEntry(ctx, entry, iw, opts, &cache, folders, files); err != nil {
					errc <- err
					return
				}
			}
		}
	}()

	return folders, files, errc
}

func processEntry(ctx context.Context, entry SourceEntry, iw IndexWriter, opts PreProcessorOptions, cache *pathPrefixCache, folders chan<- FolderEntry, files chan<- PreparedFile) error {
	dir, name := filepath.Split(entry.RelPath)
	dir = filepath.ToSlash(filepath.Clean(dir))
	if dir == "." {
		dir = ""
	}

	if entry.IsSymlink {
		if opts.SymlinkPolicy == SymlinkIgnore {
			return nil
		}
		prefixID, err := cache.get(iw, dir)
		if err != nil {
			return err
		}
		data, err := EncodeMetadata(StatData{CoreSymlinkTarget: entry.SymlinkTarget})
		if err != nil {
			return err
		}
		blocksetID, err := storeInlineBlockset(iw, data)
		if err != nil {
			return err
		}
		metadataID, err := iw.CreateMetadataset(blocksetID)
		if err != nil {
			return err
		}
		_, err = iw.CreateFileLookup(prefixID, name, model.SymlinkBlocksetID, metadataID)
		return err
	}

	if entry.IsDir {
		prefixID, err := cache.get(iw, dir)
		if err != nil {
			return err
		}
		var data []byte
		if !opts.SkipMetadata {
			data, err = EncodeMetadata(statFromInfo(entry.Info))
			if err != nil {
				return err
			}
		}
		blocksetID, err := storeInlineBlockset(iw, data)
		if err != nil {
			return err
		}
		metadataID, err := iw.CreateMetadataset(blocksetID)
		if err != nil {
			return err
		}
		fileID, err := iw.CreateFileLookup(prefixID, name, model.FolderBlocksetID, metadataID)
		if err != nil {
			return err
		}
		select {
		case folders <- FolderEntry{PathPrefixID: prefixID, Name: name, FileLookupID: fileID}:
			return nil
		case <-ctx.Done():
			return Cancelledf("core.MetadataPreProcessor")
		}
	}

	// Regular file.
	prefixID, err := cache.get(iw, dir)
	if err != nil {
		return err
	}

	var prior PriorFileState
	if opts.CheckFiletimeOnly || opts.DisableFiletimeCheck {
		t, found, err := iw.PriorFileLastModified(prefixID, name)
		if err != nil {
			return err
		}
		if found {
			prior = PriorFileState{Found: true, LastModified: t}
		}
	} else {
		prior, err = iw.PriorFileState(prefixID, name)
		if err != nil {
			return err
		}
	}

	select {
	case files <- PreparedFile{Entry: entry, PathPrefixID: prefixID, Name: name, Prior: prior}:
		return nil
	case <-ctx.Done():
		return Cancelledf("core.MetadataPreProcessor")
	}
}

func statFromInfo(info fs.FileInfo) StatData {
	if info == nil {
		return StatData{}
	}
	return StatData{Mode: uint32(info.Mode()), Mtime: info.ModTime()}
}

// storeInlineBlockset records a small byte payload (a metadata record) as
// a blockset row keyed by the payload's SHA-256 hash and length, and
// returns its id for the Metadataset the pre-processor is building. The
// payload bytes themselves are not written to any volume, and no block
// row is created for them. Named "inline" because folder and
// symlink metadata are typically far smaller than the configured block
// size and so never split.
func storeInlineBlockset(iw IndexWriter, data []byte) (int64, error) {
	sum := sha256.Sum256(data)
	return iw.CreateBlockset(hex.EncodeToString(sum[:]), int64(len(data)))
}

// Block is one fixed-size chunk produced by BlockSplitter.
type Block struct {
	Hash  string
	Size  int64
	Data  []byte
	Index int64
}

// SplitFile is BlockSplitter's core loop: it reads r in BlockSize chunks,
// hashing each with SHA-256, until EOF. Returned purely as a slice rather
// than over a channel when the caller already holds the whole read in one
// goroutine — BlockSplitterStage below wraps this in its own
// channel-based stage for the streaming pipeline.
func SplitFile(r io.Reader, blockSize int64) ([]Block, string, int64, error) {
	if blockSize <= 0 {
		blockSize = 1 << 20
	}
	h := sha256.New()
	var blocks []Block
	var total int64
	buf := make([]byte, blockSize)

	for idx := int64(0); ; idx++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sum := sha256.Sum256(chunk)
			blocks = append(blocks, Block{Hash: hex.EncodeToString(sum[:]), Size: int64(n), Data: chunk, Index: idx})
			h.Write(chunk)
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, "", 0, err
		}
		if n < len(buf) {
			break
		}
	}

	return blocks, hex.EncodeToString(h.Sum(nil)), total, nil
}

// BlockSplitterStage consumes PreparedFile values and emits Block slices
// per file, the second stage of spec §4.11's pipeline. open must return a
// reader for the file's current content.
func BlockSplitterStage(ctx context.Context, in <-chan PreparedFile, blockSize int64, open func(PreparedFile) (io.ReadCloser, error)) (<-chan SplitResult, <-chan error) {
	out := make(chan SplitResult)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		for {
			select {
			case <-ctx.Done():
				errc <- Cancelledf("core.BlockSplitterStage")
				return
			case pf, ok := <-in:
				if !ok {
					return
				}
				rc, err := open(pf)
				if err != nil {
					errc <- err
					return
				}
				blocks, fullHash, length, err := SplitFile(rc, blockSize)
				rc.Close()
				if err != nil {
					errc <- err
					return
				}
				select {
				case out <- SplitResult{File: pf, Blocks: blocks, FullHash: fullHash, Length: length}:
				case <-ctx.Done():
					errc <- Cancelledf("core.BlockSplitterStage")
					return
				}
			}
		}
	}()

	return out, errc
}

// SplitResult is one file's worth of blocks, ready for the VolumeManager
// to batch into remote volumes.
type SplitResult struct {
	File     PreparedFile
	Blocks   []Block
	FullHash string
	Length   int64
}

// VolumeBatcher is the interface VolumeManager uses to hand off a
// finished batch of blocks to be written into a remote Blocks volume —
// implemented by internal/core.BackupSession in backup.go.
type VolumeBatcher interface {
	WriteBlock(b Block) (blockID int64, isNew bool, err error)
	FinishFile(result SplitResult, blockIDs []int64) error
	FlushVolume() error
}

// VolumeManagerStage batches SplitResult values into remote volumes. Its
// cancellation handling races the block-input channel against ctx.Done
// with a native select — Go's select already has the "peek and take
// exactly one, no message loss" semantics a hand-rolled two-channel
// read loop would need to reimplement.
func VolumeManagerStage(ctx context.Context, in <-chan SplitResult, batcher VolumeBatcher) <-chan error {
	errc := make(chan error, 1)

	go func() {
		defer close(errc)

		for {
			select {
			case <-ctx.Done():
				if err := batcher.FlushVolume(); err != nil {
					errc <- err
					return
				}
				errc <- Cancelledf("core.VolumeManagerStage")
				return
			case result, ok := <-in:
				if !ok {
					if err := batcher.FlushVolume(); err != nil {
						errc <- err
					}
					return
				}
				blockIDs := make([]int64, len(result.Blocks))
				for i, b := range result.Blocks {
					id, _, err := batcher.WriteBlock(b)
					if err != nil {
						errc <- err
						return
					}
					blockIDs[i] = id
				}
				if err := batcher.FinishFile(result, blockIDs); err != nil {
					errc <- err
					return
				}
			}
		}
	}()

	return errc
}
