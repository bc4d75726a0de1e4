package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"coldvault/internal/model"

	"github.com/google/uuid"
)

// BackupOptions configures one BackupSession run. The New*Writer factories
// let core stay independent of internal/volume's concrete formats — they
// are supplied by whoever wires the session together (internal/app),
// matching how Compressor and Backend are already injected rather than
// imported.
type BackupOptions struct {
	Prefix       string
	BlockSize    int64
	VolSize      int64
	Compressor   Compressor
	Encryptor    Encryptor // nil disables encryption
	IsFullBackup bool
	Now          time.Time

	NewBlockVolumeWriter func(w io.Writer) BlockVolumeWriter
	NewIndexVolumeWriter func(w io.Writer) IndexVolumeWriter
	NewFileListWriter    func(w io.Writer, timestamp time.Time) FileListWriter
}

// VolumeUploader is the narrow slice of Backend BackupSession drives:
// just enough to place a finished volume's bytes remotely.
type VolumeUploader interface {
	Put(ctx context.Context, name string, r io.Reader) error
}

// BackupResult summarizes a completed run.
type BackupResult struct {
	FilesetID      int64
	FilesWritten   int
	BlocksWritten  int
	VolumesWritten int
}

// BackupSession drives spec §4.11's streaming pipeline end to end: it
// implements VolumeBatcher to receive blocks and finished files from
// VolumeManagerStage, batches new blocks into Blocks volumes of
// opts.VolSize, writes a companion Index volume for each, and closes the
// run with a single Files volume declaring every entry touched.
//
// TODO: unchanged files (PriorFileState.Found with a matching size and
// mtime) still flow through the splitter and get re-hashed instead of
// being fast-pathed straight to AddFilesetEntry with the prior
// FileLookupID — MetadataPreProcessor only has IndexWriter, not the
// BackupWriter this session holds, so the short-circuit has nowhere to
// live yet.
//
// TODO: multi-block blocksets are not given a blocklist_hashes chain
// during backup, so recreate's fast path always falls back to opening
// the referenced Blocks volume directly for those files rather than
// resolving them purely from Index-volume blocklists.
type BackupSession struct {
	ctx     context.Context
	writer  BackupWriter
	backend VolumeUploader
	opts    BackupOptions
	guids   IDGenerator

	filesetID int64

	mu         sync.Mutex
	curVolID   int64
	curVolName string
	curBlocks  []Block
	curSize    int64

	entries        []FileListEntry
	volumesWritten int
	blocksWritten  int
}

// NewBackupSession creates a session driving writer/backend for one
// backup run.
func NewBackupSession(ctx context.Context, writer BackupWriter, backend VolumeUploader, guids IDGenerator, opts BackupOptions) (*BackupSession, error) {
	if opts.Compressor == nil {
		return nil, fmt.Errorf("core.NewBackupSession: Compressor is required")
	}
	if opts.NewBlockVolumeWriter == nil || opts.NewIndexVolumeWriter == nil || opts.NewFileListWriter == nil {
		return nil, fmt.Errorf("core.NewBackupSession: volume writer factories are required")
	}
	return &BackupSession{ctx: ctx, writer: writer, backend: backend, opts: opts, guids: guids}, nil
}

// Begin creates the Fileset row this session's work attaches to.
// volumeID is the id of the Files volume this run will end with — set to
// 0 here and patched by Finish once that volume's name is known, since
// the schema wants the fileset to point at its own Files volume.
func (s *BackupSession) Begin() error {
	id, err := s.writer.CreateFileset(s.opts.Now, 0, s.opts.IsFullBackup)
	if err != nil {
		return fmt.Errorf("core.BackupSession.Begin: %w", err)
	}
	s.filesetID = id
	return nil
}

// AddFolder attaches a directory's FileLookup to the running fileset.
// Called for every value MetadataPreProcessor sends on its folders
// channel, in parallel with the file pipeline draining PreparedFile.
func (s *BackupSession) AddFolder(f FolderEntry) error {
	return s.writer.AddFilesetEntry(s.filesetID, f.FileLookupID, s.opts.Now)
}

// WriteBlock implements VolumeBatcher. It deduplicates against the whole
// database (not just the in-progress volume) via BackupWriter.UpsertBlock,
// only appending payload bytes to the current volume buffer when the
// block is new.
func (s *BackupSession) WriteBlock(b Block) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.curVolID == 0 {
		if err := s.startVolumeLocked(); err != nil {
			return 0, false, err
		}
	}

	id, isNew, err := s.writer.UpsertBlock(b.Hash, b.Size, s.curVolID)
	if err != nil {
		return 0, false, fmt.Errorf("core.BackupSession.WriteBlock: %w", err)
	}
	if isNew {
		s.curBlocks = append(s.curBlocks, b)
		s.curSize += b.Size
		s.blocksWritten++
	}
	return id, isNew, nil
}

// FinishFile implements VolumeBatcher: it records the finished file's
// blockset, encodes its metadata as its own inline blockset, creates the
// FileLookup and fileset entry, and queues a FileListEntry for the
// Files volume this session closes with.
func (s *BackupSession) FinishFile(result SplitResult, blockIDs []int64) error {
	blocksetID, err := s.writer.CreateBlockset(result.FullHash, result.Length)
	if err != nil {
		return fmt.Errorf("core.BackupSession.FinishFile: %w", err)
	}
	for i, blockID := range blockIDs {
		if err := s.writer.AddBlocksetEntry(blocksetID, int64(i), blockID); err != nil {
			return fmt.Errorf("core.BackupSession.FinishFile: %w", err)
		}
	}

	metaData, err := EncodeMetadata(statFromInfo(result.File.Entry.Info))
	if err != nil {
		return fmt.Errorf("core.BackupSession.FinishFile: encoding metadata: %w", err)
	}
	metaSum := sha256.Sum256(metaData)
	metaHash := hex.EncodeToString(metaSum[:])
	metaBlocksetID, err := s.writer.CreateBlockset(metaHash, int64(len(metaData)))
	if err != nil {
		return fmt.Errorf("core.BackupSession.FinishFile: %w", err)
	}
	metadataID, err := s.writer.CreateMetadataset(metaBlocksetID)
	if err != nil {
		return fmt.Errorf("core.BackupSession.FinishFile: %w", err)
	}

	fileID, err := s.writer.CreateFileLookup(result.File.PathPrefixID, result.File.Name, blocksetID, metadataID)
	if err != nil {
		return fmt.Errorf("core.BackupSession.FinishFile: %w", err)
	}

	lastModified := s.opts.Now
	if result.File.Entry.Info != nil {
		lastModified = result.File.Entry.Info.ModTime()
	}
	if err := s.writer.AddFilesetEntry(s.filesetID, fileID, lastModified); err != nil {
		return fmt.Errorf("core.BackupSession.FinishFile: %w", err)
	}

	s.mu.Lock()
	volID := s.curVolID
	refs := make([]FileListBlockRef, len(result.Blocks))
	for i, b := range result.Blocks {
		refs[i] = FileListBlockRef{Hash: b.Hash, Size: b.Size, VolumeID: volID}
	}
	s.entries = append(s.entries, FileListEntry{
		Path:            result.File.Entry.RelPath,
		BlocksetHash:    result.FullHash,
		BlocksetSize:    result.Length,
		MetadataHash:    metaHash,
		MetadataSize:    int64(len(metaData)),
		LastModified:    lastModified,
		BlockReferences: refs,
	})
	shouldFlush := s.curSize >= s.opts.VolSize
	s.mu.Unlock()

	if shouldFlush {
		return s.FlushVolume()
	}
	return nil
}

// FlushVolume implements VolumeBatcher: it uploads the in-progress Blocks
// volume (if any blocks were written to it) and its companion Index
// volume, then clears the in-progress state so the next WriteBlock call
// starts a fresh one.
func (s *BackupSession) FlushVolume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Finish closes the run: it flushes any still-open Blocks volume, then
// writes and uploads the Files volume declaring every entry the session
// recorded.
func (s *BackupSession) Finish() (BackupResult, error) {
	s.mu.Lock()
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return BackupResult{}, err
	}
	entries := s.entries
	s.mu.Unlock()

	guid := s.newGUID()
	name, err := GenerateFilename(VolumeFilename{
		Prefix:      s.opts.Prefix,
		Type:        model.VolumeFiles,
		GUID:        guid,
		Time:        s.opts.Now,
		Compression: s.opts.Compressor.Name(),
	})
	if err != nil {
		return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: generating file-list volume name: %w", err)
	}
	filesVolID, err := s.writer.RegisterVolume(name, model.VolumeFiles)
	if err != nil {
		return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: registering file-list volume: %w", err)
	}

	var plain bytes.Buffer
	flw := s.opts.NewFileListWriter(&plain, s.opts.Now)
	flw.SetFullBackup(s.opts.IsFullBackup)
	for _, e := range entries {
		if err := flw.AddEntry(e); err != nil {
			return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: %w", err)
		}
	}
	if err := flw.Close(); err != nil {
		return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: %w", err)
	}

	final, hash, err := s.compressAndEncrypt(plain.Bytes())
	if err != nil {
		return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: %w", err)
	}
	if err := s.backend.Put(s.ctx, name, bytes.NewReader(final)); err != nil {
		return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: uploading file-list volume: %w", err)
	}
	if err := s.writer.FinalizeVolume(filesVolID, int64(len(final)), hash, model.StateUploaded); err != nil {
		return BackupResult{}, fmt.Errorf("core.BackupSession.Finish: %w", err)
	}
	s.volumesWritten++

	return BackupResult{
		FilesetID:      s.filesetID,
		FilesWritten:   len(entries),
		BlocksWritten:  s.blocksWritten,
		VolumesWritten: s.volumesWritten,
	}, nil
}

func (s *BackupSession) startVolumeLocked() error {
	name, err := GenerateFilename(VolumeFilename{
		Prefix:      s.opts.Prefix,
		Type:        model.VolumeBlocks,
		GUID:        s.newGUID(),
		Time:        s.opts.Now,
		Compression: s.opts.Compressor.Name(),
	})
	if err != nil {
		return fmt.Errorf("core.BackupSession: generating volume name: %w", err)
	}
	id, err := s.writer.RegisterVolume(name, model.VolumeBlocks)
	if err != nil {
		return fmt.Errorf("core.BackupSession: registering volume: %w", err)
	}
	s.curVolID = id
	s.curVolName = name
	s.curBlocks = nil
	s.curSize = 0
	return nil
}

func (s *BackupSession) flushLocked() error {
	if s.curVolID == 0 || len(s.curBlocks) == 0 {
		s.curVolID = 0
		return nil
	}

	var plain bytes.Buffer
	bvw := s.opts.NewBlockVolumeWriter(&plain)
	for _, b := range s.curBlocks {
		if err := bvw.WriteBlock(b.Hash, b.Data); err != nil {
			return fmt.Errorf("core.BackupSession: writing block %s: %w", b.Hash, err)
		}
	}
	if err := bvw.Close(); err != nil {
		return fmt.Errorf("core.BackupSession: closing block volume: %w", err)
	}

	final, hash, err := s.compressAndEncrypt(plain.Bytes())
	if err != nil {
		return err
	}
	if err := s.backend.Put(s.ctx, s.curVolName, bytes.NewReader(final)); err != nil {
		return fmt.Errorf("core.BackupSession: uploading %s: %w", s.curVolName, err)
	}
	if err := s.writer.FinalizeVolume(s.curVolID, int64(len(final)), hash, model.StateUploaded); err != nil {
		return err
	}
	s.volumesWritten++

	if err := s.writeIndexVolumeLocked(s.curVolName, hash, int64(len(final))); err != nil {
		return err
	}

	s.curVolID = 0
	s.curVolName = ""
	s.curBlocks = nil
	s.curSize = 0
	return nil
}

func (s *BackupSession) writeIndexVolumeLocked(blocksVolName, blocksVolHash string, blocksVolLength int64) error {
	name, err := GenerateFilename(VolumeFilename{
		Prefix:      s.opts.Prefix,
		Type:        model.VolumeIndex,
		GUID:        s.newGUID(),
		Time:        s.opts.Now,
		Compression: s.opts.Compressor.Name(),
	})
	if err != nil {
		return fmt.Errorf("core.BackupSession: generating index volume name: %w", err)
	}
	indexVolID, err := s.writer.RegisterVolume(name, model.VolumeIndex)
	if err != nil {
		return fmt.Errorf("core.BackupSession: registering index volume: %w", err)
	}

	var plain bytes.Buffer
	ivw := s.opts.NewIndexVolumeWriter(&plain)
	entries := make([]IndexVolumeBlockEntry, len(s.curBlocks))
	for i, b := range s.curBlocks {
		entries[i] = IndexVolumeBlockEntry{Hash: b.Hash, Size: b.Size}
	}
	if err := ivw.AddVolume(IndexVolumeSet{
		Filename: blocksVolName,
		Hash:     blocksVolHash,
		Length:   blocksVolLength,
		Blocks: func(yield func(IndexVolumeBlockEntry) bool) {
			for _, e := range entries {
				if !yield(e) {
					return
				}
			}
		},
	}); err != nil {
		return fmt.Errorf("core.BackupSession: %w", err)
	}
	if err := ivw.Close(); err != nil {
		return fmt.Errorf("core.BackupSession: closing index volume: %w", err)
	}

	final, hash, err := s.compressAndEncrypt(plain.Bytes())
	if err != nil {
		return err
	}
	if err := s.backend.Put(s.ctx, name, bytes.NewReader(final)); err != nil {
		return fmt.Errorf("core.BackupSession: uploading %s: %w", name, err)
	}
	if err := s.writer.FinalizeVolume(indexVolID, int64(len(final)), hash, model.StateUploaded); err != nil {
		return err
	}
	s.volumesWritten++

	return s.writer.RecordIndexBlockLink(indexVolID, s.curVolID)
}

// compressAndEncrypt runs plain through the configured Compressor and,
// if set, Encryptor, returning the final bytes ready for Backend.Put
// along with their SHA-256 hash.
func (s *BackupSession) compressAndEncrypt(plain []byte) ([]byte, string, error) {
	var compressed bytes.Buffer
	cw, err := s.opts.Compressor.NewWriter(&compressed)
	if err != nil {
		return nil, "", fmt.Errorf("compressing volume: %w", err)
	}
	if _, err := cw.Write(plain); err != nil {
		return nil, "", fmt.Errorf("compressing volume: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, "", fmt.Errorf("compressing volume: %w", err)
	}

	final := compressed.Bytes()
	if s.opts.Encryptor != nil {
		var encrypted bytes.Buffer
		if err := s.opts.Encryptor.Encrypt(bytes.NewReader(final), &encrypted); err != nil {
			return nil, "", fmt.Errorf("encrypting volume: %w", err)
		}
		final = encrypted.Bytes()
	}

	sum := sha256.Sum256(final)
	return final, hex.EncodeToString(sum[:]), nil
}

func (s *BackupSession) newGUID() uuid.UUID {
	if s.guids == nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s.guids.New())
	if err != nil {
		return uuid.Nil
	}
	return id
}
