package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// RestoreOptions configures one RestoreSession run.
type RestoreOptions struct {
	Compressor CompressorRegistry
	Encryptor  Encryptor // nil if the archive is unencrypted
	Passphrase string

	ParseBlockVolume func([]byte) (BlockVolumeReader, error)
	ParseFileList    func([]byte) (FileListReader, error)
}

// RestoreTarget receives the bytes restore produces, one call per file
// entry in the Files volume being restored.
type RestoreTarget interface {
	WriteFile(path string, r io.Reader) error
	MkdirAll(path string) error
	Symlink(target, path string) error
}

// RestoreDownloader is the narrow slice of Backend restore needs: it
// only ever fetches named objects whole, never lists or writes.
type RestoreDownloader interface {
	Get(ctx context.Context, name string, expectHash string, expectSize int64) (io.ReadCloser, error)
}

// RestoreSession restores one Files volume's worth of entries: it reads
// the file list, then for each entry resolves its blocks — using the
// FileListBlockRef volume hints recorded at backup time to go straight
// to the right Blocks volume, falling back to the general block-location
// index (BlockLocator) only when a hint is missing or wrong, per spec
// §4.9's block-lookup fallback.
type RestoreSession struct {
	ctx      context.Context
	backend  RestoreDownloader
	opts     RestoreOptions
	locator  BlockLocator
	volCache map[int64]BlockVolumeReader
	nameOf   func(volumeID int64) (string, error)
}

// BlockLocator resolves a block hash to the name of a Blocks volume that
// holds it, used when a FileListBlockRef's recorded volume turns out to
// be stale (the block was moved during a compact run since the backup
// that wrote the file list).
type BlockLocator interface {
	LocateBlock(hash string, size int64) (volumeName string, err error)
}

func NewRestoreSession(ctx context.Context, backend RestoreDownloader, locator BlockLocator, nameOf func(int64) (string, error), opts RestoreOptions) *RestoreSession {
	return &RestoreSession{
		ctx:      ctx,
		backend:  backend,
		opts:     opts,
		locator:  locator,
		nameOf:   nameOf,
		volCache: make(map[int64]BlockVolumeReader),
	}
}

// RestoreFile reconstructs one file's content by concatenating its
// blocks in order and writing them to target.
func (s *RestoreSession) RestoreFile(entry FileListEntry, target RestoreTarget) error {
	var buf bytes.Buffer
	for _, ref := range entry.BlockReferences {
		data, err := s.readBlock(ref)
		if err != nil {
			return fmt.Errorf("core.RestoreSession: restoring %s: %w", entry.Path, err)
		}
		buf.Write(data)
	}
	return target.WriteFile(entry.Path, &buf)
}

func (s *RestoreSession) readBlock(ref FileListBlockRef) ([]byte, error) {
	reader, err := s.volumeReader(ref.VolumeID)
	if err == nil {
		if data, blockErr := reader.ReadBlock(ref.Hash); blockErr == nil {
			return data, nil
		}
	}

	if s.locator == nil {
		return nil, fmt.Errorf("block %s not found in volume %d and no locator configured", ref.Hash, ref.VolumeID)
	}
	name, err := s.locator.LocateBlock(ref.Hash, ref.Size)
	if err != nil {
		return nil, fmt.Errorf("locating block %s: %w", ref.Hash, err)
	}
	data, err := s.downloadAndParseBlockVolume(name)
	if err != nil {
		return nil, err
	}
	block, err := data.ReadBlock(ref.Hash)
	if err != nil {
		return nil, err
	}
	return block, nil
}

func (s *RestoreSession) volumeReader(volumeID int64) (BlockVolumeReader, error) {
	if r, ok := s.volCache[volumeID]; ok {
		return r, nil
	}
	name, err := s.nameOf(volumeID)
	if err != nil {
		return nil, err
	}
	r, err := s.downloadAndParseBlockVolume(name)
	if err != nil {
		return nil, err
	}
	s.volCache[volumeID] = r
	return r, nil
}

func (s *RestoreSession) downloadAndParseBlockVolume(name string) (BlockVolumeReader, error) {
	rc, err := s.backend.Get(s.ctx, name, "", -1)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", name, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	plain, err := s.decode(name, raw)
	if err != nil {
		return nil, err
	}
	return s.opts.ParseBlockVolume(plain)
}

// decode reverses BackupSession.compressAndEncrypt: decrypt (if
// configured), then decompress using the codec named in the volume's
// filename.
func (s *RestoreSession) decode(name string, raw []byte) ([]byte, error) {
	return DecodeVolume(name, raw, s.opts.Compressor, s.opts.Encryptor, s.opts.Passphrase)
}
