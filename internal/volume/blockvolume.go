// Package volume implements the concrete on-disk formats for Blocks,
// Index, and Files volumes described by spec §6: a small JSON manifest
// declaring what the volume holds, followed by whatever payload bytes the
// manifest needs (only Blocks volumes carry a payload section; Index and
// Files volumes are manifest-only). The manifest is written and read
// uncompressed relative to the surrounding stream — compression and
// encryption are applied by the caller around the whole stream, matching
// how internal/codec.Compressor and internal/encryption.AgeEncryptor wrap
// an io.Writer/io.Reader rather than a byte format of their own.
package volume

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"coldvault/internal/core"
)

var blockVolumeMagic = [4]byte{'C', 'V', 'B', 'V'}

type blockManifest struct {
	Entries []core.BlockManifestEntry
}

// BlockVolumeWriter implements core.BlockVolumeWriter: it buffers block
// payloads and their manifest entries in memory, then on Close writes the
// magic, the JSON manifest, and the concatenated payloads to w in one
// pass so Offset values in the manifest are correct without a seek.
type BlockVolumeWriter struct {
	w        io.Writer
	entries  []core.BlockManifestEntry
	payloads [][]byte
	offset   int64
	closed   bool
}

var _ core.BlockVolumeWriter = (*BlockVolumeWriter)(nil)

// NewBlockVolumeWriter wraps w, which should already be routed through
// the chosen Compressor and, if configured, the encryptor's Encrypt path.
func NewBlockVolumeWriter(w io.Writer) *BlockVolumeWriter {
	return &BlockVolumeWriter{w: w}
}

func (bw *BlockVolumeWriter) WriteBlock(hash string, data []byte) error {
	if bw.closed {
		return fmt.Errorf("volume.BlockVolumeWriter: write after close")
	}
	bw.entries = append(bw.entries, core.BlockManifestEntry{Hash: hash, Size: int64(len(data)), Offset: bw.offset})
	bw.payloads = append(bw.payloads, data)
	bw.offset += int64(len(data))
	return nil
}

func (bw *BlockVolumeWriter) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true

	manifestBytes, err := json.Marshal(blockManifest{Entries: bw.entries})
	if err != nil {
		return fmt.Errorf("volume.BlockVolumeWriter: encoding manifest: %w", err)
	}

	buf := bufio.NewWriter(bw.w)
	if _, err := buf.Write(blockVolumeMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(manifestBytes))); err != nil {
		return err
	}
	if _, err := buf.Write(manifestBytes); err != nil {
		return err
	}
	for _, p := range bw.payloads {
		if _, err := buf.Write(p); err != nil {
			return err
		}
	}
	return buf.Flush()
}

// BlockVolumeReader implements core.BlockVolumeReader over a fully
// decrypted, decompressed, in-memory copy of a Blocks volume — per
// core.BlockVolumeReader's contract, the reader never touches the
// network itself.
type BlockVolumeReader struct {
	entries []core.BlockManifestEntry
	byHash  map[string]core.BlockManifestEntry
	payload []byte
}

var _ core.BlockVolumeReader = (*BlockVolumeReader)(nil)

// ParseBlockVolume reads the manifest and retains the payload slice for
// on-demand block lookups.
func ParseBlockVolume(data []byte) (*BlockVolumeReader, error) {
	if len(data) < 8 || [4]byte(data[:4]) != blockVolumeMagic {
		return nil, fmt.Errorf("volume: not a block volume (bad magic)")
	}
	manifestLen := binary.BigEndian.Uint32(data[4:8])
	if int(8+manifestLen) > len(data) {
		return nil, fmt.Errorf("volume: truncated manifest")
	}
	var m blockManifest
	if err := json.Unmarshal(data[8:8+manifestLen], &m); err != nil {
		return nil, fmt.Errorf("volume: decoding manifest: %w", err)
	}
	r := &BlockVolumeReader{
		entries: m.Entries,
		byHash:  make(map[string]core.BlockManifestEntry, len(m.Entries)),
		payload: data[8+manifestLen:],
	}
	for _, e := range m.Entries {
		r.byHash[e.Hash] = e
	}
	return r, nil
}

func (r *BlockVolumeReader) Blocks() iter.Seq[core.BlockManifestEntry] {
	return func(yield func(core.BlockManifestEntry) bool) {
		for _, e := range r.entries {
			if !yield(e) {
				return
			}
		}
	}
}

func (r *BlockVolumeReader) ReadBlock(hash string) ([]byte, error) {
	e, ok := r.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("volume: block %s not present", hash)
	}
	if e.Offset < 0 || e.Offset+e.Size > int64(len(r.payload)) {
		return nil, fmt.Errorf("volume: block %s manifest entry out of range", hash)
	}
	return r.payload[e.Offset : e.Offset+e.Size], nil
}

// ReadBlocklist reads the block stored under hash and splits its raw
// bytes into hashSize-byte chunks, hex-encoding each as one blocklist
// hash — a blocklist is stored as an ordinary block whose payload is the
// concatenation of the raw block hashes it lists, per spec §4.9 P3.
func (r *BlockVolumeReader) ReadBlocklist(hash string, hashSize int64) iter.Seq[string] {
	return func(yield func(string) bool) {
		data, err := r.ReadBlock(hash)
		if err != nil || hashSize <= 0 {
			return
		}
		for off := int64(0); off+hashSize <= int64(len(data)); off += hashSize {
			if !yield(hex.EncodeToString(data[off : off+hashSize])) {
				return
			}
		}
	}
}
