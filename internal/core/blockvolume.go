package core

import "iter"

// BlockManifestEntry is one directory entry inside a Blocks volume:
// the block's hash, its size, and its byte offset into the concatenated
// compressed payload section, spec §6.
type BlockManifestEntry struct {
	Hash   string
	Size   int64
	Offset int64
}

// BlockVolumeReader exposes a Blocks volume's manifest and lets callers
// pull individual block payloads or blocklist expansions on demand,
// spec §6. Implementations wrap a downloaded, decrypted, decompressed
// volume in memory — the reader itself never touches the network.
type BlockVolumeReader interface {
	Blocks() iter.Seq[BlockManifestEntry]
	ReadBlock(hash string) ([]byte, error)
	ReadBlocklist(hash string, hashSize int64) iter.Seq[string]
}

// BlockVolumeWriter accumulates blocks for a single Blocks volume until
// Close flushes the manifest and payload to the underlying stream.
type BlockVolumeWriter interface {
	WriteBlock(hash string, data []byte) error
	Close() error
}
