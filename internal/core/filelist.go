package core

import "time"

// FileListEntry is one row of a Files volume's file-list payload: a full
// path plus the (blockset hash, size) and (metadata hash, size) pairs
// spec §4.9 P2 reads while ingesting a Fileset during recreate.
type FileListEntry struct {
	Path             string
	BlocksetHash     string
	BlocksetSize     int64
	MetadataHash     string
	MetadataSize     int64
	LastModified     time.Time
	BlockReferences  []FileListBlockRef
}

// FileListBlockRef is one (hash, size, volume_id) triple a file-list
// entry declares for its blockset, per spec §4.9 P3's opening bullet.
type FileListBlockRef struct {
	Hash     string
	Size     int64
	VolumeID int64
}

// FileListReader exposes a decoded Files volume: whether the backup it
// records was a full backup, and every file entry it declares.
type FileListReader interface {
	IsFullBackup() bool
	Timestamp() time.Time
	Entries() []FileListEntry
}

// FileListWriter accumulates file entries for a single Files volume.
type FileListWriter interface {
	SetFullBackup(isFull bool)
	AddEntry(entry FileListEntry) error
	Close() error
}
