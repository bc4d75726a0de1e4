// Package model defines the entities of the local index database: the
// relational schema tying filesets to files, blocksets, blocks, and the
// remote volumes that hold their bytes.
package model

import "time"

// VolumeType identifies what a RemoteVolume holds.
type VolumeType string

const (
	VolumeFiles  VolumeType = "Files"
	VolumeBlocks VolumeType = "Blocks"
	VolumeIndex  VolumeType = "Index"
)

// VolumeState is a node in the RemoteVolume lifecycle DAG:
//
//	Temporary -> Uploading -> Uploaded -> Verified -> Deleting -> Deleted
type VolumeState string

const (
	StateTemporary VolumeState = "Temporary"
	StateUploading VolumeState = "Uploading"
	StateUploaded  VolumeState = "Uploaded"
	StateVerified  VolumeState = "Verified"
	StateDeleting  VolumeState = "Deleting"
	StateDeleted   VolumeState = "Deleted"
)

// Readable reports whether volumes in this state may serve reads.
func (s VolumeState) Readable() bool {
	return s == StateUploaded || s == StateVerified
}

// RemoteVolume is an addressable archive on the remote backend.
type RemoteVolume struct {
	ID                int64
	Name              string
	Type              VolumeType
	State             VolumeState
	Size              int64
	Hash              string
	DeleteGracePeriod time.Time
}

// Block is a unique (hash, size) pair stored exactly once in a remote
// Blocks volume.
type Block struct {
	ID       int64
	Hash     string
	Size     int64
	VolumeID int64
}

// DeletedBlock is the historical record of a block whose logical
// references disappeared. Used only for wasted-space accounting.
type DeletedBlock struct {
	Hash     string
	Size     int64
	VolumeID int64
}

// DuplicateBlock is an additional physical copy of a block produced
// during compaction. The primary copy stays in Block.VolumeID.
type DuplicateBlock struct {
	BlockID  int64
	VolumeID int64
}

// Blockset is an ordered sequence of blocks representing a file's or
// metadata record's contents.
type Blockset struct {
	ID       int64
	FullHash string
	Length   int64
}

// BlocksetEntry carries the order of blocks within a blockset.
type BlocksetEntry struct {
	BlocksetID int64
	Index      int64
	BlockID    int64
}

// BlocklistHash lists the hash-of-hashes chunks used when a blockset has
// more than one block.
type BlocklistHash struct {
	BlocksetID int64
	Index      int64
	Hash       string
}

// Metadataset is a blockset holding serialised POSIX/Windows metadata.
type Metadataset struct {
	ID         int64
	BlocksetID int64
}

// PathPrefix is an interned directory prefix, enabling compact storage
// and fast "children of" queries.
type PathPrefix struct {
	ID     int64
	Prefix string
}

// FileLookup is a deduped file identity. Folders and symlinks use a
// sentinel BlocksetID (FolderBlocksetID / SymlinkBlocksetID below).
type FileLookup struct {
	ID           int64
	PathPrefixID int64
	Name         string
	BlocksetID   int64
	MetadataID   int64
}

// Sentinel blockset IDs used by FileLookup entries that carry no file
// content of their own.
const (
	FolderBlocksetID  int64 = -100
	SymlinkBlocksetID int64 = -200
)

// Fileset is one backup snapshot.
type Fileset struct {
	ID           int64
	Timestamp    time.Time
	VolumeID     int64
	IsFullBackup bool
}

// FilesetEntry is the many-to-many bridge between filesets and files.
type FilesetEntry struct {
	FilesetID    int64
	FileID       int64
	LastModified time.Time
}

// IndexBlockLink pairs an index volume with the block volume(s) it
// describes.
type IndexBlockLink struct {
	IndexVolumeID int64
	BlockVolumeID int64
}

// ChangeJournalData records the add/change/delete detected for a path
// within a given fileset, forming an audit trail. Populated by the
// backup pipeline, consumed only by reporting; the fileset dropper
// cascades through it before touching FileLookup.
type ChangeJournalData struct {
	ID         int64
	FilesetID  int64
	Path       string
	ChangeType string // "Added", "Modified", "Deleted"
}

// FilesetSummary is the reduced view of a Fileset used by the retention
// policy evaluators: they never need anything but time, full-backup
// status, and the user-visible version index.
type FilesetSummary struct {
	Fileset
	Version int // zero-based index in timestamp-DESC order
}
