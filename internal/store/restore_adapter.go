package store

import (
	"coldvault/internal/core"
)

// BlockLocator adapts a *Tx to core.BlockLocator: it is handed to
// core.RestoreSession so a stale FileListBlockRef (the block moved to a
// different volume during a compact run since the file list was written)
// can still be resolved.
type BlockLocator struct {
	Tx *Tx
}

var _ core.BlockLocator = BlockLocator{}

func (l BlockLocator) LocateBlock(hash string, size int64) (string, error) {
	return LocateBlockVolume(l.Tx, hash, size)
}

// VolumeNamer adapts a *Tx to the volumeID->name lookup core.RestoreSession
// needs to turn a FileListBlockRef's recorded volume id into a name it can
// pass to Backend.Get.
type VolumeNamer struct {
	Tx *Tx
}

func (n VolumeNamer) Name(volumeID int64) (string, error) {
	return VolumeNameByID(n.Tx, volumeID)
}
