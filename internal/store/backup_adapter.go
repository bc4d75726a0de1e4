package store

import (
	"time"

	"coldvault/internal/core"
	"coldvault/internal/model"
)

// BackupWriter adapts *Tx to core.BackupWriter, embedding IndexWriter for
// the metadata pre-processor's needs and adding the block/volume/fileset
// operations BackupSession drives once blocks start flowing.
type BackupWriter struct {
	IndexWriter
}

var _ core.BackupWriter = BackupWriter{}

func NewBackupWriter(tx *Tx) BackupWriter {
	return BackupWriter{IndexWriter: IndexWriter{Tx: tx}}
}

func (w BackupWriter) RegisterVolume(name string, volumeType model.VolumeType) (int64, error) {
	return RegisterVolume(w.Tx, name, volumeType, model.StateTemporary)
}

func (w BackupWriter) FinalizeVolume(volumeID int64, size int64, hash string, state model.VolumeState) error {
	return FinalizeVolume(w.Tx, volumeID, size, hash, state)
}

func (w BackupWriter) UpsertBlock(hash string, size int64, volumeID int64) (int64, bool, error) {
	return UpsertBlock(w.Tx, hash, size, volumeID)
}

func (w BackupWriter) CreateFileset(timestamp time.Time, volumeID int64, isFullBackup bool) (int64, error) {
	return CreateFileset(w.Tx, timestamp, volumeID, isFullBackup)
}

func (w BackupWriter) AddFilesetEntry(filesetID, fileID int64, lastModified time.Time) error {
	return AddFilesetEntry(w.Tx, filesetID, fileID, lastModified)
}

func (w BackupWriter) RecordIndexBlockLink(indexVolumeID, blockVolumeID int64) error {
	return RecordIndexBlockLink(w.Tx, indexVolumeID, blockVolumeID)
}
