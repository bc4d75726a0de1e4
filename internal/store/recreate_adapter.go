package store

import (
	"context"
	"fmt"
	"time"

	"coldvault/internal/core"
	"coldvault/internal/model"
)

// RecreateStore adapts *Store to core.RecreateStore. It lazily opens a
// single RecreateSession on the first Begin call and hands out one *Tx
// per call on that session's pinned connection, so the TempBlockListHash
// scratch table RecreateSession creates survives across every phase's
// many small commits for the run's whole lifetime.
type RecreateStore struct {
	store   *Store
	session *RecreateSession
}

var _ core.RecreateStore = (*RecreateStore)(nil)

func NewRecreateStore(s *Store) *RecreateStore {
	return &RecreateStore{store: s}
}

func (rs *RecreateStore) Begin(ctx context.Context) (core.RecreateWriter, error) {
	if rs.session == nil {
		session, err := rs.store.NewRecreateSession(ctx)
		if err != nil {
			return nil, err
		}
		rs.session = session
	}
	tx, err := rs.session.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return RecreateWriter{session: rs.session, tx: tx}, nil
}

func (rs *RecreateStore) Close() error {
	if rs.session == nil {
		return nil
	}
	return rs.session.Close()
}

// RecreateWriter adapts a (RecreateSession, Tx) pair to core.RecreateWriter.
// Unlike DeletionWriter/CompactWriter, which only ever need a bare *Tx,
// recreate's blocklist buffering and reconciliation queries are pinned to
// the session's scratch table, so both are carried together.
type RecreateWriter struct {
	session *RecreateSession
	tx      *Tx
}

var _ core.RecreateWriter = RecreateWriter{}

func (w RecreateWriter) RegisterVolume(name string, volumeType model.VolumeType, state model.VolumeState) (int64, error) {
	return RegisterVolume(w.tx, name, volumeType, state)
}

func (w RecreateWriter) VolumeIDByName(name string) (int64, bool, error) {
	return VolumeIDByName(w.tx, name)
}

func (w RecreateWriter) GetOrCreatePathPrefix(prefix string) (int64, error) {
	return GetOrCreatePathPrefix(w.tx, prefix)
}

func (w RecreateWriter) CreateBlockset(fullHash string, length int64) (int64, error) {
	return CreateBlockset(w.tx, fullHash, length)
}

func (w RecreateWriter) CreateMetadataset(blocksetID int64) (int64, error) {
	return CreateMetadataset(w.tx, blocksetID)
}

func (w RecreateWriter) CreateFileLookup(pathPrefixID int64, name string, blocksetID, metadataID int64) (int64, error) {
	return CreateFileLookup(w.tx, pathPrefixID, name, blocksetID, metadataID)
}

func (w RecreateWriter) CreateFileset(timestamp time.Time, volumeID int64, isFullBackup bool) (int64, error) {
	return CreateFileset(w.tx, timestamp, volumeID, isFullBackup)
}

func (w RecreateWriter) AddFilesetEntry(filesetID, fileID int64, lastModified time.Time) error {
	return AddFilesetEntry(w.tx, filesetID, fileID, lastModified)
}

func (w RecreateWriter) SmallBlocksetLink(blocksetID int64, hash string, size int64) error {
	return SmallBlocksetLink(w.tx, blocksetID, hash, size)
}

func (w RecreateWriter) UpsertBlock(hash string, size int64, volumeID int64) (int64, bool, error) {
	return UpsertBlock(w.tx, hash, size, volumeID)
}

func (w RecreateWriter) RecordIndexBlockLink(indexVolumeID, blockVolumeID int64) error {
	return RecordIndexBlockLink(w.tx, indexVolumeID, blockVolumeID)
}

func (w RecreateWriter) BufferBlocklistHash(blocksetFullHash string, idx int64, hash string, blockSize int64) error {
	return w.session.BufferBlocklistHash(w.tx, blocksetFullHash, idx, hash, blockSize)
}

func (w RecreateWriter) AddBlockAndBlockSetEntryFromTemp() (int, error) {
	return w.session.AddBlockAndBlockSetEntryFromTemp(w.tx)
}

func (w RecreateWriter) FindMissingBlocklistHashes(blockSize int64) (int, error) {
	return w.session.FindMissingBlocklistHashes(w.tx, blockSize)
}

func (w RecreateWriter) GetMissingBlockListVolumes(pass core.MissingBlockListPass) ([]string, error) {
	return GetMissingBlockListVolumes(w.tx, w.session, MissingBlockListPass(pass))
}

func (w RecreateWriter) CleanupDeletedBlocks() error {
	return CleanupDeletedBlocks(w.tx)
}

func (w RecreateWriter) CleanupMissingVolumes() error {
	return CleanupMissingVolumes(w.tx)
}

func (w RecreateWriter) VerifyConsistency(blockSize int64, verifyFilelists bool) error {
	report, err := VerifyConsistency(w.tx, blockSize, verifyFilelists)
	if err != nil {
		return err
	}
	if len(report.Violations) > 0 {
		return fmt.Errorf("consistency check failed: %v", report.Violations)
	}
	return nil
}

func (w RecreateWriter) Commit() error {
	return w.tx.Commit("recreate")
}

func (w RecreateWriter) Rollback() error {
	return w.tx.Rollback()
}
