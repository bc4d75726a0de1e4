package store

import (
	"time"

	"coldvault/internal/core"
)

// IndexWriter adapts a *Tx to core.IndexWriter, the narrow view of the
// index database the metadata pre-processor pipeline needs. Kept in the
// store package (rather than core) so core never imports database/sql.
type IndexWriter struct {
	Tx *Tx
}

var _ core.IndexWriter = IndexWriter{}

func (w IndexWriter) GetOrCreatePathPrefix(prefix string) (int64, error) {
	return GetOrCreatePathPrefix(w.Tx, prefix)
}

func (w IndexWriter) PriorFileState(pathPrefixID int64, name string) (core.PriorFileState, error) {
	s, err := FindPriorFileState(w.Tx, pathPrefixID, name)
	if err != nil {
		return core.PriorFileState{}, err
	}
	return core.PriorFileState{
		Found:        s.Found,
		FileLookupID: s.FileLookupID,
		LastModified: s.LastModified,
		LastFileSize: s.LastFileSize,
		MetadataHash: s.MetadataHash,
		MetadataSize: s.MetadataSize,
	}, nil
}

func (w IndexWriter) PriorFileLastModified(pathPrefixID int64, name string) (time.Time, bool, error) {
	return FindPriorFileLastModified(w.Tx, pathPrefixID, name)
}

func (w IndexWriter) CreateBlockset(fullHash string, length int64) (int64, error) {
	return CreateBlockset(w.Tx, fullHash, length)
}

func (w IndexWriter) AddBlocksetEntry(blocksetID, idx, blockID int64) error {
	return AddBlocksetEntry(w.Tx, blocksetID, idx, blockID)
}

func (w IndexWriter) CreateMetadataset(blocksetID int64) (int64, error) {
	return CreateMetadataset(w.Tx, blocksetID)
}

func (w IndexWriter) CreateFileLookup(pathPrefixID int64, name string, blocksetID, metadataID int64) (int64, error) {
	return CreateFileLookup(w.Tx, pathPrefixID, name, blocksetID, metadataID)
}
