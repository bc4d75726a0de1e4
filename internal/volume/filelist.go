package volume

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"coldvault/internal/core"
)

type fileListDoc struct {
	IsFullBackup bool
	Timestamp    time.Time
	Entries      []core.FileListEntry
}

// FileListWriter implements core.FileListWriter, serialized as one JSON
// document per Files volume.
type FileListWriter struct {
	w      io.Writer
	doc    fileListDoc
	closed bool
}

var _ core.FileListWriter = (*FileListWriter)(nil)

func NewFileListWriter(w io.Writer, timestamp time.Time) *FileListWriter {
	return &FileListWriter{w: w, doc: fileListDoc{Timestamp: timestamp}}
}

func (fw *FileListWriter) SetFullBackup(isFull bool) {
	fw.doc.IsFullBackup = isFull
}

func (fw *FileListWriter) AddEntry(entry core.FileListEntry) error {
	if fw.closed {
		return fmt.Errorf("volume.FileListWriter: write after close")
	}
	fw.doc.Entries = append(fw.doc.Entries, entry)
	return nil
}

func (fw *FileListWriter) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true
	return json.NewEncoder(fw.w).Encode(fw.doc)
}

// FileListReader implements core.FileListReader over a decoded Files
// volume document.
type FileListReader struct {
	doc fileListDoc
}

var _ core.FileListReader = (*FileListReader)(nil)

func ParseFileList(data []byte) (*FileListReader, error) {
	var doc fileListDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("volume: decoding file list: %w", err)
	}
	return &FileListReader{doc: doc}, nil
}

func (r *FileListReader) IsFullBackup() bool     { return r.doc.IsFullBackup }
func (r *FileListReader) Timestamp() time.Time   { return r.doc.Timestamp }
func (r *FileListReader) Entries() []core.FileListEntry { return r.doc.Entries }
