package volume

import (
	"bytes"
	"testing"
	"time"

	"coldvault/internal/core"
)

func TestFileListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := NewFileListWriter(&buf, ts)
	w.SetFullBackup(true)

	entry := core.FileListEntry{
		Path:         "docs/readme.md",
		BlocksetHash: "hash1",
		BlocksetSize: 42,
		LastModified: ts,
	}
	if err := w.AddEntry(entry); err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := ParseFileList(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseFileList() error = %v", err)
	}
	if !r.IsFullBackup() {
		t.Error("IsFullBackup() = false, want true")
	}
	if !r.Timestamp().Equal(ts) {
		t.Errorf("Timestamp() = %v, want %v", r.Timestamp(), ts)
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].Path != "docs/readme.md" || entries[0].BlocksetSize != 42 {
		t.Fatalf("Entries() = %+v", entries)
	}
}

func TestFileListWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewFileListWriter(&buf, time.Now())
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.AddEntry(core.FileListEntry{Path: "x"}); err == nil {
		t.Error("AddEntry() after Close(), want error")
	}
}
