package core

import (
	"database/sql"
	"encoding/json"
	"time"
)

// StatData is the platform stat fields captured for every regular file
// and directory, serialised into a Metadataset's blockset content.
type StatData struct {
	UID       int64
	GID       int64
	Mode      uint32
	Atime     time.Time
	Ctime     time.Time
	Mtime     time.Time
	BirthTime sql.NullTime

	// CoreSymlinkTarget holds the link target for symlink entries stored
	// under the Store symlink policy (spec §4.11); empty otherwise.
	CoreSymlinkTarget string `json:",omitempty"`
}

// EncodeMetadata serialises StatData the way it is written into a
// Metadataset's backing blockset content — plain JSON, matching the
// teacher's preference for straightforward encodings over a bespoke
// binary format anywhere performance doesn't demand one.
func EncodeMetadata(d StatData) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeMetadata is EncodeMetadata's inverse.
func DecodeMetadata(b []byte) (StatData, error) {
	var d StatData
	if err := json.Unmarshal(b, &d); err != nil {
		return StatData{}, err
	}
	return d, nil
}
