package volume

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"coldvault/internal/core"
)

type indexVolumeSetDoc struct {
	Filename string
	Hash     string
	Length   int64
	Blocks   []core.IndexVolumeBlockEntry
}

type indexBlockListDoc struct {
	Hash      string
	Blocklist []string
}

type indexManifest struct {
	Volumes    []indexVolumeSetDoc
	BlockLists []indexBlockListDoc
}

// IndexVolumeWriter implements core.IndexVolumeWriter by accumulating
// volume descriptions and blocklists as plain slices, serialized as one
// JSON document on Close — Index volumes carry no payload section of
// their own, unlike Blocks volumes.
type IndexVolumeWriter struct {
	w      io.Writer
	m      indexManifest
	closed bool
}

var _ core.IndexVolumeWriter = (*IndexVolumeWriter)(nil)

func NewIndexVolumeWriter(w io.Writer) *IndexVolumeWriter {
	return &IndexVolumeWriter{w: w}
}

func (iw *IndexVolumeWriter) AddVolume(set core.IndexVolumeSet) error {
	if iw.closed {
		return fmt.Errorf("volume.IndexVolumeWriter: write after close")
	}
	doc := indexVolumeSetDoc{Filename: set.Filename, Hash: set.Hash, Length: set.Length}
	for e := range set.Blocks {
		doc.Blocks = append(doc.Blocks, e)
	}
	iw.m.Volumes = append(iw.m.Volumes, doc)
	return nil
}

func (iw *IndexVolumeWriter) AddBlockList(hash string, blocklist []string) error {
	if iw.closed {
		return fmt.Errorf("volume.IndexVolumeWriter: write after close")
	}
	iw.m.BlockLists = append(iw.m.BlockLists, indexBlockListDoc{Hash: hash, Blocklist: blocklist})
	return nil
}

func (iw *IndexVolumeWriter) Close() error {
	if iw.closed {
		return nil
	}
	iw.closed = true
	return json.NewEncoder(iw.w).Encode(iw.m)
}

// IndexVolumeReader implements core.IndexVolumeReader over a decoded
// Index volume document.
type IndexVolumeReader struct {
	m indexManifest
}

var _ core.IndexVolumeReader = (*IndexVolumeReader)(nil)

func ParseIndexVolume(data []byte) (*IndexVolumeReader, error) {
	var m indexManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("volume: decoding index volume: %w", err)
	}
	return &IndexVolumeReader{m: m}, nil
}

func (r *IndexVolumeReader) Volumes() iter.Seq[core.IndexVolumeSet] {
	return func(yield func(core.IndexVolumeSet) bool) {
		for _, v := range r.m.Volumes {
			blocks := v.Blocks
			set := core.IndexVolumeSet{
				Filename: v.Filename,
				Hash:     v.Hash,
				Length:   v.Length,
				Blocks: func(yield func(core.IndexVolumeBlockEntry) bool) {
					for _, b := range blocks {
						if !yield(b) {
							return
						}
					}
				},
			}
			if !yield(set) {
				return
			}
		}
	}
}

func (r *IndexVolumeReader) BlockLists() iter.Seq[core.IndexVolumeBlockList] {
	return func(yield func(core.IndexVolumeBlockList) bool) {
		for _, bl := range r.m.BlockLists {
			hashes := bl.Blocklist
			list := core.IndexVolumeBlockList{
				Hash: bl.Hash,
				Blocklist: func(yield func(string) bool) {
					for _, h := range hashes {
						if !yield(h) {
							return
						}
					}
				},
			}
			if !yield(list) {
				return
			}
		}
	}
}
