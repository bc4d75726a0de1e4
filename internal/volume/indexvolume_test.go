package volume

import (
	"bytes"
	"slices"
	"testing"

	"coldvault/internal/core"
)

func TestIndexVolumeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewIndexVolumeWriter(&buf)

	blocks := []core.IndexVolumeBlockEntry{{Hash: "aaa", Size: 5}, {Hash: "bbb", Size: 6}}
	set := core.IndexVolumeSet{
		Filename: "b-guid-time.zstd",
		Hash:     "volhash",
		Length:   1024,
		Blocks: func(yield func(core.IndexVolumeBlockEntry) bool) {
			for _, b := range blocks {
				if !yield(b) {
					return
				}
			}
		},
	}
	if err := w.AddVolume(set); err != nil {
		t.Fatalf("AddVolume() error = %v", err)
	}
	if err := w.AddBlockList("blhash", []string{"aaa", "bbb"}); err != nil {
		t.Fatalf("AddBlockList() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := ParseIndexVolume(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseIndexVolume() error = %v", err)
	}

	volumes := slices.Collect(r.Volumes())
	if len(volumes) != 1 {
		t.Fatalf("Volumes() = %d entries, want 1", len(volumes))
	}
	if volumes[0].Filename != "b-guid-time.zstd" || volumes[0].Hash != "volhash" || volumes[0].Length != 1024 {
		t.Errorf("Volumes()[0] = %+v", volumes[0])
	}
	gotBlocks := slices.Collect(volumes[0].Blocks)
	if !slices.Equal(gotBlocks, blocks) {
		t.Errorf("Volumes()[0].Blocks = %v, want %v", gotBlocks, blocks)
	}

	blockLists := slices.Collect(r.BlockLists())
	if len(blockLists) != 1 || blockLists[0].Hash != "blhash" {
		t.Fatalf("BlockLists() = %+v", blockLists)
	}
	gotHashes := slices.Collect(blockLists[0].Blocklist)
	if !slices.Equal(gotHashes, []string{"aaa", "bbb"}) {
		t.Errorf("BlockLists()[0].Blocklist = %v", gotHashes)
	}
}

func TestIndexVolumeWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewIndexVolumeWriter(&buf)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.AddBlockList("x", nil); err == nil {
		t.Error("AddBlockList() after Close(), want error")
	}
}
