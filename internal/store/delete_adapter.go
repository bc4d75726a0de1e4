package store

import (
	"fmt"
	"time"

	"coldvault/internal/core"
	"coldvault/internal/model"
)

// DeletionWriter adapts *Tx to core.DeletionWriter for DeleteEngine.
type DeletionWriter struct {
	Tx *Tx
}

var _ core.DeletionWriter = DeletionWriter{}
var _ core.BrokenFilesetFinder = DeletionWriter{}

func NewDeletionWriter(tx *Tx) DeletionWriter {
	return DeletionWriter{Tx: tx}
}

func (w DeletionWriter) ListFilesetSummaries() ([]model.FilesetSummary, error) {
	return ListFilesetSummaries(w.Tx)
}

func (w DeletionWriter) BrokenFilesetIDs() ([]int64, error) {
	return BrokenFilesets(w.Tx)
}

func (w DeletionWriter) DropFilesets(timestamps []time.Time) ([]core.DeletableVolume, error) {
	var out []core.DeletableVolume
	for v, err := range DropFilesets(w.Tx, timestamps) {
		if err != nil {
			return nil, fmt.Errorf("store.DeletionWriter.DropFilesets: %w", err)
		}
		out = append(out, core.DeletableVolume{Name: v.Name, Size: v.Size})
	}
	return out, nil
}
