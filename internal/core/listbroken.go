package core

import (
	"fmt"
	"time"

	"coldvault/internal/model"
)

// BrokenFilesetFinder is the narrow read the broken-file scan needs:
// which filesets reference a block volume that is gone or going.
type BrokenFilesetFinder interface {
	BrokenFilesetIDs() ([]int64, error)
	ListFilesetSummaries() ([]model.FilesetSummary, error)
}

// BrokenFilesetsReport names the filesets a recovery run found broken,
// alongside the timestamps DropFilesets needs to remove them.
type BrokenFilesetsReport struct {
	FilesetIDs []int64
	Timestamps []time.Time
}

// ListBrokenFiles implements spec §4.9's related recovery step: it finds
// every fileset with a BlocksetEntry pointing at a block whose
// RemoteVolume no longer exists or is Deleting/Deleted.
func ListBrokenFiles(finder BrokenFilesetFinder) (BrokenFilesetsReport, error) {
	ids, err := finder.BrokenFilesetIDs()
	if err != nil {
		return BrokenFilesetsReport{}, fmt.Errorf("core.ListBrokenFiles: %w", err)
	}
	if len(ids) == 0 {
		return BrokenFilesetsReport{}, nil
	}

	summaries, err := finder.ListFilesetSummaries()
	if err != nil {
		return BrokenFilesetsReport{}, fmt.Errorf("core.ListBrokenFiles: %w", err)
	}
	byID := make(map[int64]time.Time, len(summaries))
	for _, s := range summaries {
		byID[s.ID] = s.Timestamp
	}

	timestamps := make([]time.Time, 0, len(ids))
	for _, id := range ids {
		if ts, ok := byID[id]; ok {
			timestamps = append(timestamps, ts)
		}
	}

	return BrokenFilesetsReport{FilesetIDs: ids, Timestamps: timestamps}, nil
}

// MarkBrokenVolumesForDeletion feeds a broken-files report into spec
// §4.3's dropper, cascading the same fileset removal a retention decision
// would trigger.
func MarkBrokenVolumesForDeletion(writer DeletionWriter, report BrokenFilesetsReport) ([]DeletableVolume, error) {
	if len(report.Timestamps) == 0 {
		return nil, nil
	}
	deletable, err := writer.DropFilesets(report.Timestamps)
	if err != nil {
		return nil, fmt.Errorf("core.MarkBrokenVolumesForDeletion: %w", err)
	}
	return deletable, nil
}
