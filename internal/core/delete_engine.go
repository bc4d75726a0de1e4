package core

import (
	"context"
	"fmt"
	"time"

	"coldvault/internal/model"
)

// DeletableVolume mirrors store.DeletableVolume without importing
// internal/store, the same small-duplication pattern PriorFileState uses.
type DeletableVolume struct {
	Name string
	Size int64
}

// DeletionWriter is the index-database surface DeleteEngine needs: list
// every fileset, then drop the ones retention decided to remove.
type DeletionWriter interface {
	ListFilesetSummaries() ([]model.FilesetSummary, error)
	DropFilesets(timestamps []time.Time) ([]DeletableVolume, error)
}

// DeleteEngine applies a configured retention policy to a database and
// removes every fileset that at least one configured remover marks
// deletable, along with the remote volumes that fall out of it.
type DeleteEngine struct {
	writer  DeletionWriter
	backend Backend
}

func NewDeleteEngine(writer DeletionWriter, backend Backend) *DeleteEngine {
	return &DeleteEngine{writer: writer, backend: backend}
}

// RetentionPolicy names which removers to union and their parameters —
// spec §4.8 runs all configured removers and deletes every fileset that
// any one of them marks deletable.
type RetentionPolicy struct {
	ExplicitVersions map[int]bool
	KeepTimeCutoff   *time.Time
	KeepVersionsN    *int
	Timeframes       []TimeframeInterval
	Now              time.Time
	AllowFullRemoval bool
}

// DeleteResult reports what a Run call actually removed.
type DeleteResult struct {
	DeletedFilesets int
	DeletedVolumes  []DeletableVolume
}

// Run lists every fileset, evaluates policy against it, drops the
// filesets any configured remover marks removable, and deletes
// the remote volumes that fall out of DropFilesets's cascade.
func (e *DeleteEngine) Run(ctx context.Context, policy RetentionPolicy) (DeleteResult, error) {
	summaries, err := e.writer.ListFilesetSummaries()
	if err != nil {
		return DeleteResult{}, fmt.Errorf("core.DeleteEngine.Run: %w", err)
	}
	if len(summaries) == 0 {
		return DeleteResult{}, nil
	}

	var sets [][]int64
	if len(policy.ExplicitVersions) > 0 {
		sets = append(sets, ExplicitVersionsRemover(summaries, policy.ExplicitVersions))
	}
	if policy.KeepTimeCutoff != nil {
		sets = append(sets, KeepTimeRemover(summaries, *policy.KeepTimeCutoff))
	}
	if policy.KeepVersionsN != nil {
		sets = append(sets, KeepVersionsRemover(summaries, *policy.KeepVersionsN))
	}
	if len(policy.Timeframes) > 0 {
		sets = append(sets, RetentionPolicyRemover(summaries, policy.Timeframes, policy.Now, policy.AllowFullRemoval))
	}
	if len(sets) == 0 {
		return DeleteResult{}, nil
	}

	victims := UnionRemovers(summaries, policy.AllowFullRemoval, sets...)
	if len(victims) == 0 {
		return DeleteResult{}, nil
	}

	byID := make(map[int64]time.Time, len(summaries))
	for _, s := range summaries {
		byID[s.ID] = s.Timestamp
	}
	timestamps := make([]time.Time, 0, len(victims))
	for _, id := range victims {
		if ts, ok := byID[id]; ok {
			timestamps = append(timestamps, ts)
		}
	}

	deletable, err := e.writer.DropFilesets(timestamps)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("core.DeleteEngine.Run: %w", err)
	}

	for _, v := range deletable {
		if err := e.backend.Delete(ctx, v.Name, v.Size, false); err != nil {
			return DeleteResult{DeletedFilesets: len(timestamps), DeletedVolumes: deletable},
				fmt.Errorf("core.DeleteEngine.Run: deleting %s: %w", v.Name, err)
		}
	}

	return DeleteResult{DeletedFilesets: len(timestamps), DeletedVolumes: deletable}, nil
}
