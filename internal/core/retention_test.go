package core

import (
	"slices"
	"testing"
	"time"

	"coldvault/internal/model"
)

func mkFileset(id int64, day int, full bool) model.FilesetSummary {
	return model.FilesetSummary{
		Fileset: model.Fileset{
			ID:           id,
			Timestamp:    time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC),
			IsFullBackup: full,
		},
	}
}

func TestExplicitVersionsRemover(t *testing.T) {
	// Newest first: id=3 is version 0, id=2 version 1, id=1 version 2.
	filesets := []model.FilesetSummary{
		{Fileset: model.Fileset{ID: 1}, Version: 2},
		{Fileset: model.Fileset{ID: 2}, Version: 1},
		{Fileset: model.Fileset{ID: 3}, Version: 0},
	}
	got := ExplicitVersionsRemover(filesets, map[int]bool{1: true})
	if !slices.Equal(got, []int64{2}) {
		t.Errorf("ExplicitVersionsRemover() = %v, want [2]", got)
	}
}

func TestKeepTimeRemover(t *testing.T) {
	filesets := []model.FilesetSummary{
		mkFileset(1, 1, true),
		mkFileset(2, 5, false),
		mkFileset(3, 10, false),
		mkFileset(4, 15, true),
	}
	cutoff := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	got := KeepTimeRemover(filesets, cutoff)
	// Sorted desc is [4,3,2,1]. 4 (day 15) is after cutoff -> kept, and it
	// is full, so sawFull=true. 3 (day 10) before cutoff, sawFull true ->
	// deletable. 2 before cutoff, sawFull true -> deletable. 1 before
	// cutoff, sawFull true -> deletable.
	want := []int64{1, 2, 3}
	if !slices.Equal(got, want) {
		t.Errorf("KeepTimeRemover() = %v, want %v", got, want)
	}
}

func TestKeepTimeRemoverNoFullSeenKeepsEverythingUntilOne(t *testing.T) {
	filesets := []model.FilesetSummary{
		mkFileset(1, 1, false),
		mkFileset(2, 5, false),
	}
	cutoff := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	got := KeepTimeRemover(filesets, cutoff)
	if got != nil {
		t.Errorf("KeepTimeRemover() = %v, want nil (no full backup ever seen)", got)
	}
}

func TestKeepVersionsRemover(t *testing.T) {
	filesets := []model.FilesetSummary{
		mkFileset(1, 1, true),
		mkFileset(2, 5, false),
		mkFileset(3, 10, true),
		mkFileset(4, 15, true),
	}
	got := KeepVersionsRemover(filesets, 1)
	// desc order: 4(full),3(full),2(partial),1(full)
	// fullsKept after 4: 1 == N, keep 4 -> pastNth. 3, 2 and 1 come after
	// the Nth full, so all three are deletable.
	want := []int64{1, 2, 3}
	if !slices.Equal(got, want) {
		t.Errorf("KeepVersionsRemover() = %v, want %v", got, want)
	}
}

func TestUnionRemoversSparesOldestWhenFullRemovalWouldOccur(t *testing.T) {
	filesets := []model.FilesetSummary{
		mkFileset(1, 1, true),
		mkFileset(2, 5, true),
	}
	got := UnionRemovers(filesets, false, []int64{1, 2})
	if !slices.Equal(got, []int64{2}) {
		t.Errorf("UnionRemovers() = %v, want [2] (oldest spared)", got)
	}
}

func TestUnionRemoversAllowsFullRemoval(t *testing.T) {
	filesets := []model.FilesetSummary{
		mkFileset(1, 1, true),
		mkFileset(2, 5, true),
	}
	got := UnionRemovers(filesets, true, []int64{1, 2})
	if !slices.Equal(got, []int64{1, 2}) {
		t.Errorf("UnionRemovers() = %v, want [1 2]", got)
	}
}

func TestRetentionPolicyRemoverKeepsNewest(t *testing.T) {
	filesets := []model.FilesetSummary{
		mkFileset(1, 1, true),
		mkFileset(2, 20, true),
	}
	now := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	got := RetentionPolicyRemover(filesets, nil, now, false)
	if slices.Contains(got, int64(2)) {
		t.Errorf("RetentionPolicyRemover() deleted the newest fileset: %v", got)
	}
}

// TestRetentionPolicyRemoverBucketing reproduces the worked example: eight
// full backups at now-{0h,1h,2h,1d,2d,7d,30d,60d} against policy
// [(1d,0),(7d,1d),(30d,7d),(inf,30d)]. Survivors are {0h,1h,2h,1d,7d,30d};
// {2d,60d} are deletable because a looser, farther-out bucket never
// re-admits an age a stricter bucket already rejected, and each bucket's
// own interval governs only the fileset ages between the previous and
// current boundary.
func TestRetentionPolicyRemoverBucketing(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ages := map[int64]time.Duration{
		1: 0,
		2: time.Hour,
		3: 2 * time.Hour,
		4: 24 * time.Hour,
		5: 2 * 24 * time.Hour,
		6: 7 * 24 * time.Hour,
		7: 30 * 24 * time.Hour,
		8: 60 * 24 * time.Hour,
	}
	var filesets []model.FilesetSummary
	for id, age := range ages {
		filesets = append(filesets, model.FilesetSummary{
			Fileset: model.Fileset{
				ID:           id,
				Timestamp:    now.Add(-age),
				IsFullBackup: true,
			},
		})
	}

	policy := []TimeframeInterval{
		{Timeframe: 24 * time.Hour, Interval: 0},
		{Timeframe: 7 * 24 * time.Hour, Interval: 24 * time.Hour},
		{Timeframe: 30 * 24 * time.Hour, Interval: 7 * 24 * time.Hour},
		{Timeframe: 0, Interval: 30 * 24 * time.Hour},
	}

	got := RetentionPolicyRemover(filesets, policy, now, false)
	want := []int64{5, 8}
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Errorf("RetentionPolicyRemover() = %v, want %v (deletable {2d,60d})", got, want)
	}
}
