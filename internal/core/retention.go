package core

import (
	"sort"
	"time"

	"coldvault/internal/model"
)

// TimeframeInterval is one (timeframe, interval) pair of a
// RetentionPolicyRemover, spec §4.8 rule 4. Timeframe bounds how far back
// this bucket reaches from now; Interval is the minimum spacing between
// kept backups within it. A zero Timeframe means "unbounded", used for
// the final catch-all bucket.
type TimeframeInterval struct {
	Timeframe time.Duration
	Interval  time.Duration
}

// deletableSet is a set of fileset ids, the common currency the four
// removers below produce before Union combines them.
type deletableSet map[int64]bool

func newDeletableSet(filesets []model.FilesetSummary, keep func(model.FilesetSummary) bool) deletableSet {
	out := make(deletableSet)
	for _, fs := range filesets {
		if !keep(fs) {
			out[fs.ID] = true
		}
	}
	return out
}

// ExplicitVersionsRemover marks deletable every fileset whose zero-based
// version index appears in versions, spec §4.8 rule 1.
func ExplicitVersionsRemover(filesets []model.FilesetSummary, versions map[int]bool) []int64 {
	set := newDeletableSet(filesets, func(fs model.FilesetSummary) bool {
		return !versions[fs.Version]
	})
	return set.slice()
}

// KeepTimeRemover implements spec §4.8 rule 2: sorted newest-first, skip
// while the fileset is at or after cutoff or no full backup has been seen
// yet, everything after that point is deletable. Property P4: a full
// backup already seen guarantees at least one survivor even once the
// cutoff has been passed, because the loop only stops skipping after
// seeing one.
func KeepTimeRemover(filesets []model.FilesetSummary, cutoff time.Time) []int64 {
	sorted := sortedByTimeDesc(filesets)
	sawFull := false
	set := make(deletableSet)
	for _, fs := range sorted {
		if fs.Timestamp.After(cutoff) || fs.Timestamp.Equal(cutoff) || !sawFull {
			if fs.IsFullBackup {
				sawFull = true
			}
			continue
		}
		set[fs.ID] = true
	}
	return set.slice()
}

// KeepVersionsRemover implements spec §4.8 rule 3: sorted newest-first,
// skip leading partials, then retain the next N full backups (and any
// partials interleaved between kept fulls); everything after the Nth
// full backup is deletable.
func KeepVersionsRemover(filesets []model.FilesetSummary, n int) []int64 {
	sorted := sortedByTimeDesc(filesets)
	set := make(deletableSet)
	fullsKept := 0
	pastNth := false

	for _, fs := range sorted {
		if pastNth {
			set[fs.ID] = true
			continue
		}
		if fs.IsFullBackup {
			fullsKept++
			if fullsKept > n {
				pastNth = true
				set[fs.ID] = true
			} else if fullsKept == n {
				pastNth = true
			}
		}
	}
	return set.slice()
}

// RetentionPolicyRemover implements spec §4.8 rule 4. Each fileset falls
// into exactly one timeframe bucket: the smallest configured timeframe
// whose age bound it satisfies (buckets are disjoint even though the
// configured timeframes are cumulative ages from now). A single walk from
// newest to oldest tracks the most recently kept full backup; a fileset is
// kept if none has been kept yet or the gap since the last keep exceeds
// its bucket's interval, so a stricter, earlier bucket's rejection is
// never overridden by a looser bucket further out. Only full backups
// update the last-kept marker; partials are always kept. The result does
// not depend on the caller's input order (property P6): the fileset list
// is sorted first and timeframes are evaluated smallest-to-largest.
func RetentionPolicyRemover(filesets []model.FilesetSummary, timeframes []TimeframeInterval, now time.Time, allowFullRemoval bool) []int64 {
	sorted := sortedByTimeDesc(filesets)
	if len(sorted) == 0 {
		return nil
	}

	ordered := make([]TimeframeInterval, len(timeframes))
	copy(ordered, timeframes)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Timeframe == 0 {
			return false
		}
		if ordered[j].Timeframe == 0 {
			return true
		}
		return ordered[i].Timeframe < ordered[j].Timeframe
	})

	kept := make(map[int64]bool)
	kept[sorted[0].ID] = true

	var lastKept *time.Time
	if sorted[0].IsFullBackup {
		t := sorted[0].Timestamp
		lastKept = &t
	}

	for _, fs := range sorted[1:] {
		if !fs.IsFullBackup {
			kept[fs.ID] = true
			continue
		}

		interval, ok := bucketInterval(now.Sub(fs.Timestamp), ordered)
		if !ok {
			// Older than every configured timeframe.
			continue
		}

		if lastKept == nil || lastKept.Sub(fs.Timestamp) > interval {
			kept[fs.ID] = true
			t := fs.Timestamp
			lastKept = &t
		}
	}

	if !allowFullRemoval {
		kept[sorted[0].ID] = true
	} else if !inAnyTimeframe(sorted[0], ordered, now) {
		delete(kept, sorted[0].ID)
	}

	set := make(deletableSet)
	for _, fs := range sorted {
		if !kept[fs.ID] {
			set[fs.ID] = true
		}
	}
	return set.slice()
}

// bucketInterval returns the interval of the smallest timeframe whose
// bound covers age, in ordered (ascending, infinite timeframe last).
func bucketInterval(age time.Duration, ordered []TimeframeInterval) (time.Duration, bool) {
	for _, tf := range ordered {
		if tf.Timeframe == 0 || age <= tf.Timeframe {
			return tf.Interval, true
		}
	}
	return 0, false
}

func inAnyTimeframe(fs model.FilesetSummary, timeframes []TimeframeInterval, now time.Time) bool {
	age := now.Sub(fs.Timestamp)
	for _, tf := range timeframes {
		if tf.Timeframe == 0 || age <= tf.Timeframe {
			return true
		}
	}
	return false
}

// UnionRemovers combines the deletable sets of any number of removers and
// applies the safety net of spec §4.8's closing paragraph: if the union
// would delete every fileset and allowFullRemoval is false, the oldest
// entry is spared.
func UnionRemovers(all []model.FilesetSummary, allowFullRemoval bool, sets ...[]int64) []int64 {
	union := make(map[int64]bool)
	for _, s := range sets {
		for _, id := range s {
			union[id] = true
		}
	}

	if len(union) == len(all) && !allowFullRemoval && len(all) > 0 {
		oldest := oldestFileset(all)
		delete(union, oldest.ID)
	}

	out := make([]int64, 0, len(union))
	for id := range union {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func oldestFileset(filesets []model.FilesetSummary) model.FilesetSummary {
	oldest := filesets[0]
	for _, fs := range filesets[1:] {
		if fs.Timestamp.Before(oldest.Timestamp) {
			oldest = fs
		}
	}
	return oldest
}

func sortedByTimeDesc(filesets []model.FilesetSummary) []model.FilesetSummary {
	sorted := make([]model.FilesetSummary, len(filesets))
	copy(sorted, filesets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	return sorted
}

func (s deletableSet) slice() []int64 {
	if len(s) == 0 {
		return nil
	}
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
