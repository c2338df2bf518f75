package retrohunt

import (
	"math"
	"slices"

	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
)

// Merge returns a copy of rec updated with the values snap carries. Only
// present, non-null values are copied; every other field keeps its local
// value. The fields considered are:
//
//   - Errors, Hits: replaced as a whole list.
//   - Finished: replaced. Callers only merge snapshots of unfinished jobs,
//     so in practice this never sets it to true.
//   - Phase, Progress, Truncated: replaced.
//
// Identity fields (code, classification, creator, description, signature,
// raw query, created, archive only) are never touched.
func Merge(rec *Record, snap hauntedhouse.Snapshot) *Record {
	out := rec.Clone()
	if snap.Errors != nil {
		out.Errors = slices.Clone(snap.Errors)
	}
	if snap.Finished != nil {
		out.Finished = *snap.Finished
	}
	if snap.Hits != nil {
		out.Hits = slices.Clone(snap.Hits)
	}
	if snap.Phase != nil {
		out.Phase = *snap.Phase
	}
	if snap.Progress != nil {
		p := *snap.Progress
		out.Progress = &p
	}
	if snap.Truncated != nil {
		out.Truncated = *snap.Truncated
	}
	return out
}

// Percentage derives the completion percentage of a running job.
//
// During filtering progress is (filtered, candidates); during yara it is
// (candidates, remaining). Any other phase counts as complete. A missing
// progress counts as (1, 1). The result is rounded half away from zero and
// clamped to [0, 100]; a non-positive denominator yields 0.
func Percentage(phase string, progress *[2]int) int {
	p := [2]int{1, 1}
	if progress != nil {
		p = *progress
	}

	pct := 100.0
	switch phase {
	case PhaseFiltering:
		if p[1] <= 0 {
			return 0
		}
		pct = 100 * float64(p[0]) / float64(p[1])
	case PhaseYara:
		if p[0] <= 0 {
			return 0
		}
		pct = 100 * float64(p[0]-p[1]) / float64(p[0])
	}
	return int(min(max(math.Round(pct), 0), 100))
}
