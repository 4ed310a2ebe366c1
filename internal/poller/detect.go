package poller

import (
	"sort"

	"issuewatch/internal/state"
	"issuewatch/internal/tracker"
)

// Outcome is the result of one change-detection pass.
type Outcome struct {
	Notify  []tracker.Issue
	Next    state.PollState
	Merged  int
	Changed bool
}

// Detect merges the batches of one cycle and decides which issues are new
// relative to prev.
//
// An issue is reported when its id is not on the previous boundary or it was
// updated after the previous watermark. The next watermark is the maximum
// updated timestamp seen, and the boundary is rebuilt from the merged ids
// sitting exactly on it. The previous boundary never carries over. With
// nothing fetched the state is left untouched.
//
// Detect is pure: prev is never modified.
func Detect(prev state.PollState, batches [][]tracker.Issue) Outcome {
	merged := merge(batches)
	if len(merged) == 0 {
		return Outcome{Next: prev.Clone()}
	}

	notify := make([]tracker.Issue, 0, len(merged))
	wm := prev.Watermark
	for _, is := range merged {
		if !prev.Boundary.Has(is.ID) || is.UpdatedAt.After(prev.Watermark) {
			notify = append(notify, is)
		}
		if is.UpdatedAt.After(wm) {
			wm = is.UpdatedAt
		}
	}

	boundary := state.NewIDSet()
	for _, is := range merged {
		if is.UpdatedAt.Equal(wm) {
			boundary.Add(is.ID)
		}
	}

	sort.Slice(notify, func(i, j int) bool {
		a, b := notify[i], notify[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})

	next := state.PollState{Watermark: wm, Boundary: boundary}
	return Outcome{
		Notify:  notify,
		Next:    next,
		Merged:  len(merged),
		Changed: !next.Equal(prev),
	}
}

// merge deduplicates by id; the copy observed last wins.
func merge(batches [][]tracker.Issue) map[int]tracker.Issue {
	out := make(map[int]tracker.Issue)
	for _, b := range batches {
		for _, is := range b {
			out[is.ID] = is
		}
	}
	return out
}
