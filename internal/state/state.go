// Package state defines the poll state that survives between cycles.
//
// PollState is owned by the poller. Stores only ever receive clones, so a
// store can never hold a live reference across cycles.
package state

import (
	"errors"
	"sort"
	"time"
)

// IDSet is a set of tracker issue ids.
type IDSet map[int]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...int) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id int) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id int) { s[id] = struct{}{} }

func (s IDSet) Len() int { return len(s) }

// Equal treats nil and empty sets as equal.
func (s IDSet) Equal(o IDSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if _, ok := o[id]; !ok {
			return false
		}
	}
	return true
}

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the ids in ascending order (stable output for stores and logs).
func (s IDSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// PollState is the watermark plus the ids sitting exactly on it.
//
// A zero Watermark means "unset" (no successful cycle yet).
// Boundary holds ids whose updated timestamp equals Watermark.
type PollState struct {
	Watermark time.Time
	Boundary  IDSet
}

// ErrBoundaryWithoutWatermark is returned by Validate for a boundary set
// that has no watermark to sit on.
var ErrBoundaryWithoutWatermark = errors.New("boundary set is not empty but watermark is unset")

func (p PollState) HasWatermark() bool { return !p.Watermark.IsZero() }

func (p PollState) IsZero() bool { return p.Watermark.IsZero() && len(p.Boundary) == 0 }

// Equal compares watermarks by instant (location is ignored).
func (p PollState) Equal(o PollState) bool {
	return p.Watermark.Equal(o.Watermark) && p.Boundary.Equal(o.Boundary)
}

func (p PollState) Clone() PollState {
	return PollState{Watermark: p.Watermark, Boundary: p.Boundary.Clone()}
}

func (p PollState) Validate() error {
	if !p.HasWatermark() && len(p.Boundary) > 0 {
		return ErrBoundaryWithoutWatermark
	}
	return nil
}

// Normalize returns a copy with the watermark in UTC at second resolution
// and a non-nil boundary set. Stores call it on load.
func (p PollState) Normalize() PollState {
	out := p.Clone()
	if out.HasWatermark() {
		out.Watermark = out.Watermark.UTC().Truncate(time.Second)
	}
	return out
}
