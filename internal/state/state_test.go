package state

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestIDSetEqualTreatsNilAsEmpty(t *testing.T) {
	t.Parallel()
	var nilSet IDSet
	if !nilSet.Equal(NewIDSet()) {
		t.Fatal("nil set should equal empty set")
	}
	if NewIDSet(1).Equal(NewIDSet(2)) {
		t.Fatal("{1} should not equal {2}")
	}
	if !NewIDSet(3, 1, 2).Equal(NewIDSet(1, 2, 3)) {
		t.Fatal("order must not matter")
	}
}

func TestIDSetCloneIsIndependent(t *testing.T) {
	t.Parallel()
	a := NewIDSet(1, 2)
	b := a.Clone()
	b.Add(3)
	if a.Has(3) {
		t.Fatal("clone shares storage with original")
	}
	if diff := cmp.Diff([]int{1, 2, 3}, b.Sorted()); diff != "" {
		t.Fatalf("Sorted mismatch (-want +got):\n%s", diff)
	}
}

func TestPollStateEqualIgnoresLocation(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	loc := time.FixedZone("UTC+7", 7*3600)
	a := PollState{Watermark: ts, Boundary: NewIDSet(1)}
	b := PollState{Watermark: ts.In(loc), Boundary: NewIDSet(1)}
	if !a.Equal(b) {
		t.Fatal("same instant in different zones should be equal")
	}
	b.Boundary.Add(2)
	if a.Equal(b) {
		t.Fatal("different boundary sets should not be equal")
	}
}

func TestPollStateValidate(t *testing.T) {
	t.Parallel()
	if err := (PollState{}).Validate(); err != nil {
		t.Fatalf("zero state: %v", err)
	}
	bad := PollState{Boundary: NewIDSet(4)}
	if err := bad.Validate(); err != ErrBoundaryWithoutWatermark {
		t.Fatalf("Validate = %v, want ErrBoundaryWithoutWatermark", err)
	}
}

func TestPollStateNormalize(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	p := PollState{Watermark: time.Date(2024, 1, 10, 13, 0, 0, 500, loc)}
	n := p.Normalize()
	want := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	if !n.Watermark.Equal(want) || n.Watermark.Location() != time.UTC {
		t.Fatalf("Watermark = %v, want %v", n.Watermark, want)
	}
	if n.Boundary == nil {
		t.Fatal("Normalize should allocate the boundary set")
	}
}
