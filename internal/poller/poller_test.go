package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"issuewatch/internal/eventbus"
	"issuewatch/internal/state"
	"issuewatch/internal/tracker"
)

type fakeStore struct {
	mu      sync.Mutex
	st      state.PollState
	loadErr error
	saveErr error
	saves   int
}

func (s *fakeStore) Load(context.Context) (state.PollState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone(), s.loadErr
}

func (s *fakeStore) Save(_ context.Context, st state.PollState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.st = st.Clone()
	return nil
}

func (s *fakeStore) failSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]int
}

func (n *fakeNotifier) Notify(_ context.Context, issues []tracker.Issue) {
	n.mu.Lock()
	n.calls = append(n.calls, ids(issues))
	n.mu.Unlock()
}

func (n *fakeNotifier) last() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		return nil
	}
	return n.calls[len(n.calls)-1]
}

// fakeTracker answers queries from a per-field list of issues, honoring the
// inclusive lower bound the way the real tracker does.
type fakeTracker struct {
	mu    sync.Mutex
	data  map[tracker.Filter][]tracker.Issue
	fail  map[tracker.Filter]bool
	calls int
}

func (f *fakeTracker) set(field tracker.Filter, issues ...tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[tracker.Filter][]tracker.Issue{}
	}
	f.data[field] = issues
}

func (f *fakeTracker) Fetch(_ context.Context, q tracker.Query) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[q.Field] {
		return nil, fmt.Errorf("%s unavailable", q.Field)
	}
	parts := make([]string, 0)
	for _, is := range f.data[q.Field] {
		if !q.Since.IsZero() && is.UpdatedAt.Before(q.Since) {
			continue
		}
		parts = append(parts, fmt.Sprintf(`{"id":%d,"subject":%q,"updated_on":%q}`,
			is.ID, is.Subject, tracker.FormatTimestamp(is.UpdatedAt)))
	}
	return []byte(`{"issues":[` + strings.Join(parts, ",") + `]}`), nil
}

func newTestPoller(t *testing.T, flags tracker.Flags, store *fakeStore, f Fetcher) (*Poller, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	p, err := New(Config{Flags: flags, Tracker: tracker.Config{Format: tracker.FormatJSON}}, Deps{
		Store:    store,
		Notifier: n,
		Fetcher:  f,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Init(context.Background())
	return p, n
}

func runCycle(t *testing.T, p *Poller) CycleReport {
	t.Helper()
	rep, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return rep
}

func TestPollerFirstCycleThenQuiet(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{}
	tr.set(tracker.FilterAssignee, issue(1, t0), issue(2, at(-time.Minute)))
	tr.set(tracker.FilterWatcher, issue(1, t0))
	store := &fakeStore{}
	p, n := newTestPoller(t, tracker.DefaultFlags(), store, tr)

	rep := runCycle(t, p)
	if diff := cmp.Diff([]int{2, 1}, n.last()); diff != "" {
		t.Fatalf("notify mismatch (-want +got):\n%s", diff)
	}
	if !rep.Saved || store.count() != 1 || rep.Queries != 3 || rep.Merged != 2 {
		t.Fatalf("report = %+v saves=%d", rep, store.count())
	}

	// Same tracker contents: the inclusive bound returns issue 1 again.
	rep = runCycle(t, p)
	if len(n.last()) != 0 {
		t.Fatalf("second cycle notified %v", n.last())
	}
	if rep.Saved || store.count() != 1 {
		t.Fatalf("second cycle saved: %+v", rep)
	}

	tr.set(tracker.FilterAuthor, issue(5, at(time.Second)))
	runCycle(t, p)
	if diff := cmp.Diff([]int{5}, n.last()); diff != "" {
		t.Fatalf("notify mismatch (-want +got):\n%s", diff)
	}
	want := state.PollState{Watermark: at(time.Second), Boundary: state.NewIDSet(5)}
	if got := p.State(); !got.Equal(want) {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestPollerPartialFailure(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{fail: map[tracker.Filter]bool{tracker.FilterAssignee: true, tracker.FilterAuthor: true}}
	tr.set(tracker.FilterWatcher, issue(3, t0))
	store := &fakeStore{}
	p, n := newTestPoller(t, tracker.DefaultFlags(), store, tr)

	rep := runCycle(t, p)
	if rep.Failed != 2 || rep.Succeeded != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if diff := cmp.Diff([]int{3}, n.last()); diff != "" {
		t.Fatalf("notify mismatch (-want +got):\n%s", diff)
	}
	if !rep.Saved || !store.st.Watermark.Equal(t0) {
		t.Fatalf("state not persisted: %+v", store.st)
	}
}

func TestPollerMalformedPayloadOnlyEmptiesItsQuery(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{}
	tr.set(tracker.FilterAssignee, issue(1, t0))
	tr.set(tracker.FilterWatcher, issue(2, t0.Add(time.Minute)))
	f := FetcherFunc(func(ctx context.Context, q tracker.Query) ([]byte, error) {
		if q.Field == tracker.FilterAuthor {
			return []byte(`{"issues":[{"id":`), nil
		}
		return tr.Fetch(ctx, q)
	})
	store := &fakeStore{}
	p, n := newTestPoller(t, tracker.DefaultFlags(), store, f)

	rep := runCycle(t, p)
	if rep.Failed != 0 || rep.Succeeded != 3 || rep.Merged != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if diff := cmp.Diff([]int{1, 2}, n.last()); diff != "" {
		t.Fatalf("notify mismatch (-want +got):\n%s", diff)
	}
	if !rep.Saved || !store.st.Watermark.Equal(t0.Add(time.Minute)) {
		t.Fatalf("state not persisted: %+v", store.st)
	}
}

// ctxNotifier records whether the context handed to Notify was still live.
type ctxNotifier struct {
	mu     sync.Mutex
	issues []int
	errs   []error
}

func (n *ctxNotifier) Notify(ctx context.Context, issues []tracker.Issue) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issues = append(n.issues, ids(issues)...)
	n.errs = append(n.errs, ctx.Err())
}

func TestPollerNotifiesAfterCycleContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := FetcherFunc(func(context.Context, tracker.Query) ([]byte, error) {
		// The cycle deadline expires after the response arrived.
		cancel()
		return []byte(fmt.Sprintf(`{"issues":[{"id":9,"subject":"late","updated_on":%q}]}`,
			tracker.FormatTimestamp(t0))), nil
	})
	store := &fakeStore{}
	n := &ctxNotifier{}
	p, err := New(Config{Flags: tracker.Flags{Watched: true}, Tracker: tracker.Config{Format: tracker.FormatJSON}},
		Deps{Store: store, Notifier: n, Fetcher: f})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Init(context.Background())

	rep, err := p.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !rep.Saved || store.count() != 1 {
		t.Fatalf("report = %+v saves = %d", rep, store.count())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if diff := cmp.Diff([]int{9}, n.issues); diff != "" {
		t.Fatalf("notify mismatch (-want +got):\n%s", diff)
	}
	if n.errs[0] != nil {
		t.Fatalf("Notify got a done context: %v", n.errs[0])
	}
}

func TestPollerNoResultsNeverSaves(t *testing.T) {
	t.Parallel()
	store := &fakeStore{st: state.PollState{Watermark: t0, Boundary: state.NewIDSet(1)}}
	p, n := newTestPoller(t, tracker.DefaultFlags(), store, &fakeTracker{})

	rep := runCycle(t, p)
	if rep.Saved || store.count() != 0 {
		t.Fatalf("saved on a no-op cycle: %+v", rep)
	}
	if len(n.last()) != 0 {
		t.Fatalf("notified %v", n.last())
	}
	if !p.State().Equal(store.st) {
		t.Fatalf("state drifted: %+v", p.State())
	}
}

func TestPollerNoQueries(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{}
	store := &fakeStore{}
	p, _ := newTestPoller(t, tracker.Flags{}, store, tr)

	rep := runCycle(t, p)
	if rep.Queries != 0 || tr.calls != 0 || store.count() != 0 {
		t.Fatalf("report = %+v calls=%d saves=%d", rep, tr.calls, store.count())
	}
}

func TestPollerRetriesFailedSave(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{}
	tr.set(tracker.FilterAssignee, issue(1, t0))
	store := &fakeStore{}
	store.failSaves(errors.New("disk full"))
	p, n := newTestPoller(t, tracker.Flags{AssignedToMe: true}, store, tr)

	rep := runCycle(t, p)
	if rep.Saved || rep.SaveErr == nil {
		t.Fatalf("report = %+v", rep)
	}
	// In-memory state advanced anyway.
	if !p.State().Watermark.Equal(t0) {
		t.Fatalf("state = %+v", p.State())
	}
	if diff := cmp.Diff([]int{1}, n.last()); diff != "" {
		t.Fatalf("notify mismatch (-want +got):\n%s", diff)
	}

	store.failSaves(nil)
	rep = runCycle(t, p)
	if !rep.Saved || store.count() != 2 {
		t.Fatalf("save was not retried: %+v saves=%d", rep, store.count())
	}
	if len(n.last()) != 0 {
		t.Fatalf("retry cycle re-notified %v", n.last())
	}

	rep = runCycle(t, p)
	if rep.Saved || store.count() != 2 {
		t.Fatalf("saved again after success: %+v", rep)
	}
}

func TestPollerLoadFailureStartsEmpty(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		st:      state.PollState{Watermark: t0, Boundary: state.NewIDSet(1)},
		loadErr: errors.New("corrupt"),
	}
	p, _ := newTestPoller(t, tracker.DefaultFlags(), store, &fakeTracker{})
	if !p.State().IsZero() {
		t.Fatalf("state = %+v, want empty", p.State())
	}
}

func TestPollerRejectsOverlappingCycles(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := FetcherFunc(func(ctx context.Context, q tracker.Query) ([]byte, error) {
		once.Do(func() { close(entered) })
		<-release
		return []byte(`{"issues":[]}`), nil
	})
	p, _ := newTestPoller(t, tracker.Flags{Watched: true}, &fakeStore{}, f)

	done := make(chan error, 1)
	go func() {
		_, err := p.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	if _, err := p.RunCycle(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if p.Running() {
		t.Fatal("still running after the cycle returned")
	}
}

func TestPollerPublishesCycleEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	tr := &fakeTracker{}
	tr.set(tracker.FilterAssignee, issue(1, t0))
	p, err := New(Config{Flags: tracker.Flags{AssignedToMe: true}, Tracker: tracker.Config{Format: "json"}}, Deps{
		Store:   &fakeStore{},
		Bus:     bus,
		Fetcher: tr,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runCycle(t, p)

	select {
	case e := <-ch:
		rep, ok := e.Data.(CycleReport)
		if e.Type != EventCycle || !ok || rep.Notified != 1 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no cycle event")
	}
}

func TestPollerApplyChangesFlags(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{}
	p, _ := newTestPoller(t, tracker.Flags{AssignedToMe: true}, &fakeStore{}, tr)
	if err := p.Apply(Config{Flags: tracker.DefaultFlags(), Tracker: tracker.Config{Format: "json"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rep := runCycle(t, p); rep.Queries != 3 {
		t.Fatalf("queries = %d, want 3", rep.Queries)
	}
}

func TestNewRequiresServerWithoutFetcher(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Flags: tracker.DefaultFlags()}, Deps{Store: &fakeStore{}})
	if !errors.Is(err, tracker.ErrNoServer) {
		t.Fatalf("err = %v, want ErrNoServer", err)
	}
}
