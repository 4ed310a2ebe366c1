// Package poller runs poll cycles against the tracker: plan the queries,
// fan them out, detect changes, persist the new state and hand new issues to
// the notifier.
package poller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"issuewatch/internal/eventbus"
	"issuewatch/internal/state"
	"issuewatch/internal/tracker"
	logx "issuewatch/pkg/logx"
)

// ErrBusy is returned by RunCycle while another cycle is in flight.
var ErrBusy = errors.New("poll cycle already running")

// Store persists the poll state between runs.
type Store interface {
	Load(ctx context.Context) (state.PollState, error)
	Save(ctx context.Context, st state.PollState) error
}

// Notifier receives the issues to announce, once per cycle. Notify must not
// block on delivery.
type Notifier interface {
	Notify(ctx context.Context, issues []tracker.Issue)
}

type Config struct {
	Flags   tracker.Flags
	Tracker tracker.Config
}

type Deps struct {
	Store    Store
	Notifier Notifier
	Bus      eventbus.Bus
	Log      logx.Logger

	// Fetcher overrides the HTTP client built from Config.Tracker.
	Fetcher    Fetcher
	HTTPClient *http.Client
	Now        func() time.Time
}

// CycleReport summarizes one cycle. It is also the payload of EventCycle.
type CycleReport struct {
	Queries   int
	Succeeded int
	Failed    int
	Merged    int
	Notified  int
	Saved     bool
	SaveErr   error
	Watermark time.Time
	Took      time.Duration
}

const (
	EventCycle   = "poll.cycle"
	EventSkipped = "poll.skipped"
)

type Poller struct {
	deps Deps
	log  logx.Logger

	running atomic.Bool

	mu        sync.Mutex
	cfg       Config
	fetcher   Fetcher
	parse     tracker.Parser
	state     state.PollState
	persisted state.PollState
}

func New(cfg Config, deps Deps) (*Poller, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		return nil, errors.New("poller: store is required")
	}
	p := &Poller{
		deps:      deps,
		log:       deps.Log.With(logx.Component("poller")),
		state:     state.PollState{Boundary: state.NewIDSet()},
		persisted: state.PollState{Boundary: state.NewIDSet()},
	}
	if err := p.Apply(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Init loads the persisted state. A load failure is logged and the poller
// starts from an empty state.
func (p *Poller) Init(ctx context.Context) {
	st, err := p.deps.Store.Load(ctx)
	if err == nil {
		err = st.Validate()
	}
	if err != nil {
		p.log.Warn("poll state load failed; starting empty", logx.Err(err))
		st = state.PollState{}
	}
	st = st.Normalize()

	p.mu.Lock()
	p.state = st.Clone()
	p.persisted = st.Clone()
	p.mu.Unlock()

	if st.HasWatermark() {
		p.log.Info("poll state loaded", logx.Watermark(st.Watermark), logx.Int("boundary", st.Boundary.Len()))
	} else {
		p.log.Info("no poll state yet; first cycle reports every fetched issue")
	}
}

// Apply swaps the query flags and tracker settings. It takes effect at the
// next cycle; a cycle in flight keeps the settings it started with.
func (p *Poller) Apply(cfg Config) error {
	fetcher := p.deps.Fetcher
	if fetcher == nil {
		c, err := tracker.NewClient(cfg.Tracker, p.deps.HTTPClient)
		if err != nil {
			return err
		}
		fetcher = c
	}
	p.mu.Lock()
	p.cfg = cfg
	p.fetcher = fetcher
	p.parse = tracker.ParserFor(cfg.Tracker.Format)
	p.mu.Unlock()
	return nil
}

// State returns a copy of the in-memory poll state.
func (p *Poller) State() state.PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// Running reports whether a cycle is in flight.
func (p *Poller) Running() bool { return p.running.Load() }

// RunCycle performs one poll cycle.
//
// Query, parse and save failures are logged and reflected in the report;
// they never surface as an error. The only error is ErrBusy.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("poll cycle skipped; previous cycle still running")
		if p.deps.Bus != nil {
			p.deps.Bus.Publish(eventbus.Event{Type: EventSkipped})
		}
		return CycleReport{}, ErrBusy
	}
	defer p.running.Store(false)

	start := p.deps.Now()

	p.mu.Lock()
	flags := p.cfg.Flags
	fetcher := p.fetcher
	parse := p.parse
	prev := p.state.Clone()
	persisted := p.persisted.Clone()
	p.mu.Unlock()

	queries := tracker.Plan(flags, prev.Watermark)
	results := FanOut(ctx, fetcher, queries)

	batches := make([][]tracker.Issue, 0, len(results))
	for _, r := range results {
		if !r.OK() {
			p.log.Warn("tracker query failed", logx.Query(r.Query.String()), logx.Err(r.Err))
			continue
		}
		batches = append(batches, parse(r.Body))
	}

	out := Detect(prev, batches)

	rep := CycleReport{
		Queries:   len(queries),
		Failed:    Failed(results),
		Merged:    out.Merged,
		Notified:  len(out.Notify),
		Watermark: out.Next.Watermark,
	}
	rep.Succeeded = rep.Queries - rep.Failed

	p.mu.Lock()
	p.state = out.Next.Clone()
	p.mu.Unlock()

	// Once the state has advanced the cycle must finish: a cancelled ctx here
	// would suppress the notify set for good.
	commitCtx := context.WithoutCancel(ctx)

	if !out.Next.Equal(persisted) {
		if err := p.deps.Store.Save(commitCtx, out.Next.Clone()); err != nil {
			rep.SaveErr = err
			p.log.Error("poll state save failed; will retry next cycle", logx.Err(err))
		} else {
			rep.Saved = true
			p.mu.Lock()
			p.persisted = out.Next.Clone()
			p.mu.Unlock()
		}
	}

	// Called every cycle, possibly with an empty set.
	if p.deps.Notifier != nil {
		p.deps.Notifier.Notify(commitCtx, out.Notify)
	}

	rep.Took = p.deps.Now().Sub(start)
	p.report(rep)
	return rep, nil
}

func (p *Poller) report(rep CycleReport) {
	fields := []logx.Field{
		logx.Cycle(rep.Queries, rep.Failed, rep.Merged, rep.Notified),
		logx.Bool("saved", rep.Saved),
		logx.Duration("took", rep.Took),
		logx.Watermark(rep.Watermark),
	}
	if rep.Notified > 0 {
		p.log.Info("poll cycle", fields...)
	} else {
		p.log.Debug("poll cycle", fields...)
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(eventbus.Event{Type: EventCycle, Data: rep})
	}
}
