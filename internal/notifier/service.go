package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"issuewatch/internal/eventbus"
	rtsup "issuewatch/internal/runtime/supervisor"
	"issuewatch/internal/tracker"
	logx "issuewatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	msg Message
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Stats are best-effort delivery counters.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.Component("notifier")),
		bus:   bus,
		sinks: sinks,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}

// Apply swaps rate/retry settings and the sink list. Worker count and queue
// size take effect on the next Start.
func (s *Service) Apply(cfg Config, sinks []Sink) {
	s.mu.Lock()
	s.applyLocked(cfg)
	if sinks != nil {
		s.sinks = sinks
	}
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery failures must not take down the process
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("notifier.worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("sinks", len(s.sinks)))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending notifications abandoned", logx.Int("pending", len(q)))
	}
}

// Notify enqueues every issue and returns without waiting for delivery.
// Enqueueing never blocks, so ctx cancellation does not drop issues.
// Jobs that cannot be queued are counted and logged.
func (s *Service) Notify(_ context.Context, issues []tracker.Issue) {
	for _, is := range issues {
		err := s.enqueue(is)
		if err == nil || errors.Is(err, ErrDisabled) {
			continue
		}
		s.dropped.Add(1)
		s.log.Warn("notification dropped", logx.IssueID(is.ID), logx.Err(err))
		s.publish(EventDropped, NotificationEvent{IssueID: is.ID, Error: err.Error()})
	}
}

// Enqueue queues a single issue unless ctx is already done.
func (s *Service) Enqueue(ctx context.Context, is tracker.Issue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.enqueue(is)
}

func (s *Service) enqueue(is tracker.Issue) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	server := s.cfg.Server
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	m := Message{Issue: is}
	if strings.TrimSpace(server) != "" {
		m.URL = is.URL(server)
	}

	select {
	case q <- job{msg: m}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(runCtx); err != nil {
			return
		}
	}
	for _, sink := range sinks {
		s.sendWithRetry(runCtx, cfg, sink, j.msg)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, cfg Config, sink Sink, m Message) {
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := sink.Send(callCtx, m)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.publish(EventSent, NotificationEvent{IssueID: m.Issue.ID, Sink: sink.Name()})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", sink.Name()), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.log.Warn("notification failed", logx.String("sink", sink.Name()), logx.IssueID(m.Issue.ID), logx.IssueURL(m.URL), logx.Err(lastErr))
	s.publish(EventFailed, NotificationEvent{IssueID: m.Issue.ID, Sink: sink.Name(), Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), maxD)
}
