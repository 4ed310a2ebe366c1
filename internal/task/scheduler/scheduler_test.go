package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"issuewatch/internal/eventbus"
	logx "issuewatch/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 1m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "60s", kind: SpecInterval, source: "duration", duration: time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed every hhmm", raw: "every: 00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:60", "00:00", "-5m", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestIntervalSpreadBoundsFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now, fmt.Sprintf("poll-%d", i))
		if jitter < 0 || jitter >= 10*time.Second || jitter%time.Second != 0 {
			t.Fatalf("jitter = %v", jitter)
		}
		first := sched.Next(now)
		if want := now.Add(10*time.Second + jitter); !first.Equal(want) {
			t.Fatalf("first = %v, want %v", first, want)
		}
		if next := sched.Next(first); !next.Equal(first.Add(10 * time.Second)) {
			t.Fatalf("second = %v, want %v", next, first.Add(10*time.Second))
		}
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("", "1m", 0, job); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddCron("bad", "61 * * * *", 0, job); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if err := s.AddInterval("zero", 0, 0, job); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if err := s.TriggerNow("bad"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("TriggerNow before Start: %v", err)
	}
}

func TestAddUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	_ = s.AddSchedule("poll", "1m", 0, job)
	_ = s.AddSchedule("poll", "*/2 * * * *", 0, job)
	got := s.Schedules()
	if len(got) != 1 || got[0].Spec != "*/2 * * * *" {
		t.Fatalf("schedules = %+v", got)
	}
	if !s.Remove("poll") || s.Remove("poll") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	skipped, unsub := bus.Subscribe(4, EventSkipped)
	defer unsub()

	s := New(Config{Timezone: "UTC"}, logx.Nop(), bus)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	job := func(ctx context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	// Long interval: only TriggerNow fires during the test.
	if err := s.AddInterval("poll", time.Hour, time.Minute, job); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start(context.Background())

	if err := s.TriggerNow("poll"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	<-entered
	if err := s.TriggerNow("poll"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	select {
	case e := <-skipped:
		if ev, ok := e.Data.(SkipEvent); !ok || ev.Name != "poll" {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no skip event")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	info := s.Schedules()[0]
	if info.Runs != 1 || info.Skipped != 1 || info.Running {
		t.Fatalf("info = %+v", info)
	}
	if err := s.TriggerNow("missing"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("TriggerNow after Stop: %v", err)
	}
}

func TestRunHonoursTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	done := make(chan error, 1)
	_ = s.AddInterval("slow", time.Hour, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.TriggerNow("slow"); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run not cancelled by timeout")
	}
}
