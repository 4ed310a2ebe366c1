package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"issuewatch/internal/eventbus"
	rtsup "issuewatch/internal/runtime/supervisor"
	logx "issuewatch/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// EventSkipped is published when a trigger is dropped because the previous
// run of the same schedule has not finished.
const EventSkipped = "scheduler.skipped"

// SkipEvent is the payload of EventSkipped.
type SkipEvent struct {
	Name string
}

// runState gates one schedule to a single in-flight run.
type runState struct {
	running atomic.Bool
	skipped atomic.Uint64
	runs    atomic.Uint64
}

func (r *runState) tryAcquire() bool { return r.running.CompareAndSwap(false, true) }
func (r *runState) release()         { r.running.Store(false) }

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial delay for @every schedules
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	sup    atomic.Pointer[rtsup.Supervisor]
	defs   []scheduleDef
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skipped uint64
}
