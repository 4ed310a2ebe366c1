// Package app wires config, logging, storage, the poller, the notifier and
// the scheduler into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"issuewatch/internal/config"
	"issuewatch/internal/eventbus"
	"issuewatch/internal/notifier"
	"issuewatch/internal/poller"
	rtsup "issuewatch/internal/runtime/supervisor"
	"issuewatch/internal/storage"
	"issuewatch/internal/task/scheduler"
	kit "issuewatch/internal/transport"
	logx "issuewatch/pkg/logx"
	"issuewatch/pkg/systemd"
)

// Options are command-line overrides applied on top of the config file.
type Options struct {
	LogLevel string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	sender kit.Sender

	poller *poller.Poller
	notif  *notifier.Service
	sched  *scheduler.Service

	trigger pollTrigger
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(opts.LogLevel)
	sender, err := newSender(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, opts.LogLevel), sender)
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, buildSinks(ncfg, sender, log), log, bus)

	pcfg, _ := mapPollerConfig(cfg)
	p, err := poller.New(pcfg, poller.Deps{
		Store:    store,
		Notifier: notif,
		Bus:      bus,
		Log:      log,
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	trigger, _ := mapPollTrigger(cfg)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log, bus)

	return &App{
		opts:    opts,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sender:  sender,
		poller:  p,
		notif:   notif,
		sched:   sched,
		trigger: trigger,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) pollJob(ctx context.Context) error {
	_, err := a.poller.RunCycle(ctx)
	if errors.Is(err, poller.ErrBusy) {
		return nil
	}
	return err
}

// Start loads the poll state, starts the notifier and the scheduler and
// begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(validate)

	a.poller.Init(ctx)

	// Detached from ctx so Stop can drain queued notifications after a signal.
	a.notif.Start(context.WithoutCancel(ctx))

	if err := a.sched.AddSchedule(pollScheduleName, a.trigger.Schedule, a.trigger.Timeout, a.pollJob); err != nil {
		return fmt.Errorf("poll schedule: %w", err)
	}
	a.sched.Start(a.sup.Context())
	if config.BoolOr(a.cfgm.Get().Poll.RunOnStart, true) {
		if err := a.sched.TriggerNow(pollScheduleName); err != nil {
			a.log.Warn("initial poll trigger failed", logx.Err(err))
		}
	}

	a.startEventLoop()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Schedule(a.trigger.Schedule), logx.Duration("timeout", a.trigger.Timeout))
	return nil
}

// RunOnce runs a single poll cycle, waits for its notifications and closes
// everything.
func (a *App) RunOnce(ctx context.Context) (poller.CycleReport, error) {
	a.poller.Init(ctx)
	a.notif.Start(context.WithoutCancel(ctx))

	rep, err := a.poller.RunCycle(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	a.notif.Stop(stopCtx)
	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("storage close failed", logx.Err(cerr))
	}
	a.log.Info("single cycle done",
		logx.Int("notified", rep.Notified),
		logx.Int("failed", rep.Failed),
		logx.Bool("saved", rep.Saved),
	)
	_ = a.logs.Close()
	return rep, err
}

// startEventLoop logs bus events and mirrors poll cycles into the systemd
// status line.
func (a *App) startEventLoop() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case poller.EventCycle:
					if rep, ok := e.Data.(poller.CycleReport); ok {
						_, _ = systemd.Status(statusLine(rep, e.Time))
					}
				case poller.EventSkipped, scheduler.EventSkipped:
					a.log.Info("poll trigger skipped; previous cycle still running", logx.String("event", e.Type))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

func statusLine(rep poller.CycleReport, at time.Time) string {
	s := fmt.Sprintf("last cycle %s: %d/%d queries ok, %d new",
		at.Format("15:04:05"), rep.Succeeded, rep.Queries, rep.Notified)
	if rep.SaveErr != nil {
		s += ", state save failed"
	}
	return s
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg, a.opts.LogLevel))

	if pcfg, err := mapPollerConfig(newCfg); err != nil {
		a.log.Warn("invalid poll config; keeping previous", logx.Err(err))
	} else if err := a.poller.Apply(pcfg); err != nil {
		a.log.Warn("poller config rejected; keeping previous", logx.Err(err))
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg, buildSinks(ncfg, a.sender, a.logs.Logger()))
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	a.sched.Apply(scheduler.Config{Timezone: newCfg.Scheduler.Timezone})
	if trig, err := mapPollTrigger(newCfg); err != nil {
		a.log.Warn("invalid poll schedule; keeping previous", logx.Err(err))
	} else if trig != a.trigger {
		if err := a.sched.AddSchedule(pollScheduleName, trig.Schedule, trig.Timeout, a.pollJob); err != nil {
			a.log.Warn("poll reschedule failed; keeping previous", logx.Err(err))
			// AddSchedule already dropped the old entry.
			_ = a.sched.AddSchedule(pollScheduleName, a.trigger.Schedule, a.trigger.Timeout, a.pollJob)
		} else {
			a.trigger = trig
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in order, each step bounded so one component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it did not, note the leak and move on.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
