package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"issuewatch/internal/config"
	"issuewatch/internal/notifier"
	"issuewatch/internal/poller"
	"issuewatch/internal/storage"
	"issuewatch/internal/task/scheduler"
	"issuewatch/internal/tracker"
	kit "issuewatch/internal/transport"
	"issuewatch/internal/transport/telegram"
	logx "issuewatch/pkg/logx"
)

const pollScheduleName = "poll"

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	timeout, err := config.ParseDurationOrDefault("tracker.timeout", cfg.Tracker.Timeout, tracker.DefaultTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Flags: tracker.Flags{
			AssignedToMe: config.BoolOr(cfg.Poll.AssignedToMe, true),
			Authored:     config.BoolOr(cfg.Poll.Authored, true),
			Watched:      config.BoolOr(cfg.Poll.Watched, true),
		},
		Tracker: tracker.Config{
			Server:        cfg.Tracker.Server,
			APIKey:        cfg.Tracker.APIKey,
			Format:        cfg.Tracker.Format,
			Limit:         cfg.Tracker.Limit,
			IncludeClosed: cfg.Tracker.IncludeClosed,
			Timeout:       timeout,
			UserAgent:     cfg.Tracker.UserAgent,
		},
	}, nil
}

// pollTrigger is the schedule string and per-cycle timeout for the poll job.
type pollTrigger struct {
	Schedule string
	Timeout  time.Duration
}

func mapPollTrigger(cfg *config.Config) (pollTrigger, error) {
	spec := strings.TrimSpace(cfg.Poll.Schedule)
	if spec == "" {
		spec = cfg.Poll.PollInterval().String()
	}
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return pollTrigger{}, fmt.Errorf("poll.schedule: %w", err)
	}
	timeout, err := config.ParseDurationField("poll.timeout", cfg.Poll.Timeout)
	if err != nil {
		return pollTrigger{}, err
	}
	return pollTrigger{Schedule: spec, Timeout: timeout}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "file", "json", "ini", "sqlite", "sqlite3", "none", "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	targets := make([]kit.ChatTarget, 0, len(n.Telegram.ChatIDs))
	for _, id := range n.Telegram.ChatIDs {
		targets = append(targets, kit.ChatTarget{ChatID: id, ThreadID: n.Telegram.ThreadID})
	}
	return notifier.Config{
		Enabled:       config.BoolOr(n.Enabled, true),
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Server:        strings.TrimRight(strings.TrimSpace(cfg.Tracker.Server), "/"),
		Telegram: notifier.TelegramConfig{
			Enabled: n.Telegram.Enabled,
			Targets: targets,
			Silent:  n.Telegram.Silent,
		},
	}, nil
}

// buildSinks returns the log sink plus the Telegram sink when configured and
// a sender exists.
func buildSinks(ncfg notifier.Config, sender kit.Sender, log logx.Logger) []notifier.Sink {
	sinks := []notifier.Sink{notifier.LogSink{Log: log.With(logx.Component("notify.log"))}}
	if ncfg.Telegram.Enabled && sender != nil && len(ncfg.Telegram.Targets) > 0 {
		sinks = append(sinks, notifier.TelegramSink{
			Sender:  sender,
			Targets: ncfg.Telegram.Targets,
			Silent:  ncfg.Telegram.Silent,
		})
	}
	return sinks
}

func mapLogConfig(cfg *config.Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if strings.TrimSpace(levelOverride) != "" {
		level = levelOverride
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// newSender returns nil without error when no token is configured.
func newSender(cfg *config.Config, log logx.Logger) (kit.Sender, error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	// Offline: no getMe round trip, so a Telegram outage never blocks startup.
	s, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Offline: true, Timeout: timeout}, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// validate runs every mapping so a hot reload is rejected before any
// component sees it.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollTrigger(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapNotifierConfig(cfg)
	return err
}
