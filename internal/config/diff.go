package config

import (
	"reflect"
	"sort"
	"strings"

	logx "issuewatch/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (API key, bot token) are reported
// only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) {
		p := newCfg.Poll
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.Duration("poll.interval", p.PollInterval()),
			logx.String("poll.schedule", strings.TrimSpace(p.Schedule)),
			logx.Bool("poll.assigned_to_me", BoolOr(p.AssignedToMe, true)),
			logx.Bool("poll.authored", BoolOr(p.Authored, true)),
			logx.Bool("poll.watched", BoolOr(p.Watched, true)),
		)
	}

	// Tracker (never log api key)
	if !reflect.DeepEqual(oldCfg.Tracker, newCfg.Tracker) {
		t := newCfg.Tracker
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.String("tracker.server", strings.TrimSpace(t.Server)),
			logx.String("tracker.format", t.Format),
			logx.Int("tracker.limit", t.Limit),
			logx.Bool("tracker.include_closed", t.IncludeClosed),
			logx.Bool("tracker.api_key_set", strings.TrimSpace(t.APIKey) != ""),
			logx.Bool("tracker.api_key_changed", oldCfg.Tracker.APIKey != t.APIKey),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		s := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(s.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := newCfg.Notifier
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", BoolOr(n.Enabled, true)),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
			logx.Bool("notifier.telegram", n.Telegram.Enabled),
			logx.Int("notifier.telegram_chats", len(n.Telegram.ChatIDs)),
		)
	}

	// Telegram (never log token)
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.timeout", strings.TrimSpace(newCfg.Telegram.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists sections whose changes only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if s == "storage" || s == "telegram" {
			out = append(out, s)
		}
	}
	return out
}
