package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultInterval is used when poll.interval is missing or below one second.
const DefaultInterval = 60 * time.Second

// Validate checks field-level constraints. Cross-component checks (schedule
// syntax, storage driver) happen where the config is mapped.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	server := strings.TrimSpace(cfg.Tracker.Server)
	if server == "" {
		errs = append(errs, errors.New("tracker.server is required"))
	} else if u, err := url.Parse(server); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("tracker.server: invalid url %q", server))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Tracker.Format)) {
	case "", "xml", "json":
	default:
		errs = append(errs, fmt.Errorf("tracker.format: want xml or json, got %q", cfg.Tracker.Format))
	}
	if cfg.Tracker.Limit < 0 {
		errs = append(errs, errors.New("tracker.limit must be >= 0"))
	}

	for path, raw := range map[string]string{
		"poll.timeout":             cfg.Poll.Timeout,
		"tracker.timeout":          cfg.Tracker.Timeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"notifier.retry_base":      cfg.Notifier.RetryBase,
		"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
		"telegram.timeout":         cfg.Telegram.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		errs = append(errs, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
	}
	if n.Telegram.Enabled && len(n.Telegram.ChatIDs) == 0 {
		errs = append(errs, errors.New("notifier.telegram.chat_ids is required when notifier.telegram.enabled"))
	}
	if (n.Telegram.Enabled || cfg.Logging.Telegram.Enabled) && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required when a telegram sink is enabled"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

// PollInterval returns poll.interval as a duration, defaulting values below
// one second to DefaultInterval.
func (p PollConfig) PollInterval() time.Duration {
	if p.Interval < 1 {
		return DefaultInterval
	}
	return time.Duration(p.Interval) * time.Second
}
