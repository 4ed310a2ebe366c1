package config

// Config is the on-disk configuration. Unknown keys are rejected.
type Config struct {
	Poll      PollConfig      `json:"poll"`
	Tracker   TrackerConfig   `json:"tracker"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// PollConfig controls when cycles run and which queries they issue.
//
// Interval is in whole seconds; values below 1 fall back to 60. Schedule,
// when set, overrides Interval with a cron expression or duration string.
// The query flags default to true when omitted.
type PollConfig struct {
	Interval   int    `json:"interval"`
	Schedule   string `json:"schedule,omitempty"`
	RunOnStart *bool  `json:"run_on_start,omitempty"`
	// Timeout bounds a single cycle (Go duration string). Empty means none.
	Timeout string `json:"timeout,omitempty"`

	AssignedToMe *bool `json:"assigned_to_me,omitempty"`
	Authored     *bool `json:"authored,omitempty"`
	Watched      *bool `json:"watched,omitempty"`
}

// TrackerConfig describes the Redmine server.
type TrackerConfig struct {
	Server        string `json:"server"`
	APIKey        string `json:"api_key"`
	Format        string `json:"format,omitempty"` // xml (default) | json
	Limit         int    `json:"limit,omitempty"`
	IncludeClosed bool   `json:"include_closed,omitempty"`
	Timeout       string `json:"timeout,omitempty"` // default 30s
	UserAgent     string `json:"user_agent,omitempty"`
}

// StorageConfig selects where the poll state lives.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/issuewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async notification pipeline.
// Durations are Go duration strings. Enabled defaults to true.
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	Telegram NotifierTelegram `json:"telegram"`
}

type NotifierTelegram struct {
	Enabled  bool    `json:"enabled"`
	ChatIDs  []int64 `json:"chat_ids,omitempty"`
	ThreadID int     `json:"thread_id,omitempty"`
	Silent   bool    `json:"silent,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// Timeout is a Go duration string for Bot API calls.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// IANA timezone for cron schedules; empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// BoolOr returns *b, or def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
