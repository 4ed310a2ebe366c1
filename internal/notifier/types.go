package notifier

import (
	"time"

	kit "issuewatch/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Server is the tracker base URL used to build issue links.
	Server string

	Telegram TelegramConfig
}

// TelegramConfig selects the chats that receive issue notifications.
type TelegramConfig struct {
	Enabled bool
	Targets []kit.ChatTarget
	Silent  bool
}

// Event types published on the bus.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

// NotificationEvent is the payload of the notifier bus events.
type NotificationEvent struct {
	IssueID int       `json:"issue_id"`
	Sink    string    `json:"sink,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
