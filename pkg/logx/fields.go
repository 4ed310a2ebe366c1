package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one or more keys to a log event. Later fields win on key clashes.
type Field func(e *zerolog.Event)

// Keys shared by the field helpers and the Telegram formatter.
const (
	keyComponent = "comp"
	keyIssue     = "issue"
	keyURL       = "url"
	keySchedule  = "schedule"
	keyQuery     = "query"
	keyWatermark = "watermark"
	keyStack     = "stack"
)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str(keyStack, stack)
		}
	}
}

// Component names the subsystem that wrote the line.
func Component(name string) Field { return String(keyComponent, name) }

// IssueID tags a line with a tracker issue id.
func IssueID(id int) Field { return Int(keyIssue, id) }

// IssueURL is the browser link of an issue. Empty links are omitted.
func IssueURL(url string) Field {
	return func(e *zerolog.Event) {
		if url != "" {
			e.Str(keyURL, url)
		}
	}
}

func Schedule(name string) Field { return String(keySchedule, name) }

// Query names a tracker query by its filter.
func Query(name string) Field { return String(keyQuery, name) }

// Watermark logs the last-seen update time in UTC. A zero watermark means
// nothing was seen yet and is omitted.
func Watermark(t time.Time) Field {
	return func(e *zerolog.Event) {
		if !t.IsZero() {
			e.Time(keyWatermark, t.UTC())
		}
	}
}

// Cycle adds the counters of one poll cycle.
func Cycle(queries, failed, merged, notified int) Field {
	return func(e *zerolog.Event) {
		e.Int("queries", queries).
			Int("failed", failed).
			Int("merged", merged).
			Int("notified", notified)
	}
}
