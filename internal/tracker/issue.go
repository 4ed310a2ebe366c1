// Package tracker talks to the Redmine issue tracker.
//
// It owns the issue data model, the per-cycle query plan, the HTTP client
// that runs a single query, and the tolerant payload parsers.
package tracker

import (
	"fmt"
	"strings"
	"time"
)

// Issue is one tracker item as returned by a query.
//
// Only ID and UpdatedAt take part in change detection; the other fields are
// carried for presentation.
type Issue struct {
	ID        int
	Subject   string
	UpdatedAt time.Time // UTC, second resolution

	Project string
	Status  string
	Author  string
}

// URL returns the browser link for the issue on server.
func (i Issue) URL(server string) string {
	return fmt.Sprintf("%s/issues/%d", strings.TrimRight(strings.TrimSpace(server), "/"), i.ID)
}

// Filter is the Redmine query field that selects "me".
type Filter string

const (
	FilterAssignee Filter = "assigned_to_id"
	FilterAuthor   Filter = "author_id"
	FilterWatcher  Filter = "watcher_id"
)

func (f Filter) String() string { return string(f) }

// Query is one request of a cycle.
// A zero Since means "no lower bound" (first run).
type Query struct {
	Field Filter
	Since time.Time
}

func (q Query) String() string {
	if q.Since.IsZero() {
		return q.Field.String()
	}
	return q.Field.String() + ">=" + FormatTimestamp(q.Since)
}

// FormatTimestamp renders t the way Redmine expects in filters (ISO 8601, UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ParseTimestamp parses a Redmine timestamp and reduces it to UTC seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Older Redmine versions emit "2006-01-02 15:04:05 UTC".
		t2, err2 := time.Parse("2006-01-02 15:04:05 MST", s)
		if err2 != nil {
			return time.Time{}, err
		}
		t = t2
	}
	return t.UTC().Truncate(time.Second), nil
}
