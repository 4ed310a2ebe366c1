package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestPlan(t *testing.T) {
	t.Parallel()
	wm := ts("2024-01-10T10:00:00Z")

	cases := []struct {
		name  string
		flags Flags
		wm    time.Time
		want  []Query
	}{
		{
			name:  "all flags first run",
			flags: DefaultFlags(),
			want: []Query{
				{Field: FilterAssignee},
				{Field: FilterAuthor},
				{Field: FilterWatcher},
			},
		},
		{
			name:  "watched only with watermark",
			flags: Flags{Watched: true},
			wm:    wm,
			want:  []Query{{Field: FilterWatcher, Since: wm}},
		},
		{
			name:  "assigned and authored",
			flags: Flags{AssignedToMe: true, Authored: true},
			wm:    wm,
			want:  []Query{{Field: FilterAssignee, Since: wm}, {Field: FilterAuthor, Since: wm}},
		},
		{
			name:  "nothing enabled",
			flags: Flags{},
			wm:    wm,
			want:  []Query{},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Plan(tc.flags, tc.wm)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseXML(t *testing.T) {
	t.Parallel()
	raw := `<?xml version="1.0" encoding="UTF-8"?>
<issues total_count="4" offset="0" limit="100" type="array">
  <issue>
    <id>101</id>
    <project id="1" name="Core"/>
    <status id="2" name="In Progress"/>
    <author id="5" name="Kim"/>
    <subject>Crash on start</subject>
    <updated_on>2024-01-10T10:00:00Z</updated_on>
  </issue>
  <issue>
    <id>abc</id>
    <subject>bad id</subject>
    <updated_on>2024-01-10T10:00:00Z</updated_on>
  </issue>
  <issue>
    <id>102</id>
    <subject>bad timestamp</subject>
    <updated_on>yesterday</updated_on>
  </issue>
  <issue>
    <id>103</id>
    <subject> Legacy format </subject>
    <updated_on>2024-01-10 09:59:59 UTC</updated_on>
  </issue>
</issues>`

	got := ParseXML([]byte(raw))
	want := []Issue{
		{ID: 101, Subject: "Crash on start", UpdatedAt: ts("2024-01-10T10:00:00Z"), Project: "Core", Status: "In Progress", Author: "Kim"},
		{ID: 103, Subject: "Legacy format", UpdatedAt: ts("2024-01-10T09:59:59Z")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseXML mismatch (-want +got):\n%s", diff)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	raw := `{"issues":[
		{"id":7,"subject":"ok","updated_on":"2024-01-10T12:00:00+02:00","project":{"id":1,"name":"Web"}},
		{"id":"x","subject":"bad id type","updated_on":"2024-01-10T10:00:00Z"},
		{"id":0,"subject":"zero id","updated_on":"2024-01-10T10:00:00Z"},
		{"id":8,"subject":"no timestamp"}
	],"total_count":4}`

	got := ParseJSON([]byte(raw))
	want := []Issue{{ID: 7, Subject: "ok", UpdatedAt: ts("2024-01-10T10:00:00Z"), Project: "Web"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseJSON mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMalformedYieldsEmpty(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "<issues><issue>", "not xml at all", "{"} {
		if got := ParseXML([]byte(raw)); got == nil || len(got) != 0 {
			t.Fatalf("ParseXML(%q) = %#v, want empty slice", raw, got)
		}
		if got := ParseJSON([]byte(raw)); got == nil || len(got) != 0 {
			t.Fatalf("ParseJSON(%q) = %#v, want empty slice", raw, got)
		}
	}
}

func TestParserFor(t *testing.T) {
	t.Parallel()
	body := []byte(`{"issues":[{"id":1,"subject":"s","updated_on":"2024-01-10T10:00:00Z"}]}`)
	if got := ParserFor("JSON")(body); len(got) != 1 {
		t.Fatalf("json parser returned %d issues", len(got))
	}
	// default is xml, which rejects a json body
	if got := ParserFor("")(body); len(got) != 0 {
		t.Fatalf("xml parser returned %d issues for json input", len(got))
	}
}

func TestClientURL(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{Server: "https://tracker.example.com/", IncludeClosed: true, Limit: 500}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	raw, err := c.URL(Query{Field: FilterWatcher, Since: ts("2024-01-10T10:00:00Z")})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Path != "/issues.xml" {
		t.Fatalf("path = %q", u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"sort":       "updated_on:desc",
		"watcher_id": "me",
		"updated_on": ">=2024-01-10T10:00:00Z",
		"status_id":  "*",
		"limit":      "100",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if q.Has("assigned_to_id") || q.Has("author_id") {
		t.Fatalf("unexpected filters in %q", raw)
	}
}

func TestClientURLFirstRunHasNoLowerBound(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{Server: "http://r", Format: "json"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	raw, err := c.URL(Query{Field: FilterAssignee})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if strings.Contains(raw, "updated_on=") || strings.Contains(raw, "status_id") {
		t.Fatalf("unexpected params in %q", raw)
	}
	if !strings.HasPrefix(raw, "http://r/issues.json?") {
		t.Fatalf("url = %q", raw)
	}
}

func TestNewClientRequiresServer(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(Config{}, nil); !errors.Is(err, ErrNoServer) {
		t.Fatalf("err = %v, want ErrNoServer", err)
	}
}

func TestClientFetchSendsKeyInHeader(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("X-Redmine-API-Key"); got != "secret" {
			t.Errorf("api key header = %q", got)
		}
		if strings.Contains(r.URL.RawQuery, "secret") {
			t.Errorf("api key leaked into query %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("author_id") != "me" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<issues><issue><id>1</id><subject>a</subject><updated_on>2024-01-10T10:00:00Z</updated_on></issue></issues>`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Server: srv.URL, APIKey: "secret"}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	body, err := c.Fetch(context.Background(), Query{Field: FilterAuthor})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := c.Parser()(body); len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("parsed = %#v", got)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

func TestClientFetchStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Server: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.Fetch(context.Background(), Query{Field: FilterAssignee})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", se.Code)
	}
}

func TestClientFetchHonorsTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{Server: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	start := time.Now()
	if _, err := c.Fetch(context.Background(), Query{Field: FilterAssignee}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not bound the request")
	}
}

func TestIssueURL(t *testing.T) {
	t.Parallel()
	if got := (Issue{ID: 42}).URL("https://r.example.com/"); got != "https://r.example.com/issues/42" {
		t.Fatalf("URL = %q", got)
	}
}
