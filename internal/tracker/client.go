package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
)

const (
	DefaultLimit   = 100
	MaxLimit       = 100
	DefaultTimeout = 30 * time.Second

	apiKeyHeader = "X-Redmine-API-Key"

	// maxBody caps a single response; a full page of 100 issues is far below it.
	maxBody = 8 << 20
)

var ErrNoServer = errors.New("tracker server url is empty")

// Config describes how to reach the tracker.
type Config struct {
	Server        string
	APIKey        string
	Format        string // xml (default) | json
	Limit         int
	IncludeClosed bool
	Timeout       time.Duration // 0 disables the client timeout
	UserAgent     string
}

func (c Config) withDefaults() Config {
	c.Server = strings.TrimRight(strings.TrimSpace(c.Server), "/")
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format != FormatJSON {
		c.Format = FormatXML
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Limit > MaxLimit {
		c.Limit = MaxLimit
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = "issuewatch"
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code  int
	Query string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker query %s: http %d %s", e.Query, e.Code, http.StatusText(e.Code))
}

// Client runs single tracker queries. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a client. A nil hc gets a fresh http.Client using cfg.Timeout.
func NewClient(cfg Config, hc *http.Client) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Server == "" {
		return nil, ErrNoServer
	}
	if _, err := url.Parse(cfg.Server); err != nil {
		return nil, fmt.Errorf("tracker server url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

func (c *Client) Config() Config { return c.cfg }

// Parser returns the parser matching the configured response format.
func (c *Client) Parser() Parser { return ParserFor(c.cfg.Format) }

// issuesParams is the query string of GET /issues.<format>.
type issuesParams struct {
	Sort         string `url:"sort"`
	AssignedToID string `url:"assigned_to_id,omitempty"`
	AuthorID     string `url:"author_id,omitempty"`
	WatcherID    string `url:"watcher_id,omitempty"`
	UpdatedOn    string `url:"updated_on,omitempty"`
	StatusID     string `url:"status_id,omitempty"`
	Limit        int    `url:"limit,omitempty"`
}

func (c *Client) params(q Query) (issuesParams, error) {
	p := issuesParams{Sort: "updated_on:desc", Limit: c.cfg.Limit}
	switch q.Field {
	case FilterAssignee:
		p.AssignedToID = "me"
	case FilterAuthor:
		p.AuthorID = "me"
	case FilterWatcher:
		p.WatcherID = "me"
	default:
		return p, fmt.Errorf("unknown query field %q", q.Field)
	}
	if !q.Since.IsZero() {
		p.UpdatedOn = ">=" + FormatTimestamp(q.Since)
	}
	if c.cfg.IncludeClosed {
		p.StatusID = "*"
	}
	return p, nil
}

// URL renders the request URL for q. The API key is never part of it.
func (c *Client) URL(q Query) (string, error) {
	p, err := c.params(q)
	if err != nil {
		return "", err
	}
	v, err := query.Values(p)
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	return c.cfg.Server + "/issues." + c.cfg.Format + "?" + v.Encode(), nil
}

// Fetch runs one query and returns the raw response body.
func (c *Client) Fetch(ctx context.Context, q Query) ([]byte, error) {
	u, err := c.URL(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Format == FormatJSON {
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Accept", "application/xml")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker query %s: %w", q, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Code: resp.StatusCode, Query: q.String()}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("tracker query %s: read body: %w", q, err)
	}
	return body, nil
}
