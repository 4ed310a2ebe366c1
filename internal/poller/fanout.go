package poller

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"issuewatch/internal/tracker"
)

// Fetcher runs a single tracker query. *tracker.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, q tracker.Query) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, q tracker.Query) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, q tracker.Query) ([]byte, error) { return f(ctx, q) }

// Result is the outcome of one query, kept in plan order.
type Result struct {
	Query tracker.Query
	Body  []byte
	Err   error
}

func (r Result) OK() bool { return r.Err == nil }

// FanOut runs every query concurrently and returns once all of them have
// finished. A failing query never cancels its siblings.
func FanOut(ctx context.Context, f Fetcher, queries []tracker.Query) []Result {
	if len(queries) == 0 {
		return nil
	}
	results := make([]Result, len(queries))

	// Plain Group: errgroup.WithContext would cancel siblings on first error.
	var g errgroup.Group
	for i, q := range queries {
		i, q := i, q
		results[i].Query = q
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("query %s panicked: %v", q, r)
				}
			}()
			body, err := f.Fetch(ctx, q)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Body = body
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Successful returns the bodies of the successful results, in order.
func Successful(results []Result) [][]byte {
	out := make([][]byte, 0, len(results))
	for _, r := range results {
		if r.OK() {
			out = append(out, r.Body)
		}
	}
	return out
}

// Failed counts the failed results.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}
