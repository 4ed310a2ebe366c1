package storage

import (
	"context"
	"errors"
	"time"

	"issuewatch/internal/state"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON state file
//   - "ini": INI file with a [session] section
//   - "sqlite": SQLite database file
//   - "none" / "memory": keep state in memory only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store loads and saves the poll state.
//
// A store with nothing saved yet returns the zero PollState and no error.
type Store interface {
	Load(ctx context.Context) (state.PollState, error)
	Save(ctx context.Context, st state.PollState) error
	Close() error
}
