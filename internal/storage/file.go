package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/natefinch/atomic"

	"issuewatch/internal/state"
	logx "issuewatch/pkg/logx"
)

const fileVersion = 1

// fileStore keeps the poll state in a small JSON document.
// Every save replaces the whole file atomically (temp file + rename).
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

type fileDoc struct {
	Version   int       `json:"version"`
	Watermark string    `json:"watermark,omitempty"`
	Boundary  []int     `json:"boundary"`
	SavedAt   time.Time `json:"saved_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Load(ctx context.Context) (state.PollState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.PollState{}, ErrClosed
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return state.PollState{}, nil
	}
	if err != nil {
		return state.PollState{}, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return state.PollState{}, nil
	}

	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return state.PollState{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	st := state.PollState{Boundary: state.NewIDSet(doc.Boundary...)}
	if doc.Watermark != "" {
		wm, err := time.Parse(time.RFC3339, doc.Watermark)
		if err != nil {
			return state.PollState{}, fmt.Errorf("decode %s: watermark: %w", s.path, err)
		}
		st.Watermark = wm
	}
	return st.Normalize(), nil
}

func (s *fileStore) Save(ctx context.Context, st state.PollState) error {
	_ = ctx
	st = st.Normalize()
	doc := fileDoc{
		Version:  fileVersion,
		Boundary: st.Boundary.Sorted(),
		SavedAt:  time.Now().UTC(),
	}
	if st.HasWatermark() {
		doc.Watermark = st.Watermark.Format(time.RFC3339)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.log.Debug("poll state saved", logx.String("path", s.path), logx.Int("boundary", len(doc.Boundary)))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
