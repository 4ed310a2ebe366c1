package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/ini.v1"

	"issuewatch/internal/state"
	logx "issuewatch/pkg/logx"
)

const (
	iniSection      = "session"
	iniWatermarkKey = "last_update_on"
	iniBoundaryKey  = "updated_at_last_sec"
)

// iniStore reads and writes the [session] section of an INI file.
// Other sections and keys in the file are kept as they are.
type iniStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openINI(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for ini driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &iniStore{log: log, path: path}, nil
}

func (s *iniStore) load() (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, IgnoreInlineComment: true}, s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return f, nil
}

func (s *iniStore) Load(ctx context.Context) (state.PollState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.PollState{}, ErrClosed
	}

	f, err := s.load()
	if err != nil {
		return state.PollState{}, err
	}
	sec := f.Section(iniSection)

	st := state.PollState{Boundary: state.NewIDSet()}
	if raw := strings.TrimSpace(sec.Key(iniWatermarkKey).String()); raw != "" {
		wm, err := parseISO(raw)
		if err != nil {
			return state.PollState{}, fmt.Errorf("%s: %s: %w", s.path, iniWatermarkKey, err)
		}
		st.Watermark = wm
	}
	for _, part := range strings.Split(sec.Key(iniBoundaryKey).String(), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			s.log.Warn("ignoring bad boundary id", logx.String("value", part))
			continue
		}
		st.Boundary.Add(id)
	}
	return st.Normalize(), nil
}

func (s *iniStore) Save(ctx context.Context, st state.PollState) error {
	_ = ctx
	st = st.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	f, err := s.load()
	if err != nil {
		return err
	}
	sec := f.Section(iniSection)
	if st.HasWatermark() {
		sec.Key(iniWatermarkKey).SetValue(st.Watermark.Format(time.RFC3339))
	} else {
		sec.DeleteKey(iniWatermarkKey)
	}
	ids := st.Boundary.Sorted()
	if len(ids) == 0 {
		sec.DeleteKey(iniBoundaryKey)
	} else {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.Itoa(id)
		}
		sec.Key(iniBoundaryKey).SetValue(strings.Join(parts, ", "))
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *iniStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// parseISO accepts RFC 3339 and the zone-less ISO form. A zone-less value
// is local wall time, which is how older settings.ini files were written.
func parseISO(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
