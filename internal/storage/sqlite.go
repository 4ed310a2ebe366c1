package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"issuewatch/internal/state"
	logx "issuewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (state.PollState, error) {
	var wm sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM poll_state WHERE id = 1`).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return state.PollState{}, nil
	}
	if err != nil {
		return state.PollState{}, err
	}

	st := state.PollState{Boundary: state.NewIDSet()}
	if wm.Valid && wm.String != "" {
		t, err := time.Parse(time.RFC3339, wm.String)
		if err != nil {
			return state.PollState{}, fmt.Errorf("poll_state.watermark: %w", err)
		}
		st.Watermark = t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT issue_id FROM boundary_ids`)
	if err != nil {
		return state.PollState{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return state.PollState{}, err
		}
		st.Boundary.Add(id)
	}
	if err := rows.Err(); err != nil {
		return state.PollState{}, err
	}
	return st.Normalize(), nil
}

func (s *sqliteStore) Save(ctx context.Context, st state.PollState) error {
	st = st.Normalize()
	var wm any
	if st.HasWatermark() {
		wm = st.Watermark.Format(time.RFC3339)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO poll_state(id, watermark, saved_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET watermark=excluded.watermark, saved_at=excluded.saved_at`,
		wm, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM boundary_ids`); err != nil {
		return err
	}
	for _, id := range st.Boundary.Sorted() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO boundary_ids(issue_id) VALUES(?)`, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("poll state saved", logx.Int("boundary", st.Boundary.Len()))
	return nil
}
