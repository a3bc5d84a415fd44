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

	_ "modernc.org/sqlite"

	logx "feedwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) Driver() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadWatchState(ctx context.Context, entity uint64) (WatchState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_seen_id, baseline_set, live_status, live_since, updated_at FROM watch_state WHERE entity_id = ?`,
		int64(entity))
	st, err := scanWatchState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WatchState{}, false, nil
	}
	if err != nil {
		return WatchState{}, false, err
	}
	return st, true, nil
}

func (s *sqliteStore) SaveWatchState(ctx context.Context, entity uint64, st WatchState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_state(entity_id, last_seen_id, baseline_set, live_status, live_since, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(entity_id) DO UPDATE SET
		   last_seen_id=excluded.last_seen_id,
		   baseline_set=excluded.baseline_set,
		   live_status=excluded.live_status,
		   live_since=excluded.live_since,
		   updated_at=excluded.updated_at`,
		int64(entity), st.LastSeenID, st.BaselineSet, string(st.LiveStatus), unixMilli(st.LiveSince), unixMilli(st.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) ListWatchStates(ctx context.Context) (map[uint64]WatchState, error) {
	return listWatchStates(ctx, s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatchState(r rowScanner) (WatchState, error) {
	var (
		st        WatchState
		live      string
		since, up int64
	)
	if err := r.Scan(&st.LastSeenID, &st.BaselineSet, &live, &since, &up); err != nil {
		return WatchState{}, err
	}
	st.LiveStatus = LiveStatus(live)
	st.LiveSince = fromUnixMilli(since)
	st.UpdatedAt = fromUnixMilli(up)
	return st, nil
}

// listWatchStates works for both SQL drivers; the query has no placeholders.
func listWatchStates(ctx context.Context, db *sql.DB) (map[uint64]WatchState, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT entity_id, last_seen_id, baseline_set, live_status, live_since, updated_at FROM watch_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uint64]WatchState{}
	for rows.Next() {
		var (
			id        int64
			st        WatchState
			live      string
			since, up int64
		)
		if err := rows.Scan(&id, &st.LastSeenID, &st.BaselineSet, &live, &since, &up); err != nil {
			return nil, err
		}
		st.LiveStatus = LiveStatus(live)
		st.LiveSince = fromUnixMilli(since)
		st.UpdatedAt = fromUnixMilli(up)
		out[uint64(id)] = st
	}
	return out, rows.Err()
}
