package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "feedwatch/pkg/logx"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS watch_state (
	entity_id    BIGINT PRIMARY KEY,
	last_seen_id TEXT NOT NULL DEFAULT '',
	baseline_set BOOLEAN NOT NULL DEFAULT FALSE,
	live_status  TEXT NOT NULL DEFAULT '',
	live_since   BIGINT NOT NULL DEFAULT 0,
	updated_at   BIGINT NOT NULL DEFAULT 0
)`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	st, err := newPostgresStore(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// newPostgresStore ensures the schema exists on an already opened handle.
func newPostgresStore(db *sql.DB, log logx.Logger) (*postgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Driver() string { return "postgres" }

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) LoadWatchState(ctx context.Context, entity uint64) (WatchState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT last_seen_id, baseline_set, live_status, live_since, updated_at FROM watch_state WHERE entity_id = $1`,
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

func (s *postgresStore) SaveWatchState(ctx context.Context, entity uint64, st WatchState) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_state (entity_id, last_seen_id, baseline_set, live_status, live_since, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id)
		DO UPDATE SET last_seen_id = EXCLUDED.last_seen_id,
			baseline_set = EXCLUDED.baseline_set,
			live_status = EXCLUDED.live_status,
			live_since = EXCLUDED.live_since,
			updated_at = EXCLUDED.updated_at`,
		int64(entity), st.LastSeenID, st.BaselineSet, string(st.LiveStatus), unixMilli(st.LiveSince), unixMilli(st.UpdatedAt),
	)
	return err
}

func (s *postgresStore) ListWatchStates(ctx context.Context) (map[uint64]WatchState, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return listWatchStates(ctx, s.db)
}
