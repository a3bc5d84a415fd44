package storage

import (
	"context"
	"errors"
	"strings"

	logx "feedwatch/pkg/logx"
)

const defaultFilePath = "./data/feedwatch.state"

// Store persists WatchState keyed by entity id.
type Store interface {
	LoadWatchState(ctx context.Context, entity uint64) (WatchState, bool, error)
	SaveWatchState(ctx context.Context, entity uint64, st WatchState) error
	ListWatchStates(ctx context.Context) (map[uint64]WatchState, error)
	Driver() string
	Close() error
}

// Open initializes the configured store. An empty driver selects the file
// driver at ./data/feedwatch.state.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = defaultFilePath
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory", "none":
		log.Warn("storage is in-memory; watch state is lost on restart")
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
