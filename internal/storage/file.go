package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logx "feedwatch/pkg/logx"
)

const fileCompactEvery = 500

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (compacted map entity -> state)
//   - <prefix>.journal.jsonl (append-only, replayed over the snapshot)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	states       map[uint64]WatchState
	writes       int
}

type journalRecord struct {
	Entity uint64     `json:"entity"`
	State  WatchState `json:"state"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	states := map[uint64]WatchState{}
	if err := loadSnapshot(snapPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("entities", len(states)))
	return &fileStore{log: log, snapshotPath: snapPath, journal: jf, states: states}, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) LoadWatchState(_ context.Context, entity uint64) (WatchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return WatchState{}, false, ErrClosed
	}
	st, ok := s.states[entity]
	return st, ok, nil
}

func (s *fileStore) SaveWatchState(_ context.Context, entity uint64, st WatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Entity: entity, State: st}); err != nil {
		return err
	}
	s.states[entity] = st
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListWatchStates(context.Context) (map[uint64]WatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]WatchState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

// Close compacts the journal into the snapshot and closes it.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string]WatchState, len(s.states))
	for k, v := range s.states {
		snap[strconv.FormatUint(k, 10)] = v
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[uint64]WatchState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]WatchState
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return nil
}

// replayJournal applies records in order; a torn trailing line is skipped.
func replayJournal(path string, out map[uint64]WatchState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Entity == 0 {
			continue
		}
		out[r.Entity] = r.State
	}
	return sc.Err()
}
