package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	states map[uint64]WatchState
	closed bool
}

func NewMemory() Store {
	return &memoryStore{states: map[uint64]WatchState{}}
}

func (s *memoryStore) Driver() string { return "memory" }

func (s *memoryStore) LoadWatchState(_ context.Context, entity uint64) (WatchState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return WatchState{}, false, ErrClosed
	}
	st, ok := s.states[entity]
	return st, ok, nil
}

func (s *memoryStore) SaveWatchState(_ context.Context, entity uint64, st WatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.states[entity] = st
	return nil
}

func (s *memoryStore) ListWatchStates(context.Context) (map[uint64]WatchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[uint64]WatchState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
