// Package dedup tracks the newest handled item per watched entity so each
// post is delivered at most once and a cold start never floods.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"feedwatch/internal/feed"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

// DefaultMaxPerCycle bounds how many items one entity emits per cycle.
const DefaultMaxPerCycle = 10

// Phase is the tracking state of one entity.
type Phase int

const (
	// PhaseUnseen: no successful poll recorded yet.
	PhaseUnseen Phase = iota
	// PhaseBaselined: baseline flag stored without a marker; every later
	// item counts as new.
	PhaseBaselined
	// PhaseTracking: a marker is stored; newer items are emitted.
	PhaseTracking
)

func (p Phase) String() string {
	switch p {
	case PhaseUnseen:
		return "unseen"
	case PhaseBaselined:
		return "baselined"
	default:
		return "tracking"
	}
}

// Decision is the outcome of ShouldEmit.
type Decision struct {
	// Emit is ordered oldest first.
	Emit []feed.RawItem
	// NewMarker is the id to Commit once Emit was handed to delivery.
	// Empty when there is nothing to commit.
	NewMarker string
	// Baseline is set when this call stored the entity's first marker.
	Baseline bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Tracker owns WatchState. Calls for one entity are serialized; different
// entities proceed in parallel.
type Tracker struct {
	store       storage.Store
	maxPerCycle int
	log         logx.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[feed.EntityID]*keyLock
}

func New(store storage.Store, maxPerCycle int, log logx.Logger) *Tracker {
	if maxPerCycle <= 0 {
		maxPerCycle = DefaultMaxPerCycle
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		store:       store,
		maxPerCycle: maxPerCycle,
		log:         log,
		now:         time.Now,
		locks:       map[feed.EntityID]*keyLock{},
	}
}

func (t *Tracker) SetMaxPerCycle(n int) {
	if n <= 0 {
		n = DefaultMaxPerCycle
	}
	t.mu.Lock()
	t.maxPerCycle = n
	t.mu.Unlock()
}

func (t *Tracker) lock(entity feed.EntityID) func() {
	t.mu.Lock()
	l := t.locks[entity]
	if l == nil {
		l = &keyLock{}
		t.locks[entity] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, entity)
		}
		t.mu.Unlock()
	}
}

// Phase reports the entity's tracking state.
func (t *Tracker) Phase(ctx context.Context, entity feed.EntityID) (Phase, error) {
	st, ok, err := t.store.LoadWatchState(ctx, uint64(entity))
	if err != nil {
		return PhaseUnseen, fmt.Errorf("dedup: load %s: %w", entity, err)
	}
	return phaseOf(st, ok), nil
}

func phaseOf(st storage.WatchState, ok bool) Phase {
	switch {
	case !ok || !st.BaselineSet:
		return PhaseUnseen
	case st.LastSeenID == "":
		return PhaseBaselined
	default:
		return PhaseTracking
	}
}

// ShouldEmit decides which candidates (newest first, pinned already removed)
// are new. The first call with at least one candidate stores the newest id as
// baseline and emits nothing; an empty list leaves the entity unseen.
func (t *Tracker) ShouldEmit(ctx context.Context, entity feed.EntityID, candidates []feed.RawItem) (Decision, error) {
	unlock := t.lock(entity)
	defer unlock()

	st, ok, err := t.store.LoadWatchState(ctx, uint64(entity))
	if err != nil {
		return Decision{}, fmt.Errorf("dedup: load %s: %w", entity, err)
	}

	if !ok || !st.BaselineSet {
		// Nothing visible yet: stay unseen so the first non-empty fetch
		// becomes the baseline instead of a backlog.
		if len(candidates) == 0 {
			return Decision{}, nil
		}
		st.BaselineSet = true
		st.LastSeenID = candidates[0].ID
		st.UpdatedAt = t.now()
		if err := t.store.SaveWatchState(ctx, uint64(entity), st); err != nil {
			return Decision{}, fmt.Errorf("dedup: save baseline %s: %w", entity, err)
		}
		t.log.Info("baseline set", logx.Entity(uint64(entity)), logx.String("marker", st.LastSeenID), logx.Int("skipped", len(candidates)))
		return Decision{Baseline: true}, nil
	}

	t.mu.Lock()
	limit := t.maxPerCycle
	t.mu.Unlock()

	emit := selectNew(candidates, st.LastSeenID, limit)
	if len(emit) == 0 {
		return Decision{}, nil
	}
	return Decision{Emit: emit, NewMarker: emit[len(emit)-1].ID}, nil
}

// selectNew returns unseen candidates oldest first. Comparable ids emit
// everything newer than marker up to limit, oldest first; otherwise only the
// newest candidate is emitted when it differs from marker.
func selectNew(candidates []feed.RawItem, marker string, limit int) []feed.RawItem {
	if len(candidates) == 0 {
		return nil
	}
	m, markerErr := parseID(marker)
	if marker == "" {
		m, markerErr = 0, nil
	}
	if markerErr != nil || !feed.AllNumeric(candidates) {
		if candidates[0].ID == marker {
			return nil
		}
		return []feed.RawItem{candidates[0]}
	}

	var newer []feed.RawItem
	for _, c := range candidates {
		id, _ := parseID(c.ID)
		if id > m {
			newer = append(newer, c)
		}
	}
	// newest first -> oldest first
	for i, j := 0, len(newer)-1; i < j; i, j = i+1, j-1 {
		newer[i], newer[j] = newer[j], newer[i]
	}
	if len(newer) > limit {
		newer = newer[:limit]
	}
	return newer
}

// Commit records marker as handled. A marker older than the stored one is
// ignored.
func (t *Tracker) Commit(ctx context.Context, entity feed.EntityID, marker string) error {
	if marker == "" {
		return nil
	}
	unlock := t.lock(entity)
	defer unlock()

	st, _, err := t.store.LoadWatchState(ctx, uint64(entity))
	if err != nil {
		return fmt.Errorf("dedup: load %s: %w", entity, err)
	}
	if !advances(st.LastSeenID, marker) {
		return nil
	}
	st.LastSeenID = marker
	st.BaselineSet = true
	st.UpdatedAt = t.now()
	if err := t.store.SaveWatchState(ctx, uint64(entity), st); err != nil {
		return fmt.Errorf("dedup: commit %s: %w", entity, err)
	}
	t.log.Debug("marker committed", logx.Entity(uint64(entity)), logx.String("marker", marker))
	return nil
}

func advances(old, next string) bool {
	if old == next {
		return false
	}
	a, errA := parseID(old)
	b, errB := parseID(next)
	if errA == nil && errB == nil {
		return b > a
	}
	return true
}

func parseID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
