package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwatch/internal/dedup"
	"feedwatch/internal/delivery"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/feed"
	"feedwatch/internal/storage"
	"feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	items map[feed.EntityID][]feed.RawItem
	errs  map[feed.EntityID]error
	calls map[feed.EntityID]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{items: map[feed.EntityID][]feed.RawItem{}, errs: map[feed.EntityID]error{}, calls: map[feed.EntityID]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, e feed.EntityID) ([]feed.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[e]++
	return f.items[e], f.errs[e]
}

func (f *fakeFetcher) set(e feed.EntityID, items ...feed.RawItem) {
	f.mu.Lock()
	f.items[e] = items
	f.mu.Unlock()
}

type delivered struct {
	post  feed.Post
	dests []transport.ChatTarget
}

type fakeEngine struct {
	mu   sync.Mutex
	sent []delivered
}

func (f *fakeEngine) Deliver(_ context.Context, p feed.Post, dests []transport.ChatTarget) []delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivered{post: p, dests: dests})
	out := make([]delivery.Result, len(dests))
	for i, d := range dests {
		out[i] = delivery.Result{Destination: d}
	}
	return out
}

func (f *fakeEngine) itemIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.sent {
		out = append(out, d.post.ItemID)
	}
	return out
}

type fakeLive struct {
	mu   sync.Mutex
	live bool
}

func (f *fakeLive) LiveStatus(_ context.Context, e feed.EntityID) (feed.LiveInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return feed.LiveInfo{EntityID: e, Author: "streamer", Live: f.live, RoomID: 9, Title: "show", URL: "https://live.bilibili.com/9"}, nil
}

func word(id, text string) feed.RawItem {
	payload := fmt.Sprintf(`{"id_str":%q,"type":"DYNAMIC_TYPE_WORD","modules":{"module_author":{"name":"up"},"module_dynamic":{"desc":{"text":%q}}}}`, id, text)
	return feed.RawItem{ID: id, Tier: feed.TierPrimary, Type: "DYNAMIC_TYPE_WORD", Payload: json.RawMessage(payload)}
}

type fixture struct {
	fetch  *fakeFetcher
	engine *fakeEngine
	store  storage.Store
	sched  *Scheduler
}

func newFixture(t *testing.T, settings Settings, routes []feed.Route, live LiveChecker, bus eventbus.Bus) *fixture {
	t.Helper()
	f := &fixture{fetch: newFakeFetcher(), engine: &fakeEngine{}, store: storage.NewMemory()}
	tracker := dedup.New(f.store, 0, logx.Nop())
	settings.Enabled = true
	f.sched = New(Deps{Fetcher: f.fetch, Live: live, Tracker: tracker, Engine: f.engine, Bus: bus}, settings, routes, logx.Nop())
	return f
}

var (
	chatA = transport.ChatTarget{ChatID: -1}
	chatB = transport.ChatTarget{ChatID: -2, ThreadID: 3}
)

func TestCycleFetchesEachEntityOnce(t *testing.T) {
	routes := []feed.Route{
		{Entities: []feed.EntityID{1, 2}, Destinations: []transport.ChatTarget{chatA}},
		{Entities: []feed.EntityID{2}, Destinations: []transport.ChatTarget{chatB, chatA}},
	}
	f := newFixture(t, Settings{}, routes, nil, nil)
	ctx := context.Background()
	f.fetch.set(1, word("3", "old"))
	f.fetch.set(2, word("10", "old"))

	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, 2, rep.Entities)
	assert.Equal(t, 2, rep.Baseline)
	assert.Equal(t, map[feed.EntityID]int{1: 1, 2: 1}, f.fetch.calls)

	f.fetch.set(2, word("11", "new"))
	f.sched.RunCycle(ctx)
	require.Len(t, f.engine.sent, 1)
	assert.Equal(t, []transport.ChatTarget{chatA, chatB}, f.engine.sent[0].dests)
	assert.Equal(t, map[feed.EntityID]int{1: 2, 2: 2}, f.fetch.calls)
}

func TestBaselineThenEmitOldestFirst(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{7}, Destinations: []transport.ChatTarget{chatA}}}
	f := newFixture(t, Settings{}, routes, nil, nil)
	ctx := context.Background()

	f.fetch.set(7, word("100", "old"), word("99", "older"))
	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, 1, rep.Baseline)
	assert.Empty(t, f.engine.sent, "cold start never emits")

	pinned := word("500", "pinned")
	pinned.Pinned = true
	f.fetch.set(7, pinned, word("103", "c"), word("102", "b"), word("101", "a"), word("100", "old"))
	rep = f.sched.RunCycle(ctx)
	assert.Equal(t, 3, rep.Emitted)
	assert.Equal(t, []string{"101", "102", "103"}, f.engine.itemIDs())
	assert.Equal(t, "a", f.engine.sent[0].post.Text)

	ws, _, err := f.store.LoadWatchState(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "103", ws.LastSeenID)

	// Nothing new: nothing sent again.
	f.sched.RunCycle(ctx)
	assert.Len(t, f.engine.sent, 3)
}

func TestEntityFailureIsIsolated(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{1, 2}, Destinations: []transport.ChatTarget{chatA}}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	f := newFixture(t, Settings{}, routes, nil, bus)
	ctx := context.Background()
	f.fetch.set(1, word("1", "old"))
	f.fetch.set(2, word("4", "old"))
	f.sched.RunCycle(ctx)

	f.fetch.errs[1] = fmt.Errorf("boom: %w", feed.ErrAllTiersFailed)
	f.fetch.set(2, word("5", "fine"))
	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Emitted)
	assert.Equal(t, []string{"5"}, f.engine.itemIDs())

	var sawFailure, sawCycle bool
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case eventbus.TypeEntityFailed:
			sawFailure = true
			assert.Equal(t, feed.EntityID(1), ev.Data.(EntityFailure).Entity)
		case eventbus.TypeCycleDone:
			sawCycle = true
		}
	}
	assert.True(t, sawFailure)
	assert.True(t, sawCycle)
}

func TestMalformedItemIsSkippedAndPassed(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{1}, Destinations: []transport.ChatTarget{chatA}}}
	dir := t.TempDir()
	f := newFixture(t, Settings{DumpDir: dir}, routes, nil, nil)
	ctx := context.Background()
	f.fetch.set(1, word("1", "x"))
	f.sched.RunCycle(ctx)

	bad := feed.RawItem{ID: "2", Tier: feed.TierPrimary, Payload: json.RawMessage(`{"id_str":`)}
	f.fetch.set(1, word("3", "after"), bad)
	f.sched.RunCycle(ctx)
	assert.Equal(t, []string{"3"}, f.engine.itemIDs())

	ws, _, _ := f.store.LoadWatchState(ctx, 1)
	assert.Equal(t, "3", ws.LastSeenID)

	b, err := os.ReadFile(filepath.Join(dir, "1", "3.json"))
	require.NoError(t, err)
	var rec dumpRecord
	require.NoError(t, json.Unmarshal(b, &rec))
	require.NotNil(t, rec.Post)
	assert.Equal(t, "after", rec.Post.Text)
	_, err = os.Stat(filepath.Join(dir, "1", "2.json"))
	assert.NoError(t, err, "unrenderable items are dumped too")
}

func TestLiveTransitionsAreDelivered(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{4}, Destinations: []transport.ChatTarget{chatA}}}
	live := &fakeLive{}
	f := newFixture(t, Settings{LiveWatch: true}, routes, live, nil)
	ctx := context.Background()

	f.sched.RunCycle(ctx)
	assert.Empty(t, f.engine.sent, "first observation is a baseline")

	live.live = true
	f.sched.RunCycle(ctx)
	require.Len(t, f.engine.sent, 1)
	assert.Equal(t, feed.KindLiveStart, f.engine.sent[0].post.Kind)

	f.sched.RunCycle(ctx)
	assert.Len(t, f.engine.sent, 1)

	live.live = false
	f.sched.RunCycle(ctx)
	require.Len(t, f.engine.sent, 2)
	assert.Equal(t, feed.KindLiveEnd, f.engine.sent[1].post.Kind)
}

func TestEmptyColdStartDoesNotFloodHistory(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{6}, Destinations: []transport.ChatTarget{chatA}}}
	f := newFixture(t, Settings{}, routes, nil, nil)
	ctx := context.Background()

	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, 0, rep.Baseline)

	var history []feed.RawItem
	for id := 112; id >= 101; id-- {
		history = append(history, word(fmt.Sprint(id), "old"))
	}
	f.fetch.set(6, history...)
	rep = f.sched.RunCycle(ctx)
	assert.Equal(t, 1, rep.Baseline)
	f.sched.RunCycle(ctx)
	f.sched.RunCycle(ctx)
	assert.Empty(t, f.engine.itemIDs(), "visible history is the baseline")
}

// storeReadingEngine records the stored live status seen while a post is
// being delivered.
type storeReadingEngine struct {
	fakeEngine
	store  storage.Store
	seen   []storage.LiveStatus
	entity feed.EntityID
}

func (e *storeReadingEngine) Deliver(ctx context.Context, p feed.Post, dests []transport.ChatTarget) []delivery.Result {
	ws, _, _ := e.store.LoadWatchState(ctx, uint64(e.entity))
	e.mu.Lock()
	e.seen = append(e.seen, ws.LiveStatus)
	e.mu.Unlock()
	return e.fakeEngine.Deliver(ctx, p, dests)
}

func TestLiveStatusStoredAfterDelivery(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{4}, Destinations: []transport.ChatTarget{chatA}}}
	store := storage.NewMemory()
	live := &fakeLive{}
	engine := &storeReadingEngine{store: store, entity: 4}
	s := New(Deps{Fetcher: newFakeFetcher(), Live: live, Tracker: dedup.New(store, 0, logx.Nop()), Engine: engine},
		Settings{Enabled: true, LiveWatch: true}, routes, logx.Nop())
	ctx := context.Background()

	s.RunCycle(ctx)
	live.live = true
	s.RunCycle(ctx)
	live.live = false
	s.RunCycle(ctx)

	assert.Equal(t, []storage.LiveStatus{storage.LiveOffline, storage.LiveOn}, engine.seen)
	ws, _, err := store.LoadWatchState(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, storage.LiveOffline, ws.LiveStatus)
}

type panickingEngine struct{ calls atomic.Int32 }

func (p *panickingEngine) Deliver(context.Context, feed.Post, []transport.ChatTarget) []delivery.Result {
	p.calls.Add(1)
	panic("renderer bug")
}

func TestEntityPanicIsIsolated(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{1, 2}, Destinations: []transport.ChatTarget{chatA}}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeEntityFailed)
	defer unsub()
	fetch := newFakeFetcher()
	store := storage.NewMemory()
	engine := &panickingEngine{}
	s := New(Deps{Fetcher: fetch, Tracker: dedup.New(store, 0, logx.Nop()), Engine: engine, Bus: bus},
		Settings{Enabled: true}, routes, logx.Nop())
	ctx := context.Background()

	fetch.set(1, word("1", "old"))
	s.RunCycle(ctx)
	fetch.set(1, word("2", "new"), word("1", "old"))

	var rep CycleReport
	require.NotPanics(t, func() { rep = s.RunCycle(ctx) })
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, int32(1), engine.calls.Load())

	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, "panic", ev.Data.(EntityFailure).Stage)
	assert.Equal(t, feed.EntityID(1), ev.Data.(EntityFailure).Entity)
}

func TestCancelledCycleDispatchesNothing(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{1, 2, 3}, Destinations: []transport.ChatTarget{chatA}}}
	f := newFixture(t, Settings{}, routes, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, 3, rep.Skipped)
	assert.Empty(t, f.fetch.calls)
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	seenErr atomic.Value
}

func (b *blockingFetcher) Fetch(ctx context.Context, _ feed.EntityID) ([]feed.RawItem, error) {
	close(b.started)
	<-b.release
	if err := ctx.Err(); err != nil {
		b.seenErr.Store(err)
		return nil, err
	}
	return nil, nil
}

func TestStartedEntityDrainsAfterCancel(t *testing.T) {
	routes := []feed.Route{{Entities: []feed.EntityID{1}, Destinations: []transport.ChatTarget{chatA}}}
	bf := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	tracker := dedup.New(storage.NewMemory(), 0, logx.Nop())
	s := New(Deps{Fetcher: bf, Tracker: tracker, Engine: &fakeEngine{}}, Settings{Enabled: true, DrainTimeout: time.Minute}, routes, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleReport)
	go func() { done <- s.RunCycle(ctx) }()

	<-bf.started
	cancel()
	close(bf.release)
	rep := <-done
	assert.Equal(t, 0, rep.Failed)
	assert.Nil(t, bf.seenErr.Load(), "started entity keeps a live context while draining")
}

func TestNextDelayBounds(t *testing.T) {
	f := newFixture(t, Settings{Interval: 20 * time.Second, Jitter: 5 * time.Second}, nil, nil, nil)

	f.sched.jitter = func(n int64) int64 { return 0 }
	assert.Equal(t, 15*time.Second, f.sched.NextDelay())
	f.sched.jitter = func(n int64) int64 { return n - 1 }
	assert.Equal(t, 25*time.Second, f.sched.NextDelay())

	f.sched.Apply(Settings{Interval: 6 * time.Second, Jitter: 4 * time.Second}, nil)
	f.sched.jitter = func(n int64) int64 { return 0 }
	assert.Equal(t, MinInterval, f.sched.NextDelay())

	f.sched.jitter = func(n int64) int64 { return n / 2 }
	for i := 0; i < 3; i++ {
		assert.Equal(t, 6*time.Second, f.sched.NextDelay())
	}
}

func TestRunIdlesWhileDisabled(t *testing.T) {
	f := newFixture(t, Settings{}, []feed.Route{{Entities: []feed.EntityID{1}, Destinations: []transport.ChatTarget{chatA}}}, nil, nil)
	f.sched.Apply(Settings{Enabled: false}, []feed.Route{{Entities: []feed.EntityID{1}, Destinations: []transport.ChatTarget{chatA}}})

	var waits []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	f.sched.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	require.NoError(t, f.sched.Run(ctx))
	assert.Equal(t, []time.Duration{3 * time.Second, 60 * time.Second, 60 * time.Second}, waits)
	assert.Empty(t, f.fetch.calls)
}

type countingTarget struct{ n atomic.Int32 }

func (c *countingTarget) Refresh(context.Context) error {
	c.n.Add(1)
	return errors.New("still failing")
}

func TestRefresherTicks(t *testing.T) {
	target := &countingTarget{}
	r := NewRefresher(target, time.Second, logx.Nop())
	r.Start(context.Background())
	defer r.Stop(context.Background())

	assert.False(t, r.Next().IsZero())
	require.Eventually(t, func() bool { return target.n.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	r.Apply(time.Hour)
	assert.WithinDuration(t, time.Now().Add(time.Hour), r.Next(), 2*time.Second)
}
