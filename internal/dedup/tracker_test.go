package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwatch/internal/feed"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

func items(ids ...string) []feed.RawItem {
	out := make([]feed.RawItem, len(ids))
	for i, id := range ids {
		out[i] = feed.RawItem{ID: id, Tier: feed.TierPrimary}
	}
	return out
}

func ids(items []feed.RawItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func newTracker(t *testing.T, max int) (*Tracker, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, max, logx.Nop()), st
}

func TestFirstPollIsBaseline(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()

	phase, err := tr.Phase(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PhaseUnseen, phase)

	d, err := tr.ShouldEmit(ctx, 7, items("105", "104", "103"))
	require.NoError(t, err)
	assert.True(t, d.Baseline)
	assert.Empty(t, d.Emit)
	assert.Empty(t, d.NewMarker)

	ws, ok, err := st.LoadWatchState(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ws.BaselineSet)
	assert.Equal(t, "105", ws.LastSeenID)

	phase, err = tr.Phase(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, PhaseTracking, phase)

	// Same list again emits nothing.
	d, err = tr.ShouldEmit(ctx, 7, items("105", "104", "103"))
	require.NoError(t, err)
	assert.False(t, d.Baseline)
	assert.Empty(t, d.Emit)
}

func TestEmitsNewerOldestFirst(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveWatchState(ctx, 1, storage.WatchState{LastSeenID: "100", BaselineSet: true}))

	d, err := tr.ShouldEmit(ctx, 1, items("103", "102", "101", "100", "99"))
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102", "103"}, ids(d.Emit))
	assert.Equal(t, "103", d.NewMarker)

	// Nothing is stored until Commit.
	ws, _, _ := st.LoadWatchState(ctx, 1)
	assert.Equal(t, "100", ws.LastSeenID)

	require.NoError(t, tr.Commit(ctx, 1, d.NewMarker))
	ws, _, _ = st.LoadWatchState(ctx, 1)
	assert.Equal(t, "103", ws.LastSeenID)

	d, err = tr.ShouldEmit(ctx, 1, items("103", "102", "101"))
	require.NoError(t, err)
	assert.Empty(t, d.Emit)
}

func TestMaxPerCycleCarriesRemainder(t *testing.T) {
	tr, st := newTracker(t, 2)
	ctx := context.Background()
	require.NoError(t, st.SaveWatchState(ctx, 1, storage.WatchState{LastSeenID: "10", BaselineSet: true}))
	cands := items("15", "14", "13", "12", "11")

	d, err := tr.ShouldEmit(ctx, 1, cands)
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "12"}, ids(d.Emit))
	require.NoError(t, tr.Commit(ctx, 1, d.NewMarker))

	d, err = tr.ShouldEmit(ctx, 1, cands)
	require.NoError(t, err)
	assert.Equal(t, []string{"13", "14"}, ids(d.Emit))
	require.NoError(t, tr.Commit(ctx, 1, d.NewMarker))

	d, err = tr.ShouldEmit(ctx, 1, cands)
	require.NoError(t, err)
	assert.Equal(t, []string{"15"}, ids(d.Emit))
}

func TestNonNumericIDsEmitOnlyNewest(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveWatchState(ctx, 1, storage.WatchState{LastSeenID: "abc", BaselineSet: true}))

	d, err := tr.ShouldEmit(ctx, 1, items("xyz", "def", "abc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz"}, ids(d.Emit))

	require.NoError(t, tr.Commit(ctx, 1, "xyz"))
	d, err = tr.ShouldEmit(ctx, 1, items("xyz", "def"))
	require.NoError(t, err)
	assert.Empty(t, d.Emit)
}

func TestEmptyFetchLeavesEntityUnseen(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()

	d, err := tr.ShouldEmit(ctx, 1, nil)
	require.NoError(t, err)
	assert.False(t, d.Baseline)
	assert.Empty(t, d.Emit)

	_, ok, err := st.LoadWatchState(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "empty fetch must not store a baseline")

	// The first non-empty fetch is the baseline, not a backlog.
	history := items("112", "111", "110", "109", "108", "107", "106", "105", "104", "103", "102", "101")
	d, err = tr.ShouldEmit(ctx, 1, history)
	require.NoError(t, err)
	assert.True(t, d.Baseline)
	assert.Empty(t, d.Emit)

	for range 2 {
		d, err = tr.ShouldEmit(ctx, 1, history)
		require.NoError(t, err)
		assert.Empty(t, d.Emit)
	}
}

func TestMarkerlessBaselineEmitsLaterItems(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveWatchState(ctx, 1, storage.WatchState{BaselineSet: true}))

	phase, err := tr.Phase(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PhaseBaselined, phase)

	d, err := tr.ShouldEmit(ctx, 1, items("5"))
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, ids(d.Emit))
}

func TestCommitNeverMovesBackwards(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveWatchState(ctx, 1, storage.WatchState{LastSeenID: "50", BaselineSet: true}))

	require.NoError(t, tr.Commit(ctx, 1, "40"))
	require.NoError(t, tr.Commit(ctx, 1, ""))
	ws, _, _ := st.LoadWatchState(ctx, 1)
	assert.Equal(t, "50", ws.LastSeenID)

	require.NoError(t, tr.Commit(ctx, 1, "60"))
	ws, _, _ = st.LoadWatchState(ctx, 1)
	assert.Equal(t, "60", ws.LastSeenID)
}

func TestConcurrentCommitsKeepHighest(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, st.SaveWatchState(ctx, 1, storage.WatchState{LastSeenID: "0", BaselineSet: true}))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = tr.Commit(ctx, 1, feed.EntityID(n).String())
		}(i)
	}
	wg.Wait()

	ws, _, _ := st.LoadWatchState(ctx, 1)
	assert.Equal(t, "50", ws.LastSeenID)
	assert.Empty(t, tr.locks)
}

func TestObserveLive(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	t0 := time.Unix(1_000, 0)

	got, err := tr.ObserveLive(ctx, 3, true, t0)
	require.NoError(t, err)
	assert.Equal(t, TransitionBaseline, got.Kind)
	assert.False(t, got.Announce())

	got, err = tr.ObserveLive(ctx, 3, true, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TransitionNone, got.Kind)

	got, err = tr.ObserveLive(ctx, 3, false, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, TransitionEnded, got.Kind)
	assert.True(t, got.Since.Equal(t0))
	require.NoError(t, tr.CommitLive(ctx, 3, got))

	t1 := t0.Add(2 * time.Hour)
	got, err = tr.ObserveLive(ctx, 3, true, t1)
	require.NoError(t, err)
	assert.Equal(t, TransitionStarted, got.Kind)
	assert.True(t, got.Since.Equal(t1))
	require.NoError(t, tr.CommitLive(ctx, 3, got))
	require.NoError(t, tr.CommitLive(ctx, 3, got), "second commit is a no-op")

	// Live tracking does not baseline the feed.
	ws, ok, err := st.LoadWatchState(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ws.BaselineSet)
	assert.Equal(t, storage.LiveOn, ws.LiveStatus)
	assert.True(t, ws.LiveSince.Equal(t1))

	d, err := tr.ShouldEmit(ctx, 3, items("9"))
	require.NoError(t, err)
	assert.True(t, d.Baseline)
	ws, _, _ = st.LoadWatchState(ctx, 3)
	assert.Equal(t, storage.LiveOn, ws.LiveStatus)
}

func TestLiveTransitionStoredOnlyOnCommit(t *testing.T) {
	tr, st := newTracker(t, 0)
	ctx := context.Background()
	t0 := time.Unix(1_000, 0)

	_, err := tr.ObserveLive(ctx, 4, false, t0)
	require.NoError(t, err)

	got, err := tr.ObserveLive(ctx, 4, true, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, TransitionStarted, got.Kind)

	ws, _, err := st.LoadWatchState(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, storage.LiveOffline, ws.LiveStatus, "start is not stored before delivery")

	// Not committed, e.g. the process stopped: the start is reported again.
	again, err := tr.ObserveLive(ctx, 4, true, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TransitionStarted, again.Kind)

	require.NoError(t, tr.CommitLive(ctx, 4, again))
	ws, _, _ = st.LoadWatchState(ctx, 4)
	assert.Equal(t, storage.LiveOn, ws.LiveStatus)
}
