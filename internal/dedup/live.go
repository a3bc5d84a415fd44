package dedup

import (
	"context"
	"fmt"
	"time"

	"feedwatch/internal/feed"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

type TransitionKind int

const (
	TransitionNone TransitionKind = iota
	// TransitionBaseline is the first observation; nothing is announced.
	TransitionBaseline
	TransitionStarted
	TransitionEnded
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionBaseline:
		return "baseline"
	case TransitionStarted:
		return "started"
	case TransitionEnded:
		return "ended"
	default:
		return "none"
	}
}

// LiveTransition reports a live-room state change. Since is when the
// stream was first seen live; zero when unknown. Status and At are what
// CommitLive stores once the announcement was handed to delivery.
type LiveTransition struct {
	Kind   TransitionKind
	Since  time.Time
	Status storage.LiveStatus
	At     time.Time
}

// Announce reports whether the transition produces a post.
func (tr LiveTransition) Announce() bool {
	return tr.Kind == TransitionStarted || tr.Kind == TransitionEnded
}

// ObserveLive compares the current live status with the stored one. The
// first observation is stored immediately; a start or end is only stored
// by CommitLive, after its post was handed to delivery.
func (t *Tracker) ObserveLive(ctx context.Context, entity feed.EntityID, live bool, now time.Time) (LiveTransition, error) {
	unlock := t.lock(entity)
	defer unlock()

	st, _, err := t.store.LoadWatchState(ctx, uint64(entity))
	if err != nil {
		return LiveTransition{}, fmt.Errorf("dedup: load %s: %w", entity, err)
	}

	next := storage.LiveOffline
	if live {
		next = storage.LiveOn
	}
	prev := st.LiveStatus
	if prev == next {
		return LiveTransition{}, nil
	}

	tr := LiveTransition{Status: next, At: now}
	switch {
	case prev == storage.LiveUnknown:
		tr.Kind = TransitionBaseline
		if err := t.saveLive(ctx, entity, st, tr); err != nil {
			return LiveTransition{}, err
		}
		return tr, nil
	case live:
		tr.Kind = TransitionStarted
		tr.Since = now
	default:
		tr.Kind = TransitionEnded
		tr.Since = st.LiveSince
	}
	return tr, nil
}

// CommitLive stores the status carried by tr. A transition that no longer
// matches the stored status (committed twice) is ignored.
func (t *Tracker) CommitLive(ctx context.Context, entity feed.EntityID, tr LiveTransition) error {
	if !tr.Announce() {
		return nil
	}
	unlock := t.lock(entity)
	defer unlock()

	st, _, err := t.store.LoadWatchState(ctx, uint64(entity))
	if err != nil {
		return fmt.Errorf("dedup: load %s: %w", entity, err)
	}
	if st.LiveStatus == tr.Status {
		return nil
	}
	return t.saveLive(ctx, entity, st, tr)
}

func (t *Tracker) saveLive(ctx context.Context, entity feed.EntityID, st storage.WatchState, tr LiveTransition) error {
	st.LiveStatus = tr.Status
	st.LiveSince = time.Time{}
	if tr.Status == storage.LiveOn {
		st.LiveSince = tr.At
	}
	st.UpdatedAt = tr.At
	if err := t.store.SaveWatchState(ctx, uint64(entity), st); err != nil {
		return fmt.Errorf("dedup: save live %s: %w", entity, err)
	}
	t.log.Debug("live status", logx.Entity(uint64(entity)), logx.String("status", string(tr.Status)), logx.String("transition", tr.Kind.String()))
	return nil
}
