// Package monitor drives the polling loop: every cycle it fetches each
// watched entity once, emits new posts through the delivery engine and
// announces live-room transitions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feedwatch/internal/dedup"
	"feedwatch/internal/delivery"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/feed"
	"feedwatch/internal/observability/metrics"
	"feedwatch/internal/render"
	"feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

// MinInterval is the floor of the jittered poll interval.
const MinInterval = 5 * time.Second

type Fetcher interface {
	Fetch(ctx context.Context, entity feed.EntityID) ([]feed.RawItem, error)
}

type LiveChecker interface {
	LiveStatus(ctx context.Context, entity feed.EntityID) (feed.LiveInfo, error)
}

type Tracker interface {
	ShouldEmit(ctx context.Context, entity feed.EntityID, candidates []feed.RawItem) (dedup.Decision, error)
	Commit(ctx context.Context, entity feed.EntityID, marker string) error
	ObserveLive(ctx context.Context, entity feed.EntityID, live bool, now time.Time) (dedup.LiveTransition, error)
	CommitLive(ctx context.Context, entity feed.EntityID, tr dedup.LiveTransition) error
}

type Deliverer interface {
	Deliver(ctx context.Context, post feed.Post, dests []transport.ChatTarget) []delivery.Result
}

// Settings is the hot-reloadable part of the scheduler.
type Settings struct {
	Enabled      bool
	Interval     time.Duration // default 120s
	Jitter       time.Duration // default 10s
	Workers      int           // default 4
	DrainTimeout time.Duration // default 30s
	StartupDelay time.Duration // default 3s
	IdleRecheck  time.Duration // default 60s
	LiveWatch    bool
	// DumpDir, when set, receives raw and rendered copies of emitted items.
	DumpDir string
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = 120 * time.Second
	}
	if s.Jitter < 0 {
		s.Jitter = 0
	} else if s.Jitter == 0 {
		s.Jitter = 10 * time.Second
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = 30 * time.Second
	}
	if s.StartupDelay < 0 {
		s.StartupDelay = 0
	} else if s.StartupDelay == 0 {
		s.StartupDelay = 3 * time.Second
	}
	if s.IdleRecheck <= 0 {
		s.IdleRecheck = 60 * time.Second
	}
	return s
}

// DrainTimeoutOrDefault is the effective drain bound after defaults.
func (s Settings) DrainTimeoutOrDefault() time.Duration {
	return s.withDefaults().DrainTimeout
}

// Deps are the collaborators of a Scheduler. Live and Bus and Metrics are
// optional.
type Deps struct {
	Fetcher Fetcher
	Live    LiveChecker
	Tracker Tracker
	Engine  Deliverer
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Entities int
	Failed   int
	Skipped  int
	Emitted  int
	Baseline int
	Took     time.Duration
}

// EntityFailure is published when an entity is skipped for a cycle.
type EntityFailure struct {
	Entity feed.EntityID
	Stage  string
	Error  string
}

// Scheduler holds everything one polling loop needs. Several may run in
// one process.
type Scheduler struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	settings Settings
	routes   map[feed.EntityID][]transport.ChatTarget

	render func(feed.RawItem, feed.EntityID) (feed.Post, error)
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

func New(deps Deps, settings Settings, routes []feed.Route, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		deps:     deps,
		log:      log,
		settings: settings.withDefaults(),
		routes:   feed.ResolveRoutes(routes),
		render:   render.Render,
		now:      time.Now,
		wait:     sleepCtx,
		jitter:   rand.Int64N,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Apply swaps settings and routes; the next cycle uses them.
func (s *Scheduler) Apply(settings Settings, routes []feed.Route) {
	s.mu.Lock()
	s.settings = settings.withDefaults()
	s.routes = feed.ResolveRoutes(routes)
	s.mu.Unlock()
}

func (s *Scheduler) snapshot() (Settings, map[feed.EntityID][]transport.ChatTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.routes
}

// NextDelay is interval plus uniform jitter in [-jitter, +jitter], never
// below MinInterval.
func (s *Scheduler) NextDelay() time.Duration {
	st, _ := s.snapshot()
	d := st.Interval
	if st.Jitter > 0 {
		d += time.Duration(s.jitter(int64(2*st.Jitter)+1)) - st.Jitter
	}
	return max(d, MinInterval)
}

// Run polls until ctx is cancelled. A cycle in progress finishes its
// started entities before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	st, _ := s.snapshot()
	s.log.Info("scheduler started", logx.Duration("interval", st.Interval), logx.Duration("jitter", st.Jitter), logx.Int("workers", st.Workers))
	if err := s.wait(ctx, st.StartupDelay); err != nil {
		return nil
	}
	for {
		st, _ = s.snapshot()
		if !st.Enabled {
			s.log.Debug("polling disabled", logx.Duration("recheck", st.IdleRecheck))
			if err := s.wait(ctx, st.IdleRecheck); err != nil {
				return nil
			}
			continue
		}
		s.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err := s.wait(ctx, s.NextDelay()); err != nil {
			return nil
		}
	}
}

// RunCycle processes every routed entity once. Cancelling ctx stops
// dispatching; entities already started continue on a detached context for
// at most DrainTimeout.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	start := s.now()
	st, routes := s.snapshot()
	entities := feed.SortedEntities(routes)

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopDrain := context.AfterFunc(ctx, func() {
		time.AfterFunc(st.DrainTimeout, cancelWork)
	})
	defer stopDrain()

	var (
		mu  sync.Mutex
		rep = CycleReport{Entities: len(entities)}
		g   errgroup.Group
	)
	g.SetLimit(st.Workers)
	for _, e := range entities {
		if ctx.Err() != nil {
			mu.Lock()
			rep.Skipped++
			mu.Unlock()
			continue
		}
		entity, dests := e, routes[e]
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				rep.Skipped++
				mu.Unlock()
				return nil
			}
			r := s.safeProcessEntity(work, st, entity, dests)
			mu.Lock()
			rep.Emitted += r.emitted
			if r.baseline {
				rep.Baseline++
			}
			if r.failed {
				rep.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep.Took = s.now().Sub(start)
	s.deps.Metrics.ObserveCycle(rep.Took)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeCycleDone, Data: rep})
	}
	fields := []logx.Field{
		logx.Int("entities", rep.Entities),
		logx.Int("emitted", rep.Emitted),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed > 0 || rep.Skipped > 0 {
		s.log.Warn("cycle finished with failures", fields...)
	} else {
		s.log.Info("cycle finished", fields...)
	}
	return rep
}

type entityResult struct {
	emitted  int
	baseline bool
	failed   bool
}

// safeProcessEntity keeps a panic in one entity's work from taking down
// the cycle; it is reported as an entity failure.
func (s *Scheduler) safeProcessEntity(ctx context.Context, st Settings, entity feed.EntityID, dests []transport.ChatTarget) (res entityResult) {
	defer func() {
		if r := recover(); r != nil {
			log := s.log.With(logx.Entity(uint64(entity)))
			log.Error("entity work panicked", logx.String("stack", string(debug.Stack())))
			s.entityFailed(log, entity, "panic", fmt.Errorf("panic: %v", r))
			res = entityResult{failed: true}
		}
	}()
	return s.processEntity(ctx, st, entity, dests)
}

func (s *Scheduler) processEntity(ctx context.Context, st Settings, entity feed.EntityID, dests []transport.ChatTarget) entityResult {
	var res entityResult
	log := s.log.With(logx.Entity(uint64(entity)))

	items, err := s.deps.Fetcher.Fetch(ctx, entity)
	if err != nil {
		s.entityFailed(log, entity, "fetch", err)
		res.failed = true
	} else {
		res = s.emitNew(ctx, log, st, entity, dests, items)
	}

	if st.LiveWatch && s.deps.Live != nil && ctx.Err() == nil {
		s.checkLive(ctx, log, entity, dests)
	}
	return res
}

func (s *Scheduler) emitNew(ctx context.Context, log logx.Logger, st Settings, entity feed.EntityID, dests []transport.ChatTarget, items []feed.RawItem) entityResult {
	var res entityResult
	dec, err := s.deps.Tracker.ShouldEmit(ctx, entity, feed.Candidates(items))
	if err != nil {
		s.entityFailed(log, entity, "dedup", err)
		res.failed = true
		return res
	}
	if dec.Baseline {
		res.baseline = true
		return res
	}

	for _, raw := range dec.Emit {
		if ctx.Err() != nil {
			return res
		}
		post, err := s.render(raw, entity)
		if err != nil {
			s.deps.Metrics.IncRenderFailure()
			log.Warn("item skipped", logx.String("item", raw.ID), logx.String("tier", string(raw.Tier)), logx.Err(err))
			s.dump(log, st.DumpDir, entity, raw, nil)
		} else {
			s.dump(log, st.DumpDir, entity, raw, &post)
			s.deliver(ctx, log, post, dests)
			res.emitted++
			s.deps.Metrics.AddItemsEmitted(1)
		}
		// Handed to delivery (or unrenderable): never emit again.
		if err := s.deps.Tracker.Commit(ctx, entity, raw.ID); err != nil {
			s.entityFailed(log, entity, "commit", err)
			res.failed = true
			return res
		}
	}
	return res
}

func (s *Scheduler) deliver(ctx context.Context, log logx.Logger, post feed.Post, dests []transport.ChatTarget) {
	for _, r := range s.deps.Engine.Deliver(ctx, post, dests) {
		switch {
		case r.Err != nil:
			log.Warn("delivery failed", logx.String("item", post.ItemID), logx.Stringer("dest", r.Destination), logx.Err(r.Err))
		case r.ImagesLinked > 0:
			log.Info("delivered with image links", logx.String("item", post.ItemID), logx.Stringer("dest", r.Destination), logx.Int("images", r.ImagesSent), logx.Int("linked", r.ImagesLinked))
		default:
			log.Info("delivered", logx.String("item", post.ItemID), logx.Stringer("dest", r.Destination), logx.Int("images", r.ImagesSent))
		}
	}
}

func (s *Scheduler) checkLive(ctx context.Context, log logx.Logger, entity feed.EntityID, dests []transport.ChatTarget) {
	info, err := s.deps.Live.LiveStatus(ctx, entity)
	if err != nil {
		log.Debug("live status unavailable", logx.Err(err))
		return
	}
	now := s.now()
	tr, err := s.deps.Tracker.ObserveLive(ctx, entity, info.Live, now)
	if err != nil {
		log.Warn("live state not saved", logx.Err(err))
		return
	}
	if !tr.Announce() {
		return
	}
	s.deps.Metrics.IncLiveTransition(tr.Kind.String())
	post := render.RenderLive(info, render.LiveEvent{Started: tr.Kind == dedup.TransitionStarted, Since: tr.Since, At: now})
	log.Info("live "+tr.Kind.String(), logx.Int64("room", info.RoomID))
	s.deliver(ctx, log, post, dests)
	if err := s.deps.Tracker.CommitLive(ctx, entity, tr); err != nil {
		log.Warn("live state not saved", logx.Err(err))
	}
}

func (s *Scheduler) entityFailed(log logx.Logger, entity feed.EntityID, stage string, err error) {
	s.deps.Metrics.IncEntityFailure()
	if errors.Is(err, context.Canceled) {
		log.Debug("entity interrupted", logx.String("stage", stage))
		return
	}
	log.Warn("entity skipped this cycle", logx.String("stage", stage), logx.Err(err))
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeEntityFailed, Data: EntityFailure{Entity: entity, Stage: stage, Error: err.Error()}})
	}
}
