package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "feedwatch/pkg/logx"
)

// DefaultRefreshEvery is the credential refresh period.
const DefaultRefreshEvery = 6 * time.Hour

const refreshTimeout = 30 * time.Second

// RefreshTarget is the credential store.
type RefreshTarget interface {
	Refresh(ctx context.Context) error
}

// Refresher runs the credential refresh on its own cron schedule,
// independent of the poll loop. An overrunning refresh skips the next tick.
type Refresher struct {
	target RefreshTarget
	log    logx.Logger

	mu    sync.Mutex
	every time.Duration
	c     *cron.Cron
	ctx   context.Context
	entry cron.EntryID
}

func NewRefresher(target RefreshTarget, every time.Duration, log logx.Logger) *Refresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if every <= 0 {
		every = DefaultRefreshEvery
	}
	return &Refresher{target: target, every: every, log: log}
}

// Start is idempotent. Jobs run with a context derived from ctx.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.ctx = ctx
	r.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	r.entry = r.c.Schedule(cron.Every(r.every), cron.FuncJob(r.run))
	r.c.Start()
	r.log.Info("credential refresh scheduled", logx.Duration("every", r.every))
}

// Apply reschedules with a new period.
func (r *Refresher) Apply(every time.Duration) {
	if every <= 0 {
		every = DefaultRefreshEvery
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if every == r.every {
		return
	}
	r.every = every
	if r.c == nil {
		return
	}
	r.c.Remove(r.entry)
	r.entry = r.c.Schedule(cron.Every(every), cron.FuncJob(r.run))
	r.log.Info("credential refresh rescheduled", logx.Duration("every", every))
}

// Next reports the next scheduled run; zero when stopped.
func (r *Refresher) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.entry).Next
}

func (r *Refresher) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Refresher) run() {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()
	start := time.Now()
	if err := r.target.Refresh(ctx); err != nil {
		r.log.Warn("credential refresh failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	r.log.Info("credential refreshed", logx.Duration("took", time.Since(start)))
}
