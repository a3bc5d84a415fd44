// Package supervisor runs the long-lived loops of the daemon (poll loop,
// config watcher, event logger, HTTP server) on one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	logx "feedwatch/pkg/logx"
)

// Supervisor owns named goroutines tied to a shared context. Panics are
// recovered and recorded as errors; the first error is kept for Err.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	onRestart   func(name string)

	mu       sync.Mutex
	running  map[string]int
	started  uint64
	restarts uint64
	firstErr error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type SupervisorOption func(*Supervisor)

// Counters is a snapshot for health reporting.
type Counters struct {
	Running  []string `json:"running"`
	Started  uint64   `json:"started"`
	Restarts uint64   `json:"restarts"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error or panic.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithRestartHook is called with the loop name before every GoRestart restart.
func WithRestartHook(fn func(name string)) SupervisorOption {
	return func(s *Supervisor) { s.onRestart = fn }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		log:     logx.Nop(),
		running: map[string]int{},
		doneCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for n := range s.running {
		names = append(names, n)
	}
	slices.Sort(names)
	return Counters{Running: names, Started: s.started, Restarts: s.restarts}
}

func (s *Supervisor) enter(name string) {
	s.mu.Lock()
	s.started++
	s.running[name]++
	s.mu.Unlock()
}

func (s *Supervisor) leave(name string) {
	s.mu.Lock()
	if s.running[name]--; s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// call runs fn, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.enter(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.leave(name)
		s.log.Debug("goroutine started", logx.String("name", name))
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts; the initial run is not counted. A loop
// that exhausts them fails the supervisor like a Go error would.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff, until the context is cancelled. A clean return stops
// the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.Go0(name, func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			startedAt := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				return
			}
			// A run that stayed up for a while resets the backoff and the budget.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
				restarts = 0
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: gave up after %d restarts: %w", name, restarts, err))
				return
			}
			wait := min(backoff, cfg.maxBackoff)
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(rand.Int64N(j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			if s.onRestart != nil {
				s.onRestart(name)
			}
			restarts++
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
