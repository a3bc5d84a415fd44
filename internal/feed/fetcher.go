package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"feedwatch/internal/observability/metrics"
	logx "feedwatch/pkg/logx"
)

// Tier is one upstream source of feed items.
type Tier interface {
	Name() TierName
	Fetch(ctx context.Context, entity EntityID) ([]RawItem, error)
}

type FetcherConfig struct {
	// Timeout bounds each tier call (default 15s).
	Timeout time.Duration
	// BreakerFailures consecutive failures open a tier breaker (default 5).
	BreakerFailures uint
	// BreakerDelay is how long an open breaker rejects calls (default 2m).
	BreakerDelay time.Duration
}

type tierSlot struct {
	tier    Tier
	breaker circuitbreaker.CircuitBreaker[[]RawItem]
}

// Fetcher runs the ordered tier chain for one entity at a time.
// Safe for concurrent use.
type Fetcher struct {
	slots     []tierSlot
	refresher Refresher
	timeout   time.Duration
	log       logx.Logger
	met       *metrics.Metrics
}

// NewFetcher builds a chain over tiers in the given order.
func NewFetcher(tiers []Tier, refresher Refresher, cfg FetcherConfig, log logx.Logger, met *metrics.Metrics) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 2 * time.Minute
	}
	f := &Fetcher{refresher: refresher, timeout: cfg.Timeout, log: log.With(logx.String("comp", "fetcher")), met: met}
	for _, t := range tiers {
		if t == nil {
			continue
		}
		name := string(t.Name())
		cb := circuitbreaker.NewBuilder[[]RawItem]().
			WithFailureThreshold(cfg.BreakerFailures).
			WithDelay(cfg.BreakerDelay).
			HandleIf(func(_ []RawItem, err error) bool { return countsAgainstBreaker(err) }).
			OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
				f.log.Warn("tier breaker state change", logx.String("tier", name), logx.String("from", e.OldState.String()), logx.String("to", e.NewState.String()))
				met.SetBreakerOpen(name, e.NewState == circuitbreaker.OpenState)
			}).
			Build()
		f.slots = append(f.slots, tierSlot{tier: t, breaker: cb})
	}
	return f
}

// countsAgainstBreaker excludes credential problems (fixed by refresh) and
// caller cancellation.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrAuthRejected) && !errors.Is(err, context.Canceled)
}

// Tiers lists the chain in order.
func (f *Fetcher) Tiers() []TierName {
	out := make([]TierName, 0, len(f.slots))
	for _, s := range f.slots {
		out = append(out, s.tier.Name())
	}
	return out
}

// Fetch tries each tier in order and returns the first success. An auth
// rejection triggers one credential refresh per call and one retry of the
// rejecting tier. When every tier fails the error wraps ErrAllTiersFailed
// and each tier error.
func (f *Fetcher) Fetch(ctx context.Context, entity EntityID) ([]RawItem, error) {
	if len(f.slots) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", ErrAllTiersFailed)
	}
	refreshed := false
	errs := make([]error, 0, len(f.slots))
	for _, s := range f.slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := f.attempt(ctx, s, entity)
		if errors.Is(err, ErrAuthRejected) && !refreshed && f.refresher != nil {
			refreshed = true
			f.log.Info("auth rejected; refreshing credential", logx.String("tier", string(s.tier.Name())), logx.Entity(uint64(entity)))
			if rerr := f.refresher.Refresh(ctx); rerr != nil {
				f.log.Warn("credential refresh failed", logx.Err(rerr))
			}
			items, err = f.attempt(ctx, s, entity)
		}
		if err == nil {
			return items, nil
		}
		f.log.Debug("tier failed; falling through", logx.String("tier", string(s.tier.Name())), logx.Entity(uint64(entity)), logx.Err(err))
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(errs...))
}

func (f *Fetcher) attempt(ctx context.Context, s tierSlot, entity EntityID) ([]RawItem, error) {
	name := s.tier.Name()
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	items, err := failsafe.With[[]RawItem](s.breaker).WithContext(tctx).Get(func() ([]RawItem, error) {
		return s.tier.Fetch(tctx, entity)
	})
	f.met.ObserveFetch(string(name), fetchResult(err), time.Since(start))
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return items, err
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrTransientNetwork):
		return "network"
	default:
		return "error"
	}
}
