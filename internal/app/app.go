package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"feedwatch/internal/config"
	"feedwatch/internal/credential"
	"feedwatch/internal/dedup"
	"feedwatch/internal/delivery"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/feed"
	"feedwatch/internal/monitor"
	"feedwatch/internal/observability/metrics"
	"feedwatch/internal/observability/server"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/storage"
	"feedwatch/internal/transport"
	telegram "feedwatch/internal/transport/telegram/adapter"
	logx "feedwatch/pkg/logx"
)

// restartSections are config sections whose changes only apply after a restart.
var restartSections = map[string]bool{"storage": true, "telegram": true, "fetch": true}

// schedulerMaxRestarts bounds how often a crashing poll loop is restarted
// before the process exits with an error.
const schedulerMaxRestarts = 20

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry
	met  *metrics.Metrics

	store     storage.Store
	cred      *credential.Store
	fetcher   *feed.Fetcher
	tracker   *dedup.Tracker
	sender    transport.Sender
	engine    *delivery.Engine
	sched     *monitor.Scheduler
	refresher *monitor.Refresher
	srv       *server.Service

	mu        sync.Mutex
	lastCycle time.Time
	lastRep   monitor.CycleReport
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", store.Driver()))

	fcfg, err := mapFetcherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client := &http.Client{Timeout: fcfg.Timeout}

	cred := credential.New(mapCredential(cfg), credential.Options{
		Client:    client,
		UserAgent: strings.TrimSpace(cfg.Fetch.UserAgent),
		Bus:       bus,
		Metrics:   met,
	}, log)

	tierLog := log.With(logx.String("comp", "feed"))
	fetcher := feed.NewFetcher(buildTiers(cfg, client, cred, tierLog), cred, fcfg, log, met)
	live := feed.NewLiveSource(client, cred, tierLog)

	tracker := dedup.New(store, config.IntOr(cfg.Dedup.MaxPerCycle, dedup.DefaultMaxPerCycle), log.With(logx.String("comp", "dedup")))

	var sender transport.Sender
	if cfg.Telegram.DryRun {
		sender = transport.NewDryRun(log.With(logx.String("comp", "dryrun")))
		appLog.Warn("telegram dry run: messages are logged, not sent")
	} else {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sender = ad
	}

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := delivery.New(dcfg, sender, delivery.Options{Bus: bus, Metrics: met}, log.With(logx.String("comp", "delivery")))

	st, err := mapSchedulerSettings(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := monitor.New(monitor.Deps{
		Fetcher: fetcher,
		Live:    live,
		Tracker: tracker,
		Engine:  engine,
		Bus:     bus,
		Metrics: met,
	}, st, mapRoutes(cfg), log.With(logx.String("comp", "scheduler")))

	refresher := monitor.NewRefresher(cred, mapRefreshEvery(cfg), log.With(logx.String("comp", "refresher")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		reg:       reg,
		met:       met,
		store:     store,
		cred:      cred,
		fetcher:   fetcher,
		tracker:   tracker,
		sender:    sender,
		engine:    engine,
		sched:     sched,
		refresher: refresher,
	}

	scfg, err := mapServerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.srv = server.New(scfg, reg, a.health, log.With(logx.String("comp", "http")))
	return a, nil
}

func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithRestartHook(a.met.IncRestart),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerSettings(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapServerConfig(cfg); err != nil {
			return err
		}
		_, err := mapFetcherConfig(cfg)
		return err
	})

	// The engine outlives the app supervisor so a draining cycle can still
	// deliver; Stop cancels it after the drain.
	a.engine.Start(context.WithoutCancel(ctx))

	rctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	if err := a.cred.Refresh(rctx); err != nil {
		a.log.Warn("initial credential refresh failed; polling unsigned until the next refresh", logx.Err(err))
	}
	cancel()

	a.refresher.Start(a.sup.Context())
	a.srv.Start(a.sup.Context())

	// A panicking cycle restarts the loop instead of taking the daemon down.
	a.sup.GoRestart("scheduler.run", a.sched.Run, rtsup.WithRestartBackoff(time.Second, time.Minute), rtsup.WithMaxRestarts(schedulerMaxRestarts))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if rep, ok := e.Data.(monitor.CycleReport); ok && e.Type == eventbus.TypeCycleDone {
					a.mu.Lock()
					a.lastCycle, a.lastRep = e.Time, rep
					a.mu.Unlock()
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.cred.Update(mapCredential(next))
	a.refresher.Apply(mapRefreshEvery(next))
	a.tracker.SetMaxPerCycle(config.IntOr(next.Dedup.MaxPerCycle, dedup.DefaultMaxPerCycle))

	if dcfg, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dcfg)
	}
	if st, err := mapSchedulerSettings(next); err != nil {
		a.log.Warn("invalid poll config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(st, mapRoutes(next))
	}
	if scfg, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.srv.Reconfigure(ctx, scfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// health backs /healthz.
func (a *App) health() (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a.mu.Lock()
	last, rep := a.lastCycle, a.lastRep
	a.mu.Unlock()

	out := map[string]any{
		"storage":        a.store.Driver(),
		"tiers":          a.fetcher.Tiers(),
		"logged_in":      a.cred.Current().LoggedIn(),
		"signed_at":      a.cred.RefreshedAt(),
		"next_refresh":   a.refresher.Next(),
		"last_cycle":     last,
		"last_emitted":   rep.Emitted,
		"last_failures":  rep.Failed,
		"events_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	states, err := a.store.ListWatchStates(ctx)
	if err != nil {
		return out, fmt.Errorf("storage: %w", err)
	}
	out["entities"] = len(states)
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler drains its started entities before the supervisor
	// reports done; delivery must still be running meanwhile.
	drain := monitor.Settings{}.DrainTimeoutOrDefault()
	if st, err := mapSchedulerSettings(a.cfgm.Get()); err == nil {
		drain = st.DrainTimeoutOrDefault()
	}
	step("supervisor", drain+2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("delivery", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("refresher", 2*time.Second, func(c context.Context) error { a.refresher.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
