package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"feedwatch/internal/config"
	"feedwatch/internal/credential"
	"feedwatch/internal/delivery"
	"feedwatch/internal/feed"
	"feedwatch/internal/monitor"
	"feedwatch/internal/observability/server"
	"feedwatch/internal/storage"
	telegram "feedwatch/internal/transport/telegram/adapter"
	logx "feedwatch/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapCredential(cfg *config.Config) credential.Credential {
	c := cfg.Credential
	return credential.Credential{
		SESSDATA:    c.SESSDATA,
		BiliJct:     c.BiliJct,
		Buvid3:      c.Buvid3,
		DedeUserID:  c.DedeUserID,
		AcTimeValue: c.AcTimeValue,
	}
}

func mapRefreshEvery(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Credential.RefreshEvery, monitor.DefaultRefreshEvery)
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		Timeout: timeout,
		APIURL:  strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapRoutes(cfg *config.Config) []feed.Route {
	out := make([]feed.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		ents := make([]feed.EntityID, 0, len(r.Entities))
		for _, e := range r.Entities {
			ents = append(ents, feed.EntityID(e))
		}
		out = append(out, feed.Route{Entities: ents, Destinations: r.Destinations})
	}
	return out
}

func mapFetcherConfig(cfg *config.Config) (feed.FetcherConfig, error) {
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 15*time.Second)
	if err != nil {
		return feed.FetcherConfig{}, err
	}
	delay, err := config.ParseDurationOrDefault("fetch.breaker_delay", cfg.Fetch.BreakerDelay, 2*time.Minute)
	if err != nil {
		return feed.FetcherConfig{}, err
	}
	failures := cfg.Fetch.BreakerFailures
	if failures < 0 {
		failures = 0
	}
	return feed.FetcherConfig{Timeout: timeout, BreakerFailures: uint(failures), BreakerDelay: delay}, nil
}

// buildTiers orders the API tiers per fetch.priority (default primary,
// legacy) and appends the scrape tier unless html_fallback is false.
func buildTiers(cfg *config.Config, client *http.Client, signer feed.Signer, log logx.Logger) []feed.Tier {
	prio := cfg.Fetch.Priority
	if len(prio) == 0 {
		prio = []string{"primary", "legacy"}
	}
	tiers := make([]feed.Tier, 0, len(prio)+1)
	for _, name := range prio {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "primary":
			tiers = append(tiers, feed.NewPrimaryTier(client, signer, log))
		case "legacy":
			tiers = append(tiers, feed.NewLegacyTier(client, signer, log))
		}
	}
	if config.BoolOr(cfg.Fetch.HTMLFallback, true) {
		tiers = append(tiers, feed.NewScrapeTier(client, signer, log))
	}
	return tiers
}

func mapSchedulerSettings(cfg *config.Config) (monitor.Settings, error) {
	p := cfg.Poll
	var (
		st  monitor.Settings
		err error
	)
	st.Enabled = config.BoolOr(p.Enabled, true)
	st.LiveWatch = config.BoolOr(p.LiveWatch, true)
	st.Workers = p.Workers
	st.DumpDir = strings.TrimSpace(cfg.Debug.DumpDir)
	if st.Interval, err = config.ParseDurationField("poll.interval", p.Interval); err != nil {
		return monitor.Settings{}, err
	}
	if st.Jitter, err = config.ParseDurationField("poll.jitter", p.Jitter); err != nil {
		return monitor.Settings{}, err
	}
	if st.DrainTimeout, err = config.ParseDurationField("poll.drain_timeout", p.DrainTimeout); err != nil {
		return monitor.Settings{}, err
	}
	if st.StartupDelay, err = config.ParseDurationField("poll.startup_delay", p.StartupDelay); err != nil {
		return monitor.Settings{}, err
	}
	if st.IdleRecheck, err = config.ParseDurationField("poll.idle_recheck", p.IdleRecheck); err != nil {
		return monitor.Settings{}, err
	}
	// An explicit "0s" disables jitter and the startup delay; omitted means default.
	if st.Jitter == 0 && strings.TrimSpace(p.Jitter) != "" {
		st.Jitter = -1
	}
	if st.StartupDelay == 0 && strings.TrimSpace(p.StartupDelay) != "" {
		st.StartupDelay = -1
	}
	return st, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	var (
		out delivery.Config
		err error
	)
	if out.ImageDelay, err = config.ParseDurationField("delivery.image_delay", d.ImageDelay); err != nil {
		return delivery.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("delivery.idle_timeout", d.IdleTimeout); err != nil {
		return delivery.Config{}, err
	}
	out.MaxImages = d.MaxImages
	out.RatePerSec = d.RatePerSec
	out.QueueSize = d.QueueSize
	out.ForwardFirstImage = config.BoolOr(d.ForwardFirstImage, true)
	out.DisablePreview = d.DisablePreview

	img := delivery.ImageConfig{
		MaxWidth:        d.Image.MaxWidth,
		MaxBytes:        d.Image.MaxBytes,
		Quality:         d.Image.Quality,
		DownloadRetries: d.Image.DownloadRetries,
		TempDir:         strings.TrimSpace(d.Image.TempDir),
		UserAgent:       strings.TrimSpace(cfg.Fetch.UserAgent),
	}
	if img.DownloadTimeout, err = config.ParseDurationField("delivery.image.download_timeout", d.Image.DownloadTimeout); err != nil {
		return delivery.Config{}, err
	}
	if img.FileTimeout, err = config.ParseDurationField("delivery.image.file_timeout", d.Image.FileTimeout); err != nil {
		return delivery.Config{}, err
	}
	out.Image = img
	return out, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	m := cfg.Metrics
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("metrics.idle_timeout", m.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:       m.Enabled,
		Addr:          strings.TrimSpace(m.Addr),
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
