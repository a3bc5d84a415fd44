package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Environment variables consulted for empty credential fields.
const (
	EnvSESSDATA    = "FEEDWATCH_SESSDATA"
	EnvBiliJct     = "FEEDWATCH_BILI_JCT"
	EnvBuvid3      = "FEEDWATCH_BUVID3"
	EnvDedeUserID  = "FEEDWATCH_DEDEUSERID"
	EnvAcTimeValue = "FEEDWATCH_AC_TIME_VALUE"
	EnvBotToken    = "FEEDWATCH_TELEGRAM_TOKEN"
)

// ApplyEnv fills empty secret fields from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}
	fill(&cfg.Credential.SESSDATA, EnvSESSDATA)
	fill(&cfg.Credential.BiliJct, EnvBiliJct)
	fill(&cfg.Credential.Buvid3, EnvBuvid3)
	fill(&cfg.Credential.DedeUserID, EnvDedeUserID)
	fill(&cfg.Credential.AcTimeValue, EnvAcTimeValue)
	fill(&cfg.Telegram.Token, EnvBotToken)
}

// Validate checks field formats. It does not require credentials: anonymous
// polling works for most creators, only with tighter rate limits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" && !cfg.Telegram.DryRun {
		add(errors.New("telegram.token: required unless telegram.dry_run is set"))
	}
	dur("telegram.timeout", cfg.Telegram.Timeout)
	if cfg.Telegram.APIURL != "" {
		if _, err := url.ParseRequestURI(cfg.Telegram.APIURL); err != nil {
			add(fmt.Errorf("telegram.api_url: %w", err))
		}
	}
	dur("credential.refresh_every", cfg.Credential.RefreshEvery)

	for i, r := range cfg.Routes {
		for _, e := range r.Entities {
			if e == 0 {
				add(fmt.Errorf("routes[%d].entities: entity id must be > 0", i))
			}
		}
		for _, d := range r.Destinations {
			if d.ChatID == 0 {
				add(fmt.Errorf("routes[%d].destinations: chat id must be non-zero", i))
			}
		}
	}

	dur("poll.interval", cfg.Poll.Interval)
	dur("poll.jitter", cfg.Poll.Jitter)
	dur("poll.drain_timeout", cfg.Poll.DrainTimeout)
	dur("poll.startup_delay", cfg.Poll.StartupDelay)
	dur("poll.idle_recheck", cfg.Poll.IdleRecheck)
	if cfg.Poll.Workers < 0 {
		add(errors.New("poll.workers: must be >= 0"))
	}

	seen := map[string]bool{}
	for _, p := range cfg.Fetch.Priority {
		name := strings.ToLower(strings.TrimSpace(p))
		if name != "primary" && name != "legacy" {
			add(fmt.Errorf("fetch.priority: unknown tier %q (want primary or legacy)", p))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("fetch.priority: duplicate tier %q", p))
		}
		seen[name] = true
	}
	dur("fetch.timeout", cfg.Fetch.Timeout)
	dur("fetch.breaker_delay", cfg.Fetch.BreakerDelay)

	if cfg.Dedup.MaxPerCycle < 0 {
		add(errors.New("dedup.max_per_cycle: must be >= 0"))
	}

	d := cfg.Delivery
	dur("delivery.image_delay", d.ImageDelay)
	dur("delivery.idle_timeout", d.IdleTimeout)
	dur("delivery.image.download_timeout", d.Image.DownloadTimeout)
	dur("delivery.image.file_timeout", d.Image.FileTimeout)
	if d.MaxImages < 0 || d.RatePerSec < 0 || d.QueueSize < 0 {
		add(errors.New("delivery: max_images, rate_per_sec and queue_size must be >= 0"))
	}
	if d.Image.Quality < 0 || d.Image.Quality > 100 {
		add(errors.New("delivery.image.quality: must be within 0..100"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.New("storage.dsn: required for postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("metrics.read_timeout", cfg.Metrics.ReadTimeout)
	dur("metrics.idle_timeout", cfg.Metrics.IdleTimeout)

	return errors.Join(errs...)
}

// BoolOr dereferences an optional flag.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func IntOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
