package config

import (
	"reflect"
	"strings"

	logx "feedwatch/pkg/logx"
)

// SummarizeConfigChange returns the list of changed sections and safe
// structured attrs for logging. Secrets (bot token, cookies, metrics token)
// are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		oldCfg.Telegram.DryRun != newCfg.Telegram.DryRun {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.dry_run", newCfg.Telegram.DryRun))
	}

	if oldCfg.Credential != newCfg.Credential {
		changed = append(changed, "credential")
		attrs = append(attrs,
			logx.Secret("credential.sessdata", newCfg.Credential.SESSDATA),
			logx.String("credential.refresh_every", newCfg.Credential.RefreshEvery),
		)
	}

	if !reflect.DeepEqual(oldCfg.Routes, newCfg.Routes) {
		changed = append(changed, "routes")
		attrs = append(attrs, logx.Int("routes.count", len(newCfg.Routes)))
	}

	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.Bool("poll.enabled", BoolOr(newCfg.Poll.Enabled, true)),
			logx.String("poll.interval", newCfg.Poll.Interval),
			logx.String("poll.jitter", newCfg.Poll.Jitter),
			logx.Int("poll.workers", newCfg.Poll.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs, logx.Any("fetch.priority", newCfg.Fetch.Priority))
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs, logx.Int("dedup.max_per_cycle", newCfg.Dedup.MaxPerCycle))
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.image_delay", newCfg.Delivery.ImageDelay),
			logx.Int("delivery.max_images", newCfg.Delivery.MaxImages),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Secret("metrics.token", newCfg.Metrics.Token),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.Bool("debug.dump", newCfg.Debug.DumpDir != ""))
	}

	return changed, attrs
}
