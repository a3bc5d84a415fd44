package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"feedwatch/internal/feed"
	logx "feedwatch/pkg/logx"
)

type dumpRecord struct {
	Entity feed.EntityID `json:"entity"`
	Tier   feed.TierName `json:"tier"`
	Raw    any           `json:"raw"`
	Post   *feed.Post    `json:"post,omitempty"`
}

// dump writes <dir>/<entity>/<item>.json. Failures are logged only.
func (s *Scheduler) dump(log logx.Logger, dir string, entity feed.EntityID, raw feed.RawItem, post *feed.Post) {
	if dir == "" {
		return
	}
	name := sanitizeName(raw.ID)
	if name == "" {
		return
	}
	rec := dumpRecord{Entity: entity, Tier: raw.Tier, Raw: string(raw.Payload), Post: post}
	if json.Valid(raw.Payload) {
		rec.Raw = raw.Payload
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Debug("dump encode failed", logx.String("item", raw.ID), logx.Err(err))
		return
	}
	sub := filepath.Join(dir, entity.String())
	if err := os.MkdirAll(sub, 0o755); err != nil {
		log.Warn("dump dir unavailable", logx.String("dir", sub), logx.Err(err))
		return
	}
	if err := os.WriteFile(filepath.Join(sub, name+".json"), b, 0o644); err != nil {
		log.Warn("dump write failed", logx.String("item", raw.ID), logx.Err(err))
	}
}

func sanitizeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, id)
}
