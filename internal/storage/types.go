package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "file" (default), "sqlite", "postgres", "memory".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LiveStatus is the last observed live-room state. Empty means never observed.
type LiveStatus string

const (
	LiveUnknown LiveStatus = ""
	LiveOffline LiveStatus = "OFFLINE"
	LiveOn      LiveStatus = "LIVE"
)

// WatchState is the durable per-entity record.
//
// LastSeenID is the newest item id already handled. BaselineSet is false only
// before the first successful poll; items seen then are never delivered.
type WatchState struct {
	LastSeenID  string     `json:"last_seen_id"`
	BaselineSet bool       `json:"baseline_set"`
	LiveStatus  LiveStatus `json:"live_status,omitempty"`
	LiveSince   time.Time  `json:"live_since,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
