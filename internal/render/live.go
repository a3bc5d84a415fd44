package render

import (
	"fmt"
	"strconv"
	"time"

	"feedwatch/internal/feed"
)

// LiveEvent is a live-room transition to announce.
type LiveEvent struct {
	Started bool
	// Since is when the stream was first seen live; zero if unknown.
	Since time.Time
	At    time.Time
}

// RenderLive builds a LIVE_START or LIVE_END post.
func RenderLive(info feed.LiveInfo, ev LiveEvent) feed.Post {
	p := feed.Post{
		ItemID:    "live-" + strconv.FormatInt(info.RoomID, 10) + "-" + strconv.FormatInt(ev.At.Unix(), 10),
		EntityID:  info.EntityID,
		Author:    info.Author,
		Permalink: absURL(info.URL),
	}
	if ev.Started {
		p.Kind = feed.KindLiveStart
		p.Title = info.Title
		p.Text = "Started at " + ev.At.Format("15:04:05")
		p.Images = appendImage(p.Images, info.Cover)
		return p
	}
	p.Kind = feed.KindLiveEnd
	p.Text = "Duration: " + FormatDuration(ev.Since, ev.At)
	return p
}

// FormatDuration renders a stream length as "1h2m3s" or "2m3s"; "unknown"
// without a start time.
func FormatDuration(since, at time.Time) string {
	if since.IsZero() || at.Before(since) {
		return "unknown"
	}
	secs := int(at.Sub(since).Seconds())
	h, m, s := secs/3600, secs%3600/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	return fmt.Sprintf("%dm%ds", m, s)
}
