package render

import (
	"fmt"
	"strings"

	"feedwatch/internal/feed"
)

const (
	// NoTextMarker stands in for posts that carry no text at all.
	NoTextMarker = "[no text content]"
	// DeletedOriginText is the body of a forward origin removed by its author.
	DeletedOriginText = "[original post deleted]"
	// MaxForwardDepth bounds how many posts of a forward chain are rendered.
	MaxForwardDepth = 4

	permalinkBase = "https://t.bilibili.com/"
)

// Render turns a raw item into a Post. It has no side effects, so rendering
// the same item twice gives equal posts.
func Render(raw feed.RawItem, entity feed.EntityID) (feed.Post, error) {
	if len(raw.Payload) == 0 {
		return feed.Post{}, malformed(raw, "empty payload")
	}
	switch raw.Tier {
	case feed.TierPrimary, feed.TierScrape:
		return renderPolymer(raw, entity)
	case feed.TierLegacy:
		return renderLegacy(raw, entity)
	default:
		return feed.Post{}, malformed(raw, "unknown tier "+string(raw.Tier))
	}
}

func malformed(raw feed.RawItem, why string) error {
	return fmt.Errorf("render %s item %q: %w: %s", raw.Tier, raw.ID, feed.ErrMalformedPayload, why)
}

func permalink(id string) string {
	if id == "" {
		return ""
	}
	return permalinkBase + id
}

func deletedOrigin(id string) *feed.Post {
	return &feed.Post{ItemID: id, Kind: feed.KindOther, Text: DeletedOriginText, Permalink: permalink(id)}
}

func appendImage(dst []feed.ImageRef, u string) []feed.ImageRef {
	u = absURL(u)
	if u == "" {
		return dst
	}
	return append(dst, feed.ImageRef{SourceURL: u})
}

func joinNonEmpty(parts []string, sep string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimRight(p, "\n"))
		}
	}
	return strings.Join(out, sep)
}

// finishText applies the no-text marker.
func finishText(p *feed.Post) {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" && p.Title == "" {
		p.Text = NoTextMarker
	}
}
