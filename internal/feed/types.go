package feed

import (
	"encoding/json"
	"sort"
	"strconv"

	"feedwatch/internal/transport"
)

// EntityID is a creator's numeric mid.
type EntityID uint64

func (id EntityID) String() string { return strconv.FormatUint(uint64(id), 10) }

// TierName tags which upstream produced a RawItem; the renderer picks the
// payload schema from it.
type TierName string

const (
	TierPrimary TierName = "primary"
	TierLegacy  TierName = "legacy"
	TierScrape  TierName = "scrape"
)

// RawItem is one upstream feed item before rendering.
type RawItem struct {
	ID   string
	Tier TierName
	Type string // upstream type tag, e.g. "DYNAMIC_TYPE_DRAW" or legacy "2"
	// MajorType is modules.module_dynamic.major.type of polymer items.
	MajorType string
	Pinned    bool
	// Payload keeps the tier-native JSON of the item.
	Payload json.RawMessage
}

type Kind string

const (
	KindText      Kind = "TEXT"
	KindArticle   Kind = "ARTICLE"
	KindVideo     Kind = "VIDEO"
	KindOpus      Kind = "OPUS"
	KindLiveStart Kind = "LIVE_START"
	KindLiveEnd   Kind = "LIVE_END"
	KindOther     Kind = "OTHER"
)

// ImageRef points at one image. Bytes are filled by the delivery engine only
// when an inline send needs them.
type ImageRef struct {
	SourceURL string
	Bytes     []byte
}

// Post is a rendered item. It is not modified after rendering.
type Post struct {
	ItemID        string
	EntityID      EntityID
	Author        string
	Kind          Kind
	Title         string
	Text          string
	Images        []ImageRef
	IsForward     bool
	ForwardOrigin *Post
	Permalink     string
	// Truncated marks the deepest post of a forward chain cut at MaxForwardDepth.
	Truncated bool
}

// LiveInfo is the live-room snapshot of one entity.
type LiveInfo struct {
	EntityID EntityID
	Author   string
	Live     bool
	RoomID   int64
	Title    string
	URL      string
	Cover    string
}

// Route maps entities to chat destinations.
type Route struct {
	Entities     []EntityID
	Destinations []transport.ChatTarget
}

// ResolveRoutes unions destinations per entity. Duplicate destinations are
// removed and entities with no destination are omitted.
func ResolveRoutes(routes []Route) map[EntityID][]transport.ChatTarget {
	seen := map[EntityID]map[transport.ChatTarget]struct{}{}
	out := map[EntityID][]transport.ChatTarget{}
	for _, r := range routes {
		for _, e := range r.Entities {
			for _, d := range r.Destinations {
				if seen[e] == nil {
					seen[e] = map[transport.ChatTarget]struct{}{}
				}
				if _, dup := seen[e][d]; dup {
					continue
				}
				seen[e][d] = struct{}{}
				out[e] = append(out[e], d)
			}
		}
	}
	return out
}

// SortedEntities returns the keys of a resolved route table in ascending order.
func SortedEntities(m map[EntityID][]transport.ChatTarget) []EntityID {
	out := make([]EntityID, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
