package feed

import (
	"sort"
	"strconv"
)

// Upstream type tags of auto-generated live recommendations. The live watcher
// reports these rooms already.
var liveRecommendTypes = map[string]bool{
	"DYNAMIC_TYPE_LIVE_RCMD": true,
	"DYNAMIC_TYPE_LIVE":      true,
	"4308":                   true,
	"4200":                   true,
}

const liveRecommendMajor = "MAJOR_TYPE_LIVE_RCMD"

func isLiveRecommend(it RawItem) bool {
	return liveRecommendTypes[it.Type] || it.MajorType == liveRecommendMajor
}

// Candidates drops pinned items and live recommendations and orders the rest
// newest first. Ordering is by numeric id when every id is numeric; otherwise
// the upstream order is kept.
func Candidates(items []RawItem) []RawItem {
	out := make([]RawItem, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Pinned || isLiveRecommend(it) {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	if AllNumeric(out) {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := strconv.ParseUint(out[i].ID, 10, 64)
			b, _ := strconv.ParseUint(out[j].ID, 10, 64)
			return a > b
		})
	}
	return out
}

// AllNumeric reports whether every id parses as an unsigned integer.
func AllNumeric(items []RawItem) bool {
	for _, it := range items {
		if _, err := strconv.ParseUint(it.ID, 10, 64); err != nil {
			return false
		}
	}
	return true
}
