package credential

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

var mixinKeyEncTab = [...]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 0, 1, 60, 51, 30, 4, 22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11,
	36, 20, 34, 44, 52,
}

// mixinKey scrambles img+sub into the 32-byte salt used for w_rid.
func mixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	b.Grow(32)
	for _, i := range mixinKeyEncTab {
		if i < len(raw) {
			b.WriteByte(raw[i])
		}
		if b.Len() == 32 {
			break
		}
	}
	return b.String()
}

// keyFromURL extracts "7cd0849..." from ".../bfs/wbi/7cd0849....png".
func keyFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

var wbiValueStrip = strings.NewReplacer("!", "", "'", "", "(", "", ")", "", "*", "")

// signQuery returns q with wts and w_rid set.
func signQuery(q url.Values, mixin string, now time.Time) url.Values {
	out := url.Values{}
	for k, vs := range q {
		if k == "w_rid" || k == "wts" {
			continue
		}
		for _, v := range vs {
			out.Add(k, wbiValueStrip.Replace(v))
		}
	}
	out.Set("wts", strconv.FormatInt(now.Unix(), 10))

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range out[k] {
			parts = append(parts, escape(k)+"="+escape(v))
		}
	}
	sum := md5.Sum([]byte(strings.Join(parts, "&") + mixin))
	out.Set("w_rid", hex.EncodeToString(sum[:]))
	return out
}

// escape is encodeURIComponent: spaces become %20, not '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// needsWBI reports whether the endpoint verifies w_rid.
func needsWBI(p string) bool {
	return strings.Contains(p, "/wbi/") || strings.HasPrefix(p, "/x/polymer/web-dynamic/")
}
