package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	logx "feedwatch/pkg/logx"
)

const DefaultPrimaryURL = "https://api.bilibili.com/x/polymer/web-dynamic/v1/feed/space"

// pinnedTag is the module_tag text of a pinned item.
const pinnedTag = "置顶"

// polymerHeader is the subset of a polymer item needed before rendering.
type polymerHeader struct {
	IDStr   string `json:"id_str"`
	Type    string `json:"type"`
	Modules struct {
		ModuleTag *struct {
			Text string `json:"text"`
		} `json:"module_tag"`
		ModuleDynamic struct {
			Major *struct {
				Type string `json:"type"`
			} `json:"major"`
		} `json:"module_dynamic"`
	} `json:"modules"`
}

// PrimaryTier reads the signed polymer web-dynamic feed.
type PrimaryTier struct {
	BaseURL string
	http    httpGetter
}

func NewPrimaryTier(client *http.Client, signer Signer, log logx.Logger) *PrimaryTier {
	return &PrimaryTier{BaseURL: DefaultPrimaryURL, http: httpGetter{client: client, signer: signer, log: log}}
}

func (t *PrimaryTier) Name() TierName { return TierPrimary }

func (t *PrimaryTier) Fetch(ctx context.Context, entity EntityID) ([]RawItem, error) {
	q := url.Values{}
	q.Set("host_mid", entity.String())
	q.Set("offset", "")
	q.Set("features", "itemOpusStyle")
	data, err := t.http.getAPI(ctx, TierPrimary, t.BaseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var page struct {
		Items *[]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, malformed(TierPrimary, "data: %v", err)
	}
	if page.Items == nil {
		return nil, malformed(TierPrimary, "data.items missing")
	}
	return polymerItems(TierPrimary, *page.Items), nil
}

// polymerItems converts polymer-shaped objects; items without an id are skipped.
func polymerItems(tier TierName, raw []json.RawMessage) []RawItem {
	out := make([]RawItem, 0, len(raw))
	for _, r := range raw {
		var h polymerHeader
		if err := json.Unmarshal(r, &h); err != nil || h.IDStr == "" {
			continue
		}
		it := RawItem{
			ID:      h.IDStr,
			Tier:    tier,
			Type:    h.Type,
			Pinned:  h.Modules.ModuleTag != nil && strings.TrimSpace(h.Modules.ModuleTag.Text) == pinnedTag,
			Payload: r,
		}
		if m := h.Modules.ModuleDynamic.Major; m != nil {
			it.MajorType = m.Type
		}
		out = append(out, it)
	}
	return out
}
