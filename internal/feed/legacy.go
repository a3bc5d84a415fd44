package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	logx "feedwatch/pkg/logx"
)

const DefaultLegacyURL = "https://api.vc.bilibili.com/dynamic_svr/v1/dynamic_svr/space_history"

// LegacyCard is one space_history card. Card holds a JSON document encoded
// as a string whose schema depends on Desc.Type.
type LegacyCard struct {
	Desc struct {
		DynamicIDStr string      `json:"dynamic_id_str"`
		DynamicID    json.Number `json:"dynamic_id"`
		Type         int         `json:"type"`
		OrigType     int         `json:"orig_type"`
		Timestamp    int64       `json:"timestamp"`
		UserProfile  struct {
			Info struct {
				UID   int64  `json:"uid"`
				Uname string `json:"uname"`
			} `json:"info"`
		} `json:"user_profile"`
		Origin *struct {
			DynamicIDStr string `json:"dynamic_id_str"`
			Type         int    `json:"type"`
		} `json:"origin"`
	} `json:"desc"`
	Card  string `json:"card"`
	Extra *struct {
		IsSpaceTop int `json:"is_space_top"`
	} `json:"extra"`
}

// LegacyTier reads the older dynamic_svr space history.
type LegacyTier struct {
	BaseURL string
	http    httpGetter
}

func NewLegacyTier(client *http.Client, signer Signer, log logx.Logger) *LegacyTier {
	return &LegacyTier{BaseURL: DefaultLegacyURL, http: httpGetter{client: client, signer: signer, log: log}}
}

func (t *LegacyTier) Name() TierName { return TierLegacy }

func (t *LegacyTier) Fetch(ctx context.Context, entity EntityID) ([]RawItem, error) {
	q := url.Values{}
	q.Set("host_uid", entity.String())
	q.Set("offset_dynamic_id", "0")
	q.Set("need_top", "1")
	q.Set("platform", "web")
	data, err := t.http.getAPI(ctx, TierLegacy, t.BaseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	// An entity without posts gets no "cards" key at all.
	var page struct {
		Cards []json.RawMessage `json:"cards"`
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, malformed(TierLegacy, "data missing")
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, malformed(TierLegacy, "data: %v", err)
	}

	out := make([]RawItem, 0, len(page.Cards))
	for _, raw := range page.Cards {
		var c LegacyCard
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		id := c.Desc.DynamicIDStr
		if id == "" {
			id = c.Desc.DynamicID.String()
		}
		if id == "" {
			continue
		}
		out = append(out, RawItem{
			ID:      id,
			Tier:    TierLegacy,
			Type:    strconv.Itoa(c.Desc.Type),
			Pinned:  c.Extra != nil && c.Extra.IsSpaceTop == 1,
			Payload: raw,
		})
	}
	return out, nil
}
