package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	logx "feedwatch/pkg/logx"
)

const DefaultLiveURL = "https://api.bilibili.com/x/space/wbi/acc/info"

const tierLive TierName = "live"

// LiveSource reports the live-room state of an entity.
type LiveSource struct {
	BaseURL string
	http    httpGetter
}

func NewLiveSource(client *http.Client, signer Signer, log logx.Logger) *LiveSource {
	return &LiveSource{BaseURL: DefaultLiveURL, http: httpGetter{client: client, signer: signer, log: log}}
}

type accInfo struct {
	Name     string `json:"name"`
	LiveRoom *struct {
		LiveStatus int    `json:"liveStatus"`
		RoomStatus int    `json:"roomStatus"`
		RoomID     int64  `json:"roomid"`
		Title      string `json:"title"`
		URL        string `json:"url"`
		Cover      string `json:"cover"`
	} `json:"live_room"`
}

// LiveStatus returns the current live-room snapshot. An entity without a
// live room is reported as not live.
func (s *LiveSource) LiveStatus(ctx context.Context, entity EntityID) (LiveInfo, error) {
	q := url.Values{}
	q.Set("mid", entity.String())
	data, err := s.http.getAPI(ctx, tierLive, s.BaseURL+"?"+q.Encode())
	if err != nil {
		return LiveInfo{}, err
	}
	var info accInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LiveInfo{}, malformed(tierLive, "data: %v", err)
	}
	out := LiveInfo{EntityID: entity, Author: info.Name}
	if lr := info.LiveRoom; lr != nil {
		out.Live = lr.LiveStatus == 1
		out.RoomID = lr.RoomID
		out.Title = lr.Title
		out.URL = lr.URL
		out.Cover = lr.Cover
	}
	return out, nil
}
