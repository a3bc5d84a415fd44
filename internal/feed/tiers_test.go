package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

const polymerPage = `{"code":0,"message":"0","data":{"has_more":true,"items":[
 {"id_str":"900","type":"DYNAMIC_TYPE_WORD","modules":{"module_tag":{"text":"置顶"},"module_author":{"name":"up"}}},
 {"id_str":"903","type":"DYNAMIC_TYPE_DRAW","modules":{"module_author":{"name":"up"}}},
 {"id_str":"902","type":"DYNAMIC_TYPE_LIVE_RCMD","modules":{}},
 {"type":"DYNAMIC_TYPE_WORD","modules":{}}
]}}`

func serveJSON(t *testing.T, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrimaryTierParsesItems(t *testing.T) {
	srv := serveJSON(t, polymerPage, func(r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("host_mid"))
	})
	tier := NewPrimaryTier(srv.Client(), nil, logx.Nop())
	tier.BaseURL = srv.URL

	got, err := tier.Fetch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 3, "item without id_str is skipped")
	assert.True(t, got[0].Pinned)
	assert.Equal(t, "903", got[1].ID)
	assert.Equal(t, TierPrimary, got[1].Tier)

	cands := Candidates(got)
	require.Len(t, cands, 1)
	assert.Equal(t, "903", cands[0].ID)
}

func TestPrimaryTierErrorCodes(t *testing.T) {
	cases := []struct {
		body string
		want error
	}{
		{`{"code":-352,"message":"风控校验失败"}`, ErrAuthRejected},
		{`{"code":-101,"message":"账号未登录"}`, ErrAuthRejected},
		{`{"code":-412,"message":"请求被拦截"}`, ErrRateLimited},
		{`{"code":-799,"message":"请求过于频繁"}`, ErrRateLimited},
		{`{"code":-404,"message":"啥都木有"}`, ErrUpstreamRejection},
		{`<html>oops</html>`, ErrMalformedPayload},
		{`{"code":0,"data":{}}`, ErrMalformedPayload},
	}
	for _, tc := range cases {
		srv := serveJSON(t, tc.body, nil)
		tier := NewPrimaryTier(srv.Client(), nil, logx.Nop())
		tier.BaseURL = srv.URL
		_, err := tier.Fetch(context.Background(), 2)
		assert.ErrorIs(t, err, tc.want, tc.body)
	}
}

func TestHTTPStatusRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()
	tier := NewLegacyTier(srv.Client(), nil, logx.Nop())
	tier.BaseURL = srv.URL
	_, err := tier.Fetch(context.Background(), 2)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLegacyTierParsesCards(t *testing.T) {
	body := `{"code":0,"data":{"has_more":0,"cards":[
	 {"desc":{"dynamic_id_str":"700","type":4},"card":"{\"item\":{\"content\":\"top\"}}","extra":{"is_space_top":1}},
	 {"desc":{"dynamic_id":701,"type":2},"card":"{}"}
	]}}`
	srv := serveJSON(t, body, func(r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("host_uid"))
	})
	tier := NewLegacyTier(srv.Client(), nil, logx.Nop())
	tier.BaseURL = srv.URL

	got, err := tier.Fetch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Pinned)
	assert.Equal(t, "701", got[1].ID)
	assert.Equal(t, "2", got[1].Type)
}

func TestLegacyTierEmptyIsSuccess(t *testing.T) {
	srv := serveJSON(t, `{"code":0,"data":{"has_more":0,"next_offset":0}}`, nil)
	tier := NewLegacyTier(srv.Client(), nil, logx.Nop())
	tier.BaseURL = srv.URL
	got, err := tier.Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScrapeTierExtractsInitialState(t *testing.T) {
	page := `<!DOCTYPE html><html><head><title>space</title></head><body>
<div id="app"></div>
<script>window.__INITIAL_STATE__={"space":{"dynamic":{"list":[
 {"id_str":"811","type":"DYNAMIC_TYPE_WORD","modules":{"module_dynamic":{"desc":{"text":"hi"}}}},
 {"id_str":"812","type":"DYNAMIC_TYPE_FORWARD","modules":{},"orig":{"id_str":"5","modules":{}}}
]}}};(function(){var s;}());</script>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/dynamic", r.URL.Path)
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	tier := NewScrapeTier(srv.Client(), nil, logx.Nop())
	tier.URLFormat = srv.URL + "/%d/dynamic"
	got, err := tier.Fetch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2, "forward origin is not collected separately")
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{"811", "812"}, ids)
	assert.Equal(t, TierScrape, got[0].Tier)
}

func TestScrapeTierWithoutStateIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><script>var x = 1;</script></body></html>`)
	}))
	defer srv.Close()
	tier := NewScrapeTier(srv.Client(), nil, logx.Nop())
	tier.URLFormat = srv.URL + "/%d"
	_, err := tier.Fetch(context.Background(), 2)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestLiveSource(t *testing.T) {
	srv := serveJSON(t, `{"code":0,"data":{"name":"up","live_room":{"liveStatus":1,"roomid":21,"title":"hello","url":"https://live.bilibili.com/21","cover":"https://i0.hdslb.com/c.jpg"}}}`, func(r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("mid"))
	})
	src := NewLiveSource(srv.Client(), nil, logx.Nop())
	src.BaseURL = srv.URL
	info, err := src.LiveStatus(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, info.Live)
	assert.Equal(t, "up", info.Author)
	assert.Equal(t, int64(21), info.RoomID)
}

func TestCandidatesOrderAndNonNumeric(t *testing.T) {
	got := Candidates([]RawItem{{ID: "101"}, {ID: "103"}, {ID: "102"}, {ID: "103"}})
	assert.Equal(t, []string{"103", "102", "101"}, []string{got[0].ID, got[1].ID, got[2].ID})

	mixed := Candidates([]RawItem{{ID: "b"}, {ID: "7"}, {ID: "a"}})
	assert.Equal(t, "b", mixed[0].ID, "upstream order kept")
	assert.False(t, AllNumeric(mixed))

	filtered := Candidates([]RawItem{
		{ID: "9", Type: "DYNAMIC_TYPE_COMMON_SQUARE", MajorType: "MAJOR_TYPE_LIVE_RCMD"},
		{ID: "8", Type: "DYNAMIC_TYPE_LIVE_RCMD"},
		{ID: "7", Type: "DYNAMIC_TYPE_DRAW", MajorType: "MAJOR_TYPE_DRAW"},
	})
	require.Len(t, filtered, 1)
	assert.Equal(t, "7", filtered[0].ID)
}

func TestPolymerItemsDecodeMajorType(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"id_str":"5","type":"DYNAMIC_TYPE_COMMON_SQUARE","modules":{"module_dynamic":{"major":{"type":"MAJOR_TYPE_LIVE_RCMD"}}}}`),
		json.RawMessage(`{"id_str":"4","type":"DYNAMIC_TYPE_WORD","modules":{"module_dynamic":{"major":null}}}`),
	}
	got := polymerItems(TierPrimary, raw)
	require.Len(t, got, 2)
	assert.Equal(t, "MAJOR_TYPE_LIVE_RCMD", got[0].MajorType)
	assert.Empty(t, got[1].MajorType)
	assert.Len(t, Candidates(got), 1)
}

func TestResolveRoutes(t *testing.T) {
	a := transport.ChatTarget{ChatID: -1}
	b := transport.ChatTarget{ChatID: -2, ThreadID: 3}
	got := ResolveRoutes([]Route{
		{Entities: []EntityID{1, 2}, Destinations: []transport.ChatTarget{a}},
		{Entities: []EntityID{2}, Destinations: []transport.ChatTarget{a, b}},
		{Entities: []EntityID{3}},
	})
	assert.Equal(t, []transport.ChatTarget{a}, got[1])
	assert.Equal(t, []transport.ChatTarget{a, b}, got[2])
	_, ok := got[3]
	assert.False(t, ok, "entity without destinations is omitted")
	assert.Equal(t, []EntityID{1, 2}, SortedEntities(got))
}
