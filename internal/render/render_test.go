package render

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwatch/internal/feed"
)

func polymerRaw(id, payload string) feed.RawItem {
	return feed.RawItem{ID: id, Tier: feed.TierPrimary, Payload: json.RawMessage(payload)}
}

func legacyRaw(t *testing.T, desc map[string]any, card any) feed.RawItem {
	t.Helper()
	cardJSON, err := json.Marshal(card)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{"desc": desc, "card": string(cardJSON)})
	require.NoError(t, err)
	id, _ := desc["dynamic_id_str"].(string)
	return feed.RawItem{ID: id, Tier: feed.TierLegacy, Payload: payload}
}

const drawItem = `{"id_str":"101","type":"DYNAMIC_TYPE_DRAW","modules":{
 "module_author":{"name":"up","mid":42},
 "module_dynamic":{
  "desc":{"text":"fallback","rich_text_nodes":[
   {"type":"RICH_TEXT_NODE_TYPE_TEXT","text":"hi "},
   {"type":"RICH_TEXT_NODE_TYPE_AT","text":"bob"},
   {"type":"RICH_TEXT_NODE_TYPE_TEXT","text":" "},
   {"type":"RICH_TEXT_NODE_TYPE_TOPIC","text":"#tag#"},
   {"type":"RICH_TEXT_NODE_TYPE_TEXT","text":" "},
   {"type":"RICH_TEXT_NODE_TYPE_WEB","text":"site","jump_url":"//example.com/x"}]},
  "major":{"type":"MAJOR_TYPE_DRAW","draw":{"items":[{"src":"//i0.hdslb.com/a.jpg"},{"src":"https://i0.hdslb.com/b.jpg"}]}}}}}`

func TestRenderPolymerDraw(t *testing.T) {
	p, err := Render(polymerRaw("101", drawItem), 1)
	require.NoError(t, err)

	assert.Equal(t, "101", p.ItemID)
	assert.Equal(t, feed.EntityID(42), p.EntityID)
	assert.Equal(t, "up", p.Author)
	assert.Equal(t, feed.KindOpus, p.Kind)
	assert.Equal(t, "hi @bob #tag# site (https://example.com/x)", p.Text)
	assert.Equal(t, "https://t.bilibili.com/101", p.Permalink)
	assert.Equal(t, []feed.ImageRef{
		{SourceURL: "https://i0.hdslb.com/a.jpg"},
		{SourceURL: "https://i0.hdslb.com/b.jpg"},
	}, p.Images)
	assert.False(t, p.IsForward)
	assert.Nil(t, p.ForwardOrigin)
}

func TestRenderIsIdempotent(t *testing.T) {
	raw := polymerRaw("101", drawItem)
	a, err := Render(raw, 1)
	require.NoError(t, err)
	b, err := Render(raw, 1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRenderPolymerForward(t *testing.T) {
	payload := `{"id_str":"200","type":"DYNAMIC_TYPE_FORWARD","modules":{
	 "module_author":{"name":"fw"},
	 "module_dynamic":{"desc":{"text":"look"}}},
	 "orig":{"id_str":"150","type":"DYNAMIC_TYPE_AV","modules":{
	  "module_author":{"name":"orig","mid":"7"},
	  "module_dynamic":{"major":{"type":"MAJOR_TYPE_ARCHIVE","archive":{"title":"Vid","desc":"d","cover":"//c.jpg"}}}}}}`

	p, err := Render(polymerRaw("200", payload), 1)
	require.NoError(t, err)

	assert.True(t, p.IsForward)
	assert.Equal(t, feed.KindText, p.Kind)
	assert.Equal(t, "look", p.Text)
	assert.Equal(t, feed.EntityID(1), p.EntityID)
	require.NotNil(t, p.ForwardOrigin)

	o := p.ForwardOrigin
	assert.Equal(t, "150", o.ItemID)
	assert.Equal(t, feed.KindVideo, o.Kind)
	assert.Equal(t, "Vid", o.Title)
	assert.Equal(t, "d", o.Text)
	assert.Equal(t, "orig", o.Author)
	assert.Equal(t, feed.EntityID(7), o.EntityID)
	assert.Equal(t, []feed.ImageRef{{SourceURL: "https://c.jpg"}}, o.Images)
}

func TestRenderPolymerForwardOfDeletedPost(t *testing.T) {
	payload := `{"id_str":"201","type":"DYNAMIC_TYPE_FORWARD","modules":{"module_dynamic":{"desc":{"text":"rip"}}},
	 "orig":{"id_str":"151","type":"DYNAMIC_TYPE_NONE","modules":{"module_dynamic":{"major":{"type":"MAJOR_TYPE_NONE","none":{"tips":"gone"}}}}}}`

	p, err := Render(polymerRaw("201", payload), 1)
	require.NoError(t, err)
	require.True(t, p.IsForward)
	require.NotNil(t, p.ForwardOrigin)
	assert.Equal(t, DeletedOriginText, p.ForwardOrigin.Text)
	assert.Equal(t, "151", p.ForwardOrigin.ItemID)

	noOrig := `{"id_str":"202","type":"DYNAMIC_TYPE_FORWARD","modules":{}}`
	p, err = Render(polymerRaw("202", noOrig), 1)
	require.NoError(t, err)
	require.NotNil(t, p.ForwardOrigin)
	assert.Equal(t, DeletedOriginText, p.ForwardOrigin.Text)
}

func TestRenderForwardChainIsCapped(t *testing.T) {
	inner := `{"id_str":"1","type":"DYNAMIC_TYPE_WORD","modules":{"module_dynamic":{"desc":{"text":"root"}}}}`
	for i := 2; i <= 8; i++ {
		inner = fmt.Sprintf(`{"id_str":"%d","type":"DYNAMIC_TYPE_FORWARD","modules":{"module_dynamic":{"desc":{"text":"fw %d"}}},"orig":%s}`, i, i, inner)
	}

	p, err := Render(polymerRaw("8", inner), 1)
	require.NoError(t, err)

	depth := 1
	cur := &p
	for cur.ForwardOrigin != nil {
		cur = cur.ForwardOrigin
		depth++
	}
	assert.Equal(t, MaxForwardDepth, depth)
	assert.True(t, cur.Truncated)
	assert.True(t, cur.IsForward)
}

func TestRenderNoTextMarker(t *testing.T) {
	p, err := Render(polymerRaw("300", `{"id_str":"300","type":"DYNAMIC_TYPE_WORD","modules":{}}`), 3)
	require.NoError(t, err)
	assert.Equal(t, NoTextMarker, p.Text)
	assert.Equal(t, feed.KindText, p.Kind)
	assert.Equal(t, feed.EntityID(3), p.EntityID)
}

func TestRenderMalformed(t *testing.T) {
	cases := []feed.RawItem{
		{ID: "1", Tier: feed.TierPrimary},
		{ID: "1", Tier: feed.TierPrimary, Payload: json.RawMessage(`{`)},
		{ID: "1", Tier: feed.TierLegacy, Payload: json.RawMessage(`{"desc":{"type":2}}`)},
		{ID: "1", Tier: feed.TierLegacy, Payload: json.RawMessage(`{"desc":{"type":2},"card":"not json"}`)},
		{ID: "1", Tier: "other", Payload: json.RawMessage(`{}`)},
	}
	for i, raw := range cases {
		_, err := Render(raw, 1)
		assert.ErrorIs(t, err, feed.ErrMalformedPayload, "case %d", i)
	}
}

func TestRenderLegacyDraw(t *testing.T) {
	raw := legacyRaw(t,
		map[string]any{"dynamic_id_str": "500", "type": 2, "user_profile": map[string]any{"info": map[string]any{"uname": "up"}}},
		map[string]any{
			"item": map[string]any{"description": "pic post", "pictures": []map[string]any{{"img_src": "http://i0.hdslb.com/1.jpg"}}},
			"user": map[string]any{"name": "someone"},
		})

	p, err := Render(raw, 9)
	require.NoError(t, err)
	assert.Equal(t, "500", p.ItemID)
	assert.Equal(t, feed.KindOpus, p.Kind)
	assert.Equal(t, "up", p.Author)
	assert.Equal(t, "pic post", p.Text)
	assert.Equal(t, feed.EntityID(9), p.EntityID)
	assert.Equal(t, "https://t.bilibili.com/500", p.Permalink)
	assert.Len(t, p.Images, 1)
}

func TestRenderLegacyVideoAndArticle(t *testing.T) {
	video := legacyRaw(t,
		map[string]any{"dynamic_id_str": "501", "type": 8},
		map[string]any{"title": " My video ", "desc": "about", "dynamic": "new upload", "pic": "//p.jpg", "owner": map[string]any{"name": "maker"}})
	p, err := Render(video, 1)
	require.NoError(t, err)
	assert.Equal(t, feed.KindVideo, p.Kind)
	assert.Equal(t, "My video", p.Title)
	assert.Equal(t, "new upload\nabout", p.Text)
	assert.Equal(t, "maker", p.Author)
	assert.Equal(t, []feed.ImageRef{{SourceURL: "https://p.jpg"}}, p.Images)

	article := legacyRaw(t,
		map[string]any{"dynamic_id_str": "502", "type": 64},
		map[string]any{"title": "Essay", "summary": "sum", "image_urls": []string{"https://a.jpg"}, "author": map[string]any{"name": "writer"}})
	p, err = Render(article, 1)
	require.NoError(t, err)
	assert.Equal(t, feed.KindArticle, p.Kind)
	assert.Equal(t, "Essay", p.Title)
	assert.Equal(t, "sum", p.Text)
	assert.Equal(t, "writer", p.Author)
}

func TestRenderLegacyForward(t *testing.T) {
	origin, err := json.Marshal(map[string]any{"title": "V", "desc": "vd", "pic": "//p.jpg", "owner": map[string]any{"name": "o"}})
	require.NoError(t, err)
	raw := legacyRaw(t,
		map[string]any{"dynamic_id_str": "600", "type": 1, "orig_type": 8, "origin": map[string]any{"dynamic_id_str": "400"}},
		map[string]any{
			"item":        map[string]any{"content": "fw text"},
			"user":        map[string]any{"uname": "fw"},
			"origin":      string(origin),
			"origin_user": map[string]any{"info": map[string]any{"uname": "orig"}},
		})

	p, err := Render(raw, 1)
	require.NoError(t, err)
	assert.True(t, p.IsForward)
	assert.Equal(t, "fw", p.Author)
	assert.Equal(t, "fw text", p.Text)
	require.NotNil(t, p.ForwardOrigin)
	assert.Equal(t, "400", p.ForwardOrigin.ItemID)
	assert.Equal(t, feed.KindVideo, p.ForwardOrigin.Kind)
	assert.Equal(t, "V", p.ForwardOrigin.Title)
	assert.Equal(t, "vd", p.ForwardOrigin.Text)
	assert.Equal(t, "orig", p.ForwardOrigin.Author)

	deleted := legacyRaw(t,
		map[string]any{"dynamic_id_str": "601", "type": 1, "orig_type": 2},
		map[string]any{"item": map[string]any{"content": "fw", "miss": 1}})
	p, err = Render(deleted, 1)
	require.NoError(t, err)
	require.NotNil(t, p.ForwardOrigin)
	assert.Equal(t, DeletedOriginText, p.ForwardOrigin.Text)
}

func TestRenderLive(t *testing.T) {
	at := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	info := feed.LiveInfo{EntityID: 5, Author: "streamer", Live: true, RoomID: 77, Title: "Late show", URL: "https://live.bilibili.com/77", Cover: "//cover.jpg"}

	start := RenderLive(info, LiveEvent{Started: true, At: at})
	assert.Equal(t, feed.KindLiveStart, start.Kind)
	assert.Equal(t, "Late show", start.Title)
	assert.Equal(t, "https://live.bilibili.com/77", start.Permalink)
	assert.Equal(t, []feed.ImageRef{{SourceURL: "https://cover.jpg"}}, start.Images)
	assert.Contains(t, Caption(start), "streamer is live")

	end := RenderLive(info, LiveEvent{Since: at.Add(-(time.Hour + 2*time.Minute + 3*time.Second)), At: at})
	assert.Equal(t, feed.KindLiveEnd, end.Kind)
	assert.Equal(t, "Duration: 1h2m3s", end.Text)
	assert.Empty(t, end.Images)

	unknown := RenderLive(info, LiveEvent{At: at})
	assert.Equal(t, "Duration: unknown", unknown.Text)
}

func TestFormatDuration(t *testing.T) {
	at := time.Unix(10_000, 0)
	assert.Equal(t, "2m5s", FormatDuration(at.Add(-125*time.Second), at))
	assert.Equal(t, "unknown", FormatDuration(time.Time{}, at))
	assert.Equal(t, "unknown", FormatDuration(at.Add(time.Second), at))
}

func TestCaption(t *testing.T) {
	p := feed.Post{Author: "up", Kind: feed.KindText, Text: "hello", Permalink: "https://t.bilibili.com/1"}
	assert.Equal(t, "📢 up posted:\n\nhello\n\n🔗 https://t.bilibili.com/1", Caption(p))

	v := feed.Post{EntityID: 3, Kind: feed.KindVideo, Title: "T", Text: "body"}
	assert.Equal(t, "📢 UID 3 posted a video:\n\n📺 T\nbody\n", Caption(v))

	assert.Equal(t, "🔁 Forwarded post:\n"+DeletedOriginText+"\n", ForwardBlock(*deletedOrigin("")))
	assert.Equal(t, "🔁 Forwarded from @o:\nx\n", ForwardBlock(feed.Post{Author: "o", Text: "x"}))
}
