package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	logx "feedwatch/pkg/logx"
)

const DefaultScrapeURL = "https://space.bilibili.com/%d/dynamic"

const initialStateMarker = "window.__INITIAL_STATE__"

// ScrapeTier reads the public space page and pulls dynamic items out of the
// server-rendered page state. Embedded items use the polymer schema.
type ScrapeTier struct {
	// URLFormat takes the entity id as its only verb.
	URLFormat string
	http      httpGetter
}

func NewScrapeTier(client *http.Client, signer Signer, log logx.Logger) *ScrapeTier {
	return &ScrapeTier{URLFormat: DefaultScrapeURL, http: httpGetter{client: client, signer: signer, log: log}}
}

func (t *ScrapeTier) Name() TierName { return TierScrape }

func (t *ScrapeTier) Fetch(ctx context.Context, entity EntityID) ([]RawItem, error) {
	body, err := t.http.get(ctx, TierScrape, fmt.Sprintf(t.URLFormat, uint64(entity)), "text/html")
	if err != nil {
		return nil, err
	}
	state, err := extractInitialState(body)
	if err != nil {
		return nil, malformed(TierScrape, "%v", err)
	}
	var found []json.RawMessage
	collectDynamicObjects(state, &found)
	if len(found) == 0 {
		return nil, malformed(TierScrape, "page state has no dynamic items")
	}
	return polymerItems(TierScrape, found), nil
}

// extractInitialState finds the inline script assigning the page state and
// decodes the first JSON value after the assignment.
func extractInitialState(page []byte) (any, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	var script string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if script != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" && n.FirstChild != nil {
			if text := n.FirstChild.Data; strings.Contains(text, initialStateMarker) {
				script = text
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if script == "" {
		return nil, fmt.Errorf("no %s script", initialStateMarker)
	}

	rest := script[strings.Index(script, initialStateMarker)+len(initialStateMarker):]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return nil, fmt.Errorf("%s is not assigned", initialStateMarker)
	}
	dec := json.NewDecoder(strings.NewReader(rest[eq+1:]))
	dec.UseNumber()
	var state any
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode page state: %w", err)
	}
	return state, nil
}

// collectDynamicObjects walks decoded JSON and keeps every object shaped like
// a dynamic item. Matches are not descended into, so a forward's orig
// does not appear twice.
func collectDynamicObjects(v any, out *[]json.RawMessage) {
	switch x := v.(type) {
	case map[string]any:
		if _, ok := x["id_str"].(string); ok {
			if _, ok := x["modules"].(map[string]any); ok {
				if b, err := json.Marshal(x); err == nil {
					*out = append(*out, b)
				}
				return
			}
		}
		for _, child := range x {
			collectDynamicObjects(child, out)
		}
	case []any:
		for _, child := range x {
			collectDynamicObjects(child, out)
		}
	}
}
