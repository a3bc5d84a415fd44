package render

import (
	"encoding/json"
	"strings"

	"feedwatch/internal/feed"
)

// Legacy desc.type codes.
const (
	legacyForward = 1
	legacyDraw    = 2
	legacyText    = 4
	legacyVideo   = 8
	legacyArticle = 64
	legacyAudio   = 256
	legacyShare   = 2048
	legacyLive    = 4308
)

// legacyCard is the union of the card schemas this renderer reads.
type legacyCard struct {
	Item *struct {
		Content     string `json:"content"`
		Description string `json:"description"`
		Miss        int    `json:"miss"`
		Tips        string `json:"tips"`
		Pictures    []struct {
			ImgSrc string `json:"img_src"`
		} `json:"pictures"`
	} `json:"item"`
	User *struct {
		Name  string `json:"name"`
		Uname string `json:"uname"`
	} `json:"user"`
	Origin     string `json:"origin"`
	OriginUser *struct {
		Info struct {
			Uname string `json:"uname"`
		} `json:"info"`
	} `json:"origin_user"`

	// video, article, audio
	Title     string   `json:"title"`
	Desc      string   `json:"desc"`
	Dynamic   string   `json:"dynamic"`
	Pic       string   `json:"pic"`
	Summary   string   `json:"summary"`
	Intro     string   `json:"intro"`
	Cover     string   `json:"cover"`
	ImageURLs []string `json:"image_urls"`
	Owner     *struct {
		Name string `json:"name"`
	} `json:"owner"`
	Author *struct {
		Name string `json:"name"`
	} `json:"author"`

	// share card
	Vest *struct {
		Content string `json:"content"`
	} `json:"vest"`
	Sketch *struct {
		Title    string `json:"title"`
		DescText string `json:"desc_text"`
		CoverURL string `json:"cover_url"`
	} `json:"sketch"`
}

func renderLegacy(raw feed.RawItem, entity feed.EntityID) (feed.Post, error) {
	var c feed.LegacyCard
	if err := json.Unmarshal(raw.Payload, &c); err != nil {
		return feed.Post{}, malformed(raw, err.Error())
	}
	id := c.Desc.DynamicIDStr
	if id == "" {
		id = raw.ID
	}
	if c.Card == "" {
		return feed.Post{}, malformed(raw, "card is empty")
	}
	var card legacyCard
	if err := json.Unmarshal([]byte(c.Card), &card); err != nil {
		return feed.Post{}, malformed(raw, "card: "+err.Error())
	}

	originID := ""
	if c.Desc.Origin != nil {
		originID = c.Desc.Origin.DynamicIDStr
	}
	p := legacyPost(&card, legacyNode{
		id:       id,
		typ:      c.Desc.Type,
		origType: c.Desc.OrigType,
		originID: originID,
		author:   c.Desc.UserProfile.Info.Uname,
	}, 0)
	p.EntityID = entity
	return p, nil
}

type legacyNode struct {
	id       string
	typ      int
	origType int
	originID string
	author   string
}

func legacyPost(card *legacyCard, n legacyNode, depth int) feed.Post {
	p := feed.Post{ItemID: n.id, Author: n.author, Permalink: permalink(n.id), Kind: legacyKind(n.typ)}
	if p.Author == "" {
		p.Author = legacyAuthor(card)
	}

	var body []string
	switch n.typ {
	case legacyForward, legacyText:
		if card.Item != nil {
			body = append(body, card.Item.Content)
		}
	case legacyDraw:
		if card.Item != nil {
			body = append(body, card.Item.Description)
			for _, pic := range card.Item.Pictures {
				p.Images = appendImage(p.Images, pic.ImgSrc)
			}
		}
	case legacyVideo:
		p.Title = strings.TrimSpace(card.Title)
		body = append(body, card.Dynamic, card.Desc)
		p.Images = appendImage(p.Images, card.Pic)
	case legacyArticle:
		p.Title = strings.TrimSpace(card.Title)
		body = append(body, card.Summary)
		for _, u := range card.ImageURLs {
			p.Images = appendImage(p.Images, u)
		}
	case legacyAudio:
		p.Title = strings.TrimSpace(card.Title)
		body = append(body, card.Intro)
		p.Images = appendImage(p.Images, card.Cover)
	case legacyShare:
		if card.Vest != nil {
			body = append(body, card.Vest.Content)
		}
		if card.Sketch != nil {
			p.Title = strings.TrimSpace(card.Sketch.Title)
			body = append(body, card.Sketch.DescText)
		}
	default:
		if card.Item != nil {
			body = append(body, card.Item.Content, card.Item.Description)
		}
	}
	p.Text = joinNonEmpty(body, "\n")

	if n.typ == legacyForward {
		p.IsForward = true
		switch {
		case depth+1 >= MaxForwardDepth:
			p.Truncated = true
		case card.Origin == "" || (card.Item != nil && card.Item.Miss == 1):
			p.ForwardOrigin = deletedOrigin(n.originID)
		default:
			var orig legacyCard
			if err := json.Unmarshal([]byte(card.Origin), &orig); err != nil {
				p.ForwardOrigin = deletedOrigin(n.originID)
				break
			}
			author := ""
			if card.OriginUser != nil {
				author = card.OriginUser.Info.Uname
			}
			// The type of a nested origin is not reported; it renders generically.
			origin := legacyPost(&orig, legacyNode{id: n.originID, typ: n.origType, author: author}, depth+1)
			p.ForwardOrigin = &origin
		}
	}
	finishText(&p)
	return p
}

func legacyKind(typ int) feed.Kind {
	switch typ {
	case legacyForward, legacyText:
		return feed.KindText
	case legacyDraw:
		return feed.KindOpus
	case legacyVideo:
		return feed.KindVideo
	case legacyArticle:
		return feed.KindArticle
	default:
		return feed.KindOther
	}
}

func legacyAuthor(card *legacyCard) string {
	switch {
	case card.User != nil && card.User.Uname != "":
		return card.User.Uname
	case card.User != nil && card.User.Name != "":
		return card.User.Name
	case card.Owner != nil:
		return card.Owner.Name
	case card.Author != nil:
		return card.Author.Name
	}
	return ""
}
