package render

import (
	"encoding/json"
	"strconv"
	"strings"

	"feedwatch/internal/feed"
)

type polyItem struct {
	IDStr   string      `json:"id_str"`
	Type    string      `json:"type"`
	Modules polyModules `json:"modules"`
	Orig    *polyItem   `json:"orig"`
}

type polyModules struct {
	Author *struct {
		Name string      `json:"name"`
		Mid  json.Number `json:"mid"`
	} `json:"module_author"`
	Dynamic *polyDynamic `json:"module_dynamic"`
}

type polyDynamic struct {
	Desc       *polyText       `json:"desc"`
	Major      *polyMajor      `json:"major"`
	Additional *polyAdditional `json:"additional"`
}

type polyText struct {
	Text  string     `json:"text"`
	Nodes []richNode `json:"rich_text_nodes"`
}

type polyMajor struct {
	Type string `json:"type"`
	Opus *struct {
		Title   string    `json:"title"`
		Summary *polyText `json:"summary"`
		Pics    []struct {
			URL string `json:"url"`
		} `json:"pics"`
	} `json:"opus"`
	Draw *struct {
		Items []struct {
			Src string `json:"src"`
		} `json:"items"`
	} `json:"draw"`
	Archive *struct {
		Title string `json:"title"`
		Desc  string `json:"desc"`
		Cover string `json:"cover"`
	} `json:"archive"`
	Article *struct {
		Title  string   `json:"title"`
		Desc   string   `json:"desc"`
		Covers []string `json:"covers"`
	} `json:"article"`
	Common *struct {
		Title string `json:"title"`
		Desc  string `json:"desc"`
		Cover string `json:"cover"`
	} `json:"common"`
	None *struct {
		Tips string `json:"tips"`
	} `json:"none"`
}

type polyAdditional struct {
	Type string `json:"type"`
	Vote *struct {
		Desc string `json:"desc"`
	} `json:"vote"`
	Reserve *struct {
		Title string `json:"title"`
	} `json:"reserve"`
	Goods *struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
	} `json:"goods"`
	Ugc *struct {
		Title string `json:"title"`
	} `json:"ugc"`
}

func renderPolymer(raw feed.RawItem, entity feed.EntityID) (feed.Post, error) {
	var it polyItem
	if err := json.Unmarshal(raw.Payload, &it); err != nil {
		return feed.Post{}, malformed(raw, err.Error())
	}
	if it.IDStr == "" {
		it.IDStr = raw.ID
	}
	if it.IDStr == "" {
		return feed.Post{}, malformed(raw, "item has no id")
	}
	return polymerPost(&it, entity, 0), nil
}

func polymerPost(it *polyItem, entity feed.EntityID, depth int) feed.Post {
	p := feed.Post{
		ItemID:    it.IDStr,
		EntityID:  entity,
		Author:    polyAuthor(it),
		Kind:      polymerKind(it),
		Permalink: permalink(it.IDStr),
	}
	if a := it.Modules.Author; a != nil {
		if mid, err := strconv.ParseUint(a.Mid.String(), 10, 64); err == nil && mid > 0 {
			p.EntityID = feed.EntityID(mid)
		}
	}

	var body []string
	if d := it.Modules.Dynamic; d != nil {
		if d.Desc != nil {
			body = append(body, richText(d.Desc.Nodes, d.Desc.Text))
		}
		if m := d.Major; m != nil {
			title, text, images := majorContent(m)
			p.Title = title
			body = append(body, text)
			p.Images = append(p.Images, images...)
		}
		if a := d.Additional; a != nil {
			body = append(body, additionalText(a))
		}
	}
	p.Text = joinNonEmpty(body, "\n")

	if it.Type == "DYNAMIC_TYPE_FORWARD" {
		p.IsForward = true
		switch {
		case depth+1 >= MaxForwardDepth:
			p.Truncated = true
		case it.Orig == nil:
			p.ForwardOrigin = deletedOrigin("")
		case it.Orig.Type == "DYNAMIC_TYPE_NONE":
			p.ForwardOrigin = deletedOrigin(it.Orig.IDStr)
		default:
			origin := polymerPost(it.Orig, 0, depth+1)
			p.ForwardOrigin = &origin
		}
	}
	finishText(&p)
	return p
}

func polyAuthor(it *polyItem) string {
	if it.Modules.Author != nil {
		return strings.TrimSpace(it.Modules.Author.Name)
	}
	return ""
}

// polymerKind classifies by item type, then by major type. A forward is
// classified by its own body, which is the forwarder's comment.
func polymerKind(it *polyItem) feed.Kind {
	switch it.Type {
	case "DYNAMIC_TYPE_WORD", "DYNAMIC_TYPE_FORWARD":
		return feed.KindText
	case "DYNAMIC_TYPE_DRAW":
		return feed.KindOpus
	case "DYNAMIC_TYPE_AV":
		return feed.KindVideo
	case "DYNAMIC_TYPE_ARTICLE":
		return feed.KindArticle
	}
	if d := it.Modules.Dynamic; d != nil && d.Major != nil {
		switch d.Major.Type {
		case "MAJOR_TYPE_OPUS", "MAJOR_TYPE_DRAW":
			return feed.KindOpus
		case "MAJOR_TYPE_ARCHIVE":
			return feed.KindVideo
		case "MAJOR_TYPE_ARTICLE":
			return feed.KindArticle
		}
	}
	return feed.KindOther
}

func majorContent(m *polyMajor) (title, text string, images []feed.ImageRef) {
	switch {
	case m.Opus != nil:
		title = m.Opus.Title
		if s := m.Opus.Summary; s != nil {
			text = richText(s.Nodes, s.Text)
		}
		for _, pic := range m.Opus.Pics {
			images = appendImage(images, pic.URL)
		}
	case m.Draw != nil:
		for _, item := range m.Draw.Items {
			images = appendImage(images, item.Src)
		}
	case m.Archive != nil:
		title = m.Archive.Title
		text = m.Archive.Desc
		images = appendImage(images, m.Archive.Cover)
	case m.Article != nil:
		title = m.Article.Title
		text = m.Article.Desc
		for _, c := range m.Article.Covers {
			images = appendImage(images, c)
		}
	case m.Common != nil:
		title = m.Common.Title
		text = m.Common.Desc
	case m.None != nil:
		text = m.None.Tips
	}
	return strings.TrimSpace(title), text, images
}

func additionalText(a *polyAdditional) string {
	switch {
	case a.Vote != nil && a.Vote.Desc != "":
		return "📊 " + a.Vote.Desc
	case a.Reserve != nil && a.Reserve.Title != "":
		return "📅 " + a.Reserve.Title
	case a.Goods != nil && len(a.Goods.Items) > 0:
		names := make([]string, 0, len(a.Goods.Items))
		for _, g := range a.Goods.Items {
			names = append(names, g.Name)
		}
		return "🛒 " + strings.Join(names, ", ")
	case a.Ugc != nil && a.Ugc.Title != "":
		return "📺 " + a.Ugc.Title
	}
	return ""
}
