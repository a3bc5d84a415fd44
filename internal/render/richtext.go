package render

import (
	"strings"
)

type richNode struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	OrigText string `json:"orig_text"`
	JumpURL  string `json:"jump_url"`
	Emoji    *struct {
		Text string `json:"text"`
	} `json:"emoji"`
}

// richText rebuilds display text from rich-text nodes in document order.
// Without nodes the plain fallback is used as is.
func richText(nodes []richNode, fallback string) string {
	if len(nodes) == 0 {
		return fallback
	}
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(nodeText(n))
	}
	return b.String()
}

func nodeText(n richNode) string {
	text := n.Text
	if text == "" {
		text = n.OrigText
	}
	switch n.Type {
	case "RICH_TEXT_NODE_TYPE_AT":
		if !strings.HasPrefix(text, "@") {
			text = "@" + text
		}
		return text
	case "RICH_TEXT_NODE_TYPE_TOPIC":
		t := strings.Trim(text, "#")
		return "#" + t + "#"
	case "RICH_TEXT_NODE_TYPE_EMOJI":
		if n.Emoji != nil && n.Emoji.Text != "" {
			return n.Emoji.Text
		}
		return text
	case "RICH_TEXT_NODE_TYPE_WEB", "RICH_TEXT_NODE_TYPE_BV", "RICH_TEXT_NODE_TYPE_CV", "RICH_TEXT_NODE_TYPE_OGV_SEASON":
		u := absURL(n.JumpURL)
		if u == "" || u == text {
			return text
		}
		if text == "" {
			return u
		}
		return text + " (" + u + ")"
	case "RICH_TEXT_NODE_TYPE_VOTE", "RICH_TEXT_NODE_TYPE_LOTTERY", "RICH_TEXT_NODE_TYPE_GOODS":
		return text
	default:
		return text
	}
}

// absURL turns protocol-relative links into https links.
func absURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}
