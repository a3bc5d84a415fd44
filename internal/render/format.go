package render

import (
	"fmt"
	"strings"

	"feedwatch/internal/feed"
)

func displayAuthor(p feed.Post) string {
	if a := strings.TrimSpace(p.Author); a != "" {
		return a
	}
	if p.EntityID != 0 {
		return "UID " + p.EntityID.String()
	}
	return "unknown"
}

// Caption is the text message for a post. Forward origins are not included;
// see ForwardBlock.
func Caption(p feed.Post) string {
	var b strings.Builder
	switch p.Kind {
	case feed.KindLiveStart:
		fmt.Fprintf(&b, "🔴 %s is live!\n", displayAuthor(p))
		if p.Title != "" {
			fmt.Fprintf(&b, "📺 %s\n", p.Title)
		}
		if p.Permalink != "" {
			fmt.Fprintf(&b, "🔗 %s\n", p.Permalink)
		}
		b.WriteString("⏰ " + p.Text)
		return b.String()
	case feed.KindLiveEnd:
		fmt.Fprintf(&b, "🏁 %s ended the stream\n⏱ %s", displayAuthor(p), p.Text)
		return b.String()
	}

	fmt.Fprintf(&b, "📢 %s posted%s\n\n", displayAuthor(p), kindSuffix(p.Kind))
	writeBody(&b, p)
	if p.Permalink != "" {
		fmt.Fprintf(&b, "\n🔗 %s", p.Permalink)
	}
	return b.String()
}

// ForwardBlock labels the origin of a forward.
func ForwardBlock(origin feed.Post) string {
	var b strings.Builder
	if origin.Text == DeletedOriginText {
		b.WriteString("🔁 Forwarded post:\n")
	} else {
		fmt.Fprintf(&b, "🔁 Forwarded from @%s:\n", displayAuthor(origin))
	}
	writeBody(&b, origin)
	if origin.Permalink != "" && origin.Text != DeletedOriginText {
		fmt.Fprintf(&b, "\n🔗 %s", origin.Permalink)
	}
	return b.String()
}

// TooManyImagesNote is appended to the caption when images are skipped.
func TooManyImagesNote(n int) string {
	return fmt.Sprintf("⚠️ This post has %d images; open the link to view them.", n)
}

// ImageLinkLine is appended to a sent text when an image could not be delivered.
func ImageLinkLine(url string) string {
	return "🖼 " + url
}

func writeBody(b *strings.Builder, p feed.Post) {
	if p.Title != "" {
		b.WriteString(titlePrefix(p.Kind) + p.Title + "\n")
	}
	if p.Text != "" {
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	if p.Truncated {
		b.WriteString("[…]\n")
	}
}

func kindSuffix(k feed.Kind) string {
	switch k {
	case feed.KindVideo:
		return " a video:"
	case feed.KindArticle:
		return " an article:"
	default:
		return ":"
	}
}

func titlePrefix(k feed.Kind) string {
	switch k {
	case feed.KindVideo:
		return "📺 "
	case feed.KindArticle:
		return "📰 "
	default:
		return ""
	}
}
