package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ChatTarget addresses one destination channel.
// ThreadID selects a forum topic (0 if none).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget accepts "<chat>" or "<chat>/<thread>".
func ParseChatTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, errors.New("empty chat target")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, "/")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return ChatTarget{}, fmt.Errorf("invalid chat id %q: %w", chatPart, err)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		th, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || th < 0 {
			return ChatTarget{}, fmt.Errorf("invalid thread id %q", threadPart)
		}
		t.ThreadID = th
	}
	return t, nil
}

// UnmarshalJSON accepts a bare number or a "<chat>/<thread>" string,
// so YAML and JSON configs can list groups either way.
func (t *ChatTarget) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseChatTarget(s)
		if err != nil {
			return err
		}
		*t = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat target must be a number or string: %w", err)
	}
	*t = ChatTarget{ChatID: n}
	return nil
}

func (t ChatTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Photo is one outbound image. Exactly one of Bytes, URL or Path is set,
// matching the inline, link and file delivery tiers.
type Photo struct {
	Bytes   []byte
	URL     string
	Path    string
	Caption string
}

func (p Photo) Source() string {
	switch {
	case len(p.Bytes) > 0:
		return "bytes"
	case p.URL != "":
		return "url"
	case p.Path != "":
		return "file"
	default:
		return "none"
	}
}

// Sender is the downstream send interface consumed by the delivery engine.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	SendPhoto(ctx context.Context, to ChatTarget, photo Photo) (MessageRef, error)
}
