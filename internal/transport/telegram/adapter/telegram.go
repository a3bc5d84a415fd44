package adapter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
}

// Adapter is a send-only Telegram transport. Incoming updates are not consumed.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries near the end of each window.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of a previously sent message.
// Text longer than one message is truncated to the first chunk.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref.MessageID == 0 {
		return errors.New("telegram edit: message id is empty")
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	chunks := splitTelegramText(text, telegramTextLimit)
	_, err := a.bot.Edit(m, chunks[0], sendOptions(kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, opt))
	return err
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	var file tele.File
	switch {
	case len(photo.Bytes) > 0:
		file = tele.FromReader(bytes.NewReader(photo.Bytes))
	case photo.URL != "":
		file = tele.FromURL(photo.URL)
	case photo.Path != "":
		file = tele.FromDisk(photo.Path)
	default:
		return kit.MessageRef{}, errors.New("telegram photo: no source")
	}

	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, &tele.Photo{File: file, Caption: photo.Caption}, sendOptions(to, nil))
	if err != nil {
		a.log.Debug("photo send failed", logx.String("source", photo.Source()), logx.String("to", to.String()), logx.Err(err))
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}
