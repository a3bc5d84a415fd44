package transport

import (
	"context"
	"sync/atomic"

	logx "feedwatch/pkg/logx"
)

// DryRun is a Sender that only logs. Message ids are sequential.
type DryRun struct {
	log  logx.Logger
	next atomic.Int64
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log.With(logx.String("comp", "dryrun"))}
}

func (d *DryRun) SendText(ctx context.Context, to ChatTarget, text string, _ *SendOptions) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	id := int(d.next.Add(1))
	d.log.Info("send text", logx.String("to", to.String()), logx.Int("msg", id), logx.String("text", text))
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (d *DryRun) EditText(ctx context.Context, ref MessageRef, text string, _ *SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("edit text", logx.Int64("chat", ref.ChatID), logx.Int("msg", ref.MessageID), logx.String("text", text))
	return nil
}

func (d *DryRun) SendPhoto(ctx context.Context, to ChatTarget, p Photo) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	id := int(d.next.Add(1))
	fields := []logx.Field{logx.String("to", to.String()), logx.Int("msg", id), logx.String("source", p.Source())}
	switch {
	case p.URL != "":
		fields = append(fields, logx.String("url", p.URL))
	case p.Path != "":
		fields = append(fields, logx.String("path", p.Path))
	default:
		fields = append(fields, logx.Int("bytes", len(p.Bytes)))
	}
	d.log.Info("send photo", fields...)
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
