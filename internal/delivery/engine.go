// Package delivery sends rendered posts to chat destinations.
//
// Every destination has its own serialized, rate-limited queue. A post is
// one job: text first, then images one by one, then the forward origin.
// Each image walks the inline -> link -> file tiers and, if all fail, its
// URL is appended to the already sent text.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/feed"
	"feedwatch/internal/observability/metrics"
	"feedwatch/internal/render"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

// Engine is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	sender    transport.Sender
	client    *http.Client
	log       logx.Logger
	bus       eventbus.Bus
	met       *metrics.Metrics
	queues    map[transport.ChatTarget]*destQueue
	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

type Options struct {
	// Client downloads images; defaults to a plain client.
	Client  *http.Client
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

func New(cfg Config, sender transport.Sender, opts Options, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		sender: sender,
		client: opts.Client,
		log:    log,
		bus:    opts.Bus,
		met:    opts.Metrics,
		queues: map[transport.ChatTarget]*destQueue{},
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return
	}
	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	e.accepting = true
}

// Stop refuses new posts and waits for queued ones until ctx is done, then
// cancels the remaining sends.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	sup := e.sup
	e.accepting = false
	e.mu.Unlock()
	if sup == nil {
		return
	}

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.log.Warn("delivery drain timed out; cancelling pending sends")
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	e.mu.Lock()
	e.sup = nil
	e.queues = map[transport.ChatTarget]*destQueue{}
	e.mu.Unlock()
}

// Apply swaps the delivery policy. Running queues pick up the new rate.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	for _, q := range e.queues {
		q.limiter.SetLimit(rateLimit(cfg.RatePerSec))
	}
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// postPlan is the destination-independent part of a delivery.
type postPlan struct {
	cfg      Config
	itemID   string
	text     string
	images   []string
	forward  string
	fwdImage string
	imgs     *imageSet
}

func (e *Engine) plan(post feed.Post) *postPlan {
	cfg := e.config()
	p := &postPlan{cfg: cfg, itemID: post.ItemID, text: render.Caption(post)}
	urls := imageURLs(post.Images)
	if len(urls) > cfg.MaxImages {
		p.text += "\n\n" + render.TooManyImagesNote(len(urls))
	} else {
		p.images = urls
	}
	if post.IsForward && post.ForwardOrigin != nil {
		p.forward = render.ForwardBlock(*post.ForwardOrigin)
		if cfg.ForwardFirstImage {
			if o := imageURLs(post.ForwardOrigin.Images); len(o) > 0 {
				p.fwdImage = o[0]
			}
		}
	}
	p.imgs = newImageSet(e.client, cfg.Image, e.log)
	return p
}

func imageURLs(refs []feed.ImageRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.SourceURL != "" {
			out = append(out, r.SourceURL)
		}
	}
	return out
}

// Deliver sends post to every destination and waits for the outcomes, one
// Result per destination in the given order.
func (e *Engine) Deliver(ctx context.Context, post feed.Post, dests []transport.ChatTarget) []Result {
	plan := e.plan(post)
	results := make([]Result, len(dests))
	waits := make([]chan Result, len(dests))

	for i, d := range dests {
		results[i].Destination = d
		q, err := e.queueFor(d)
		if err != nil {
			results[i].Err = err
			continue
		}
		ch := make(chan Result, 1)
		select {
		case q.jobs <- job{ctx: ctx, post: plan, result: ch}:
			waits[i] = ch
		case <-ctx.Done():
			e.release(q)
			results[i].Err = ctx.Err()
		}
	}

	for i, ch := range waits {
		if ch == nil {
			continue
		}
		select {
		case r := <-ch:
			results[i] = r
		case <-ctx.Done():
			results[i].Err = ctx.Err()
		}
	}
	return results
}

func (e *Engine) sendPost(ctx context.Context, q *destQueue, p *postPlan) Result {
	res := Result{Destination: q.dest}
	opts := &transport.SendOptions{DisablePreview: p.cfg.DisablePreview}

	ref, err := e.sendText(ctx, q, p, TierText, p.text, opts)
	if err != nil {
		res.Err = err
		return res
	}
	res.Message = ref

	var lost []string
	for _, u := range p.images {
		if err := e.sleep(ctx, p.cfg.ImageDelay); err != nil {
			return res
		}
		if e.sendImage(ctx, q, p, u) {
			res.ImagesSent++
		} else {
			lost = append(lost, u)
		}
	}
	if len(lost) > 0 {
		e.appendLinks(ctx, q, p, ref, p.text, lost, opts)
		res.ImagesLinked += len(lost)
	}

	if p.forward == "" {
		return res
	}
	fref, err := e.sendText(ctx, q, p, TierForward, p.forward, opts)
	if err != nil {
		// The outer post is out; a lost origin block does not fail the delivery.
		return res
	}
	if p.fwdImage != "" {
		if err := e.sleep(ctx, p.cfg.ImageDelay); err != nil {
			return res
		}
		if e.sendImage(ctx, q, p, p.fwdImage) {
			res.ImagesSent++
		} else {
			e.appendLinks(ctx, q, p, fref, p.forward, []string{p.fwdImage}, opts)
			res.ImagesLinked++
		}
	}
	return res
}

func (e *Engine) sendText(ctx context.Context, q *destQueue, p *postPlan, tier, text string, opts *transport.SendOptions) (transport.MessageRef, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	ref, err := e.sender.SendText(ctx, q.dest, text, opts)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransportRejected, err)
	}
	e.record(q.dest, p.itemID, tier, "", err)
	return ref, err
}

// sendImage walks the image tiers and reports whether any succeeded.
func (e *Engine) sendImage(ctx context.Context, q *destQueue, p *postPlan, url string) bool {
	img := p.imgs.get(ctx, url)

	// inline
	if img.inlineErr != nil {
		e.record(q.dest, p.itemID, TierInline, url, img.inlineErr)
	} else if e.photo(ctx, q, p, TierInline, url, transport.Photo{Bytes: img.inline}) {
		return true
	}

	// link
	if ctx.Err() != nil {
		return false
	}
	if e.photo(ctx, q, p, TierLink, url, transport.Photo{URL: url}) {
		return true
	}

	// file
	if ctx.Err() != nil {
		return false
	}
	data := img.inline
	if data == nil {
		data = img.raw
	}
	if data == nil {
		e.record(q.dest, p.itemID, TierFile, url, errNoImageBytes)
		return false
	}
	path, cleanup, err := writeTemp(p.cfg.Image.TempDir, data)
	defer cleanup()
	if err != nil {
		e.record(q.dest, p.itemID, TierFile, url, err)
		return false
	}
	fctx, cancel := context.WithTimeout(ctx, p.cfg.Image.FileTimeout)
	defer cancel()
	return e.photo(fctx, q, p, TierFile, url, transport.Photo{Path: path})
}

func (e *Engine) photo(ctx context.Context, q *destQueue, p *postPlan, tier, url string, ph transport.Photo) bool {
	if err := q.limiter.Wait(ctx); err != nil {
		e.record(q.dest, p.itemID, tier, url, err)
		return false
	}
	_, err := e.sender.SendPhoto(ctx, q.dest, ph)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransportRejected, err)
	}
	e.record(q.dest, p.itemID, tier, url, err)
	return err == nil
}

// appendLinks adds the URLs of undeliverable images to a sent message, or
// sends them as a follow-up when the edit fails.
func (e *Engine) appendLinks(ctx context.Context, q *destQueue, p *postPlan, ref transport.MessageRef, text string, urls []string, opts *transport.SendOptions) {
	lines := make([]string, len(urls))
	for i, u := range urls {
		lines[i] = render.ImageLinkLine(u)
	}
	tail := strings.Join(lines, "\n")

	if err := q.limiter.Wait(ctx); err != nil {
		return
	}
	err := e.sender.EditText(ctx, ref, text+"\n\n"+tail, opts)
	if err == nil {
		e.record(q.dest, p.itemID, TierTextLink, strings.Join(urls, " "), nil)
		return
	}
	e.log.Debug("edit failed; sending image links separately", logx.Stringer("dest", q.dest), logx.Err(err))
	if err := q.limiter.Wait(ctx); err != nil {
		return
	}
	_, err = e.sender.SendText(ctx, q.dest, tail, opts)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransportRejected, err)
	}
	e.record(q.dest, p.itemID, TierTextLink, strings.Join(urls, " "), err)
}

func (e *Engine) record(dest transport.ChatTarget, itemID, tier, url string, err error) {
	a := Attempt{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		Destination: dest,
		Tier:        tier,
		Outcome:     OutcomeOK,
		ImageURL:    url,
		At:          time.Now(),
	}
	if err != nil {
		a.Outcome = OutcomeFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			a.Outcome = OutcomeSkipped
		}
		a.Error = err.Error()
	}
	e.met.IncDeliveryAttempt(tier, a.Outcome)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryAttempt, Time: a.At, Data: a})
	}
	fields := []logx.Field{
		logx.String("attempt", a.ID),
		logx.String("item", itemID),
		logx.Stringer("dest", dest),
		logx.String("tier", tier),
		logx.String("outcome", a.Outcome),
	}
	if url != "" {
		fields = append(fields, logx.String("url", url))
	}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	e.log.Debug("delivery attempt", fields...)
}
