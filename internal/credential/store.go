package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/observability/metrics"
	logx "feedwatch/pkg/logx"
)

const (
	DefaultNavURL    = "https://api.bilibili.com/x/web-interface/nav"
	DefaultSpiURL    = "https://api.bilibili.com/x/frontend/finger/spi"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	referer          = "https://www.bilibili.com/"
)

var ErrNoSigningKeys = errors.New("credential: wbi keys not available")

// Credential is the operator-supplied cookie set. The login flow that
// produces these values is out of scope.
type Credential struct {
	SESSDATA    string
	BiliJct     string
	Buvid3      string
	DedeUserID  string
	AcTimeValue string
}

// Normalize trims values and URL-decodes the ones copied from a browser
// in escaped form (SESSDATA usually contains "%2C").
func (c Credential) Normalize() Credential {
	dec := func(v string) string {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "%") {
			if u, err := url.QueryUnescape(v); err == nil {
				return u
			}
		}
		return v
	}
	return Credential{
		SESSDATA:    dec(c.SESSDATA),
		BiliJct:     dec(c.BiliJct),
		Buvid3:      dec(c.Buvid3),
		DedeUserID:  dec(c.DedeUserID),
		AcTimeValue: dec(c.AcTimeValue),
	}
}

func (c Credential) LoggedIn() bool { return c.SESSDATA != "" }

func (c Credential) cookies() []*http.Cookie {
	pairs := []struct{ k, v string }{
		{"SESSDATA", c.SESSDATA},
		{"bili_jct", c.BiliJct},
		{"buvid3", c.Buvid3},
		{"DedeUserID", c.DedeUserID},
		{"ac_time_value", c.AcTimeValue},
	}
	out := make([]*http.Cookie, 0, len(pairs))
	for _, p := range pairs {
		if p.v != "" {
			out = append(out, &http.Cookie{Name: p.k, Value: p.v})
		}
	}
	return out
}

type Options struct {
	Client    *http.Client
	NavURL    string
	SpiURL    string
	UserAgent string
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Store holds the current credential and the derived WBI signing keys.
// Safe for concurrent use.
type Store struct {
	log    logx.Logger
	client *http.Client
	navURL string
	spiURL string
	ua     string
	bus    eventbus.Bus
	met    *metrics.Metrics
	now    func() time.Time

	mu          sync.RWMutex
	cred        Credential
	mixin       string
	refreshedAt time.Time

	sf singleflight.Group
}

func New(cred Credential, opts Options, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:    log.With(logx.String("comp", "credential")),
		client: opts.Client,
		navURL: opts.NavURL,
		spiURL: opts.SpiURL,
		ua:     opts.UserAgent,
		bus:    opts.Bus,
		met:    opts.Metrics,
		now:    opts.Now,
		cred:   cred.Normalize(),
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 15 * time.Second}
	}
	if s.navURL == "" {
		s.navURL = DefaultNavURL
	}
	if s.spiURL == "" {
		s.spiURL = DefaultSpiURL
	}
	if s.ua == "" {
		s.ua = DefaultUserAgent
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Update replaces the operator credential. Signing keys are kept; they are
// not tied to the account.
func (s *Store) Update(c Credential) {
	c = c.Normalize()
	s.mu.Lock()
	changed := c != s.cred
	s.cred = c
	s.mu.Unlock()
	if changed {
		s.log.Info("credential updated", logx.Bool("logged_in", c.LoggedIn()))
	}
}

func (s *Store) Current() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Store) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// Sign attaches cookies, User-Agent and Referer, and adds wts/w_rid to WBI
// endpoints. Without signing keys the request is left unsigned and
// ErrNoSigningKeys is returned; callers may still send it.
func (s *Store) Sign(req *http.Request) error {
	s.mu.RLock()
	cred, mixin := s.cred, s.mixin
	s.mu.RUnlock()

	req.Header.Set("User-Agent", s.ua)
	if req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", referer)
	}
	for _, c := range cred.cookies() {
		req.AddCookie(c)
	}

	if !needsWBI(req.URL.Path) {
		return nil
	}
	if mixin == "" {
		return ErrNoSigningKeys
	}
	req.URL.RawQuery = signQuery(req.URL.Query(), mixin, s.now()).Encode()
	return nil
}

// Refresh re-derives the signing keys from the nav endpoint and fills a
// missing buvid3. Concurrent callers share one upstream round trip. On
// failure the previous keys stay in use.
func (s *Store) Refresh(ctx context.Context) error {
	ch := s.sf.DoChan("refresh", func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 20*time.Second)
		defer cancel()
		return nil, s.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (s *Store) refresh(ctx context.Context) error {
	if s.Current().Buvid3 == "" {
		if b3, err := s.fetchBuvid(ctx); err != nil {
			s.log.Debug("buvid3 bootstrap failed", logx.Err(err))
		} else if b3 != "" {
			s.mu.Lock()
			if s.cred.Buvid3 == "" {
				s.cred.Buvid3 = b3
			}
			s.mu.Unlock()
		}
	}

	img, sub, loggedIn, err := s.fetchKeys(ctx)
	s.met.IncCredentialRefresh(err == nil)
	if err != nil {
		s.log.Warn("credential refresh failed", logx.Err(err))
		return err
	}

	now := s.now()
	s.mu.Lock()
	s.mixin = mixinKey(img, sub)
	s.refreshedAt = now
	s.mu.Unlock()

	s.log.Info("credential refreshed", logx.Bool("logged_in", loggedIn))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCredentialFresh, Time: now, Data: loggedIn})
	}
	return nil
}

type navResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		IsLogin bool `json:"isLogin"`
		WbiImg  struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	} `json:"data"`
}

// fetchKeys reads wbi_img from nav. Anonymous sessions get code -101 but
// still receive the keys.
func (s *Store) fetchKeys(ctx context.Context) (img, sub string, loggedIn bool, err error) {
	var nav navResponse
	if err := s.getJSON(ctx, s.navURL, &nav); err != nil {
		return "", "", false, fmt.Errorf("nav: %w", err)
	}
	img = keyFromURL(nav.Data.WbiImg.ImgURL)
	sub = keyFromURL(nav.Data.WbiImg.SubURL)
	if img == "" || sub == "" {
		return "", "", false, fmt.Errorf("nav: no wbi keys (code %d: %s)", nav.Code, nav.Message)
	}
	return img, sub, nav.Data.IsLogin, nil
}

func (s *Store) fetchBuvid(ctx context.Context) (string, error) {
	var spi struct {
		Code int `json:"code"`
		Data struct {
			B3 string `json:"b_3"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, s.spiURL, &spi); err != nil {
		return "", err
	}
	if spi.Code != 0 {
		return "", fmt.Errorf("spi: code %d", spi.Code)
	}
	return spi.Data.B3, nil
}

func (s *Store) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	_ = s.Sign(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
