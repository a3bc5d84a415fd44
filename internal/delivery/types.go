package delivery

import (
	"errors"
	"time"

	"feedwatch/internal/transport"
)

var (
	// ErrTransportRejected marks a send the chat transport refused.
	ErrTransportRejected = errors.New("delivery: transport rejected")
	ErrStopped           = errors.New("delivery: engine stopped")
	errImageTooLarge     = errors.New("image exceeds byte ceiling")
	errNoImageBytes      = errors.New("image bytes unavailable")
)

// Config is the delivery policy. Zero values take defaults.
type Config struct {
	ImageDelay        time.Duration // between consecutive media sends (default 500ms)
	MaxImages         int           // above this, images are skipped and noted (default 3)
	RatePerSec        int           // per destination (default 1)
	QueueSize         int           // per destination (default 64)
	IdleTimeout       time.Duration // idle destination queues are reaped (default 10m)
	ForwardFirstImage bool
	DisablePreview    bool

	Image ImageConfig
}

type ImageConfig struct {
	MaxWidth        int           // default 2048
	MaxBytes        int           // inline payload ceiling (default 5 MiB)
	Quality         int           // initial JPEG quality (default 85)
	DownloadTimeout time.Duration // per attempt (default 20s)
	DownloadRetries int           // default 2
	FileTimeout     time.Duration // bound on the file tier send (default 60s)
	TempDir         string        // default os.TempDir()
	UserAgent       string
	Referer         string // default https://www.bilibili.com/
}

func (c Config) withDefaults() Config {
	if c.ImageDelay <= 0 {
		c.ImageDelay = 500 * time.Millisecond
	}
	if c.MaxImages <= 0 {
		c.MaxImages = 3
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	im := &c.Image
	if im.MaxWidth <= 0 {
		im.MaxWidth = 2048
	}
	if im.MaxBytes <= 0 {
		im.MaxBytes = 5 << 20
	}
	if im.Quality <= 0 || im.Quality > 100 {
		im.Quality = 85
	}
	if im.DownloadTimeout <= 0 {
		im.DownloadTimeout = 20 * time.Second
	}
	if im.DownloadRetries < 0 {
		im.DownloadRetries = 0
	} else if im.DownloadRetries == 0 {
		im.DownloadRetries = 2
	}
	if im.FileTimeout <= 0 {
		im.FileTimeout = 60 * time.Second
	}
	if im.Referer == "" {
		im.Referer = "https://www.bilibili.com/"
	}
	return c
}

// Tier names of delivery attempts.
const (
	TierText     = "text"
	TierInline   = "inline"
	TierLink     = "link"
	TierFile     = "file"
	TierTextLink = "text_link"
	TierForward  = "forward"
)

const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Attempt is published on the event bus for every tier tried.
type Attempt struct {
	ID          string
	ItemID      string
	Destination transport.ChatTarget
	Tier        string
	Outcome     string
	ImageURL    string
	Error       string
	At          time.Time
}

// Result is the outcome of one post for one destination. Err is set only
// when the text message could not be sent; image problems degrade to links.
type Result struct {
	Destination  transport.ChatTarget
	Message      transport.MessageRef
	ImagesSent   int
	ImagesLinked int
	Err          error
}
