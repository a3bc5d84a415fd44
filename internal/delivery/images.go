package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	logx "feedwatch/pkg/logx"
)

// maxDownload caps a single image body.
const maxDownload = 32 << 20

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// imageSet downloads and prepares each image of one post once, no matter
// how many destinations send it.
type imageSet struct {
	client *http.Client
	cfg    ImageConfig
	log    logx.Logger

	mu      sync.Mutex
	entries map[string]*imageEntry
}

type imageEntry struct {
	once sync.Once
	raw  []byte
	// inline is raw re-encoded to fit the byte ceiling.
	inline    []byte
	rawErr    error
	inlineErr error
}

func newImageSet(client *http.Client, cfg ImageConfig, log logx.Logger) *imageSet {
	return &imageSet{client: client, cfg: cfg, log: log, entries: map[string]*imageEntry{}}
}

func (s *imageSet) get(ctx context.Context, url string) *imageEntry {
	s.mu.Lock()
	e := s.entries[url]
	if e == nil {
		e = &imageEntry{}
		s.entries[url] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		e.raw, e.rawErr = s.download(ctx, url)
		if e.rawErr != nil {
			e.inlineErr = e.rawErr
			s.log.Debug("image download failed", logx.String("url", url), logx.Err(e.rawErr))
			return
		}
		e.inline, e.inlineErr = shrink(e.raw, s.cfg.MaxWidth, s.cfg.MaxBytes, s.cfg.Quality)
	})
	return e
}

func (s *imageSet) download(ctx context.Context, url string) ([]byte, error) {
	rp := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			var perm permanentError
			return err != nil && !errors.As(err, &perm) && ctx.Err() == nil
		}).
		WithBackoff(300*time.Millisecond, 3*time.Second).
		WithMaxRetries(s.cfg.DownloadRetries).
		ReturnLastFailure().
		Build()

	return failsafe.With[[]byte](rp).WithContext(ctx).Get(func() ([]byte, error) {
		actx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
		if err != nil {
			return nil, permanentError{err}
		}
		if s.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", s.cfg.UserAgent)
		}
		req.Header.Set("Referer", s.cfg.Referer)
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanentError{fmt.Errorf("image http %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("image http %d", resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
		if err != nil {
			return nil, err
		}
		if len(b) > maxDownload {
			return nil, permanentError{errImageTooLarge}
		}
		if len(b) == 0 {
			return nil, permanentError{errNoImageBytes}
		}
		return b, nil
	})
}

// shrink returns raw unchanged when it is a small enough JPEG or PNG;
// otherwise it is scaled down to maxWidth and re-encoded as JPEG, lowering
// quality and size until it fits maxBytes.
func shrink(raw []byte, maxWidth, maxBytes, quality int) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if len(raw) <= maxBytes && cfg.Width <= maxWidth && (format == "jpeg" || format == "png") {
		return raw, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	width := src.Bounds().Dx()
	if width > maxWidth {
		width = maxWidth
	}
	for range 5 {
		out, err := encodeScaled(src, width, quality)
		if err != nil {
			return nil, err
		}
		if len(out) <= maxBytes {
			return out, nil
		}
		width = width * 3 / 4
		if quality > 50 {
			quality -= 10
		}
		if width < 64 {
			break
		}
	}
	return nil, errImageTooLarge
}

func encodeScaled(src image.Image, width, quality int) ([]byte, error) {
	b := src.Bounds()
	height := b.Dy() * width / max(b.Dx(), 1)
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	// JPEG has no alpha; flatten onto white.
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// writeTemp stores data in a uniquely named file under dir. The caller must
// call the returned cleanup.
func writeTemp(dir string, data []byte) (string, func(), error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", func() {}, err
	}
	path := filepath.Join(dir, "feedwatch-"+uuid.NewString()+".jpg")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.Remove(path)
		return "", func() {}, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}
