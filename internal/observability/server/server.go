// Package server runs the optional observability HTTP endpoint:
// /metrics (Prometheus), /healthz and, when enabled, /debug/pprof/.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "feedwatch/internal/runtime/supervisor"
	logx "feedwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9464"

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// HealthFunc reports component health for /healthz. A non-nil error
// answers 503.
type HealthFunc func() (map[string]any, error)

type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	gatherer prometheus.Gatherer
	health   HealthFunc

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Service{cfg: cfg, gatherer: gatherer, health: health, log: log}
}

// Addr is the bound listen address, empty when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. Listen errors are reported before returning so a
// bad address shows up at startup.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	s.mu.Unlock()

	ln, err := s.listen(cur)
	if err != nil {
		s.log.Error("observability server not started", logx.Err(err))
		return
	}
	srv := &http.Server{
		Handler:           s.handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cur.IdleTimeout,
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.mu.Lock()
	s.ln, s.srv, s.sup = ln, srv, sup
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		}()
		err := srv.Serve(ln)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("observability server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof), logx.Secret("token", cur.Token))
}

func (s *Service) listen(cur Config) (net.Listener, error) {
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		return nil, errors.New("non-loopback addr requires token or allow_insecure: " + addr)
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("observability server without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	return net.Listen("tcp", addr)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("observability server stopped")
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cur.Token, h) }

	mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.serveHealth)))
	if cur.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Service) serveHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		detail, err := s.health()
		for k, v := range detail {
			body[k] = v
		}
		if err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
