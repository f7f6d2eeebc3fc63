package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geodaily/internal/observability/metrics"
	"geodaily/internal/runtime/supervisor"
	logx "geodaily/pkg/logx"
)

// Config controls the ops HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Probe reports a component's supervisor state for /healthz.
type Probe func() supervisor.Snapshot

// Server serves /healthz, /metrics and /debug/pprof.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	metrics *metrics.Metrics
	probes  map[string]Probe

	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics, probes map[string]Probe) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, metrics: m, probes: probes}
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Safe during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			_ = s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		_ = s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start is idempotent and a no-op when disabled.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("http.serve", 500*time.Millisecond, 10*time.Second, s.serveOnce)
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	err := sup.Stop(ctx)
	s.log.Info("ops server stopped")
	return err
}

var errInsecureBind = errors.New("ops server refused to start: non-loopback addr requires token or allow_insecure")

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("ops server not started", logx.String("addr", addr), logx.Err(errInsecureBind))
			// Restarting cannot fix a config problem.
			return nil
		}
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the router. /healthz stays open; everything else needs token when set.
func (s *Server) Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)
	r.Group(func(r chi.Router) {
		r.Use(bearer(token))
		if s.metrics != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
		}
		r.Mount("/debug", middleware.Profiler())
	})
	return r
}

type healthBody struct {
	Status     string                         `json:"status"`
	Components map[string]supervisor.Snapshot `json:"components"`
}

// health is 503 once any component supervisor recorded a fatal error.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "ok", Components: map[string]supervisor.Snapshot{}}
	for name, probe := range s.probes {
		snap := probe()
		if snap.FirstError != "" {
			body.Status = "degraded"
		}
		body.Components[name] = snap
	}
	w.Header().Set("Content-Type", "application/json")
	if body.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
