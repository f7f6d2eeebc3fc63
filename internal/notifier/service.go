package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"geodaily/internal/observability/metrics"
	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
)

var ErrDuplicate = errors.New("announcement already delivered")

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	DedupWindow   time.Duration
}

// Announcement is one message for one tenant destination.
//
// Key identifies the announcement for dedup (empty disables dedup).
type Announcement struct {
	Key    string
	Target transport.ChatTarget
	Text   string
	HTML   bool
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  transport.Sender

	log     logx.Logger
	metrics *metrics.Metrics

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender transport.Sender, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, metrics: m, dedup: map[string]time.Time{}}
	s.Apply(cfg)
	return s
}

// Apply swaps pacing and retry settings at runtime.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Deliver sends a to its target. ErrDuplicate means the same key was delivered
// within the dedup window and nothing was sent.
func (s *Service) Deliver(ctx context.Context, a Announcement) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return errors.New("notifier: no sender")
	}
	if a.Target.IsZero() || a.Text == "" {
		return errors.New("notifier: empty announcement")
	}
	if a.Key != "" && cfg.DedupWindow > 0 && !s.dedupAllow(a.Key, cfg.DedupWindow) {
		s.log.Debug("announcement suppressed", logx.String("key", a.Key))
		return ErrDuplicate
	}

	opts := &transport.SendOptions{DisablePreview: false}
	if a.HTML {
		opts.ParseMode = "HTML"
	}

	maxAttempts := 1 + max(0, cfg.RetryMax)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, a.Target, a.Text, opts)
		cancel()
		if err == nil {
			s.metrics.RecordNotification(nil)
			return nil
		}
		lastErr = err
		s.log.Debug("announcement send failed", logx.Target("target", a.Target), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var flood *transport.FloodError
		if errors.As(err, &flood) && flood.RetryAfter > delay {
			delay = flood.RetryAfter
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
	}

	// Let a later push try again.
	s.forget(a.Key)
	s.metrics.RecordNotification(lastErr)
	s.log.Warn("announcement not delivered", logx.Target("target", a.Target), logx.Err(lastErr))
	return lastErr
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) forget(key string) {
	if key == "" {
		return
	}
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), maxD)
}
