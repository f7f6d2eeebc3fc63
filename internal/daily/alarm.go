package daily

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"geodaily/internal/configstore"
	logx "geodaily/pkg/logx"
)

// ErrSweepQueued means another sweep was in flight; this one runs right after it.
var ErrSweepQueued = errors.New("daily sweep queued behind a running sweep")

type sweepRequest struct {
	trigger string
	filter  func(configstore.TenantState) bool
}

// Start arms the midnight alarm. ctx bounds every alarm run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx = ctx
	if err := s.startLocked(); err != nil {
		return err
	}
	s.log.Info("alarm armed", logx.String("tz", s.loc.String()), logx.String("spec", s.cfg.AlarmSpec))
	return nil
}

func (s *Service) startLocked() error {
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	ctx := s.runCtx
	if _, err := c.AddFunc(s.cfg.AlarmSpec, func() {
		_, err := s.Sweep(ctx, "alarm", nil)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSweepQueued) {
			s.log.Warn("alarm sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("daily: alarm spec %q: %w", s.cfg.AlarmSpec, err)
	}
	c.Start()
	s.c = c
	return nil
}

// Stop disarms the alarm and waits for a running sweep, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("alarm stopped")
}

// Apply swaps runtime settings. A timezone or alarm change re-arms the alarm.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("daily: timezone %q: %w", cfg.Timezone, err)
	}
	if _, err := s.parser.Parse(cfg.AlarmSpec); err != nil {
		return fmt.Errorf("daily: alarm spec %q: %w", cfg.AlarmSpec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rearm := loc.String() != s.loc.String() || strings.TrimSpace(cfg.AlarmSpec) != strings.TrimSpace(s.cfg.AlarmSpec)
	s.cfg = cfg
	s.loc = loc
	if s.c == nil || !rearm {
		return nil
	}
	// cron's Stop does not block; the old instance finishes any running job on its own.
	s.c.Stop()
	s.c = nil
	if err := s.startLocked(); err != nil {
		return err
	}
	s.log.Info("alarm re-armed", logx.String("tz", loc.String()), logx.String("spec", cfg.AlarmSpec))
	return nil
}

// Next is the next alarm time, zero when disarmed.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	if es := s.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

// Sweep pushes every configured tenant accepted by filter (nil accepts all),
// with yesterday's leaderboard. A sweep requested while another runs is not
// dropped: it is queued and the running sweep executes it when done. Requests
// queued meanwhile collapse into one, an unfiltered one winning.
func (s *Service) Sweep(ctx context.Context, trigger string, filter func(configstore.TenantState) bool) (int, error) {
	if !s.claimSweep(sweepRequest{trigger: trigger, filter: filter}) {
		s.log.Info("sweep queued, previous still running", logx.String("trigger", trigger))
		return 0, ErrSweepQueued
	}
	req := sweepRequest{trigger: trigger, filter: filter}
	var (
		total    int
		firstErr error
	)
	for {
		n, err := s.sweepOnce(ctx, req.trigger, req.filter)
		total += n
		if firstErr == nil {
			firstErr = err
		}
		next, ok := s.nextSweep(ctx)
		if !ok {
			return total, firstErr
		}
		req = next
	}
}

// claimSweep marks a sweep as running, or queues req behind the running one.
func (s *Service) claimSweep(req sweepRequest) bool {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if !s.sweeping {
		s.sweeping = true
		return true
	}
	if s.queued == nil || req.filter == nil {
		s.queued = &req
	}
	return false
}

// nextSweep hands over the queued request, or releases the running flag.
// Queued work is dropped once ctx is done.
func (s *Service) nextSweep(ctx context.Context) (sweepRequest, bool) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	q := s.queued
	s.queued = nil
	if q == nil || ctx.Err() != nil {
		s.sweeping = false
		return sweepRequest{}, false
	}
	return *q, true
}

func (s *Service) sweepOnce(ctx context.Context, trigger string, filter func(configstore.TenantState) bool) (int, error) {
	start := time.Now()
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	cfg, _ := s.config()

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	var pushed, failed atomic.Int64
	for _, t := range tenants {
		if !t.Configured || (filter != nil && !filter(t)) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.push(ctx, t.ID, true, false, trigger); err != nil {
				failed.Add(1)
				if !errors.Is(err, ErrNotConfigured) {
					s.log.Warn("daily push failed", logx.Tenant(t.ID), logx.String("trigger", trigger), logx.Err(err))
				}
				return nil
			}
			pushed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("sweep finished",
		logx.String("trigger", trigger),
		logx.Int("tenants", len(tenants)),
		logx.Int64("pushed", pushed.Load()),
		logx.Int64("failed", failed.Load()),
		logx.Duration("took", time.Since(start)),
	)
	return int(pushed.Load()), ctx.Err()
}

// Reconcile pushes every configured tenant that has no link for today. It
// covers alarms missed while the process was down. "Today" is evaluated per
// tenant so a queued reconcile that runs after midnight uses the new date.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	return s.Sweep(ctx, "reconcile", func(t configstore.TenantState) bool {
		return !t.HasLink(s.Today())
	})
}

// RunReconcile waits the configured delay, then reconciles once.
func (s *Service) RunReconcile(ctx context.Context) error {
	cfg, _ := s.config()
	if cfg.ReconcileDelay < 0 {
		return nil
	}
	t := time.NewTimer(cfg.ReconcileDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}
	n, err := s.Reconcile(ctx)
	if errors.Is(err, ErrSweepQueued) {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if n > 0 {
		s.log.Info("missed daily challenges posted", logx.Int("count", n))
	}
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
