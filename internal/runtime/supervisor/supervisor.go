package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "geodaily/pkg/logx"
)

// Supervisor owns every goroutine the service starts.
// - Named goroutines (for logging and /healthz)
// - Panic recovery
// - Restart loops with backoff for long-running pollers
// - Detached tasks bounded by their own timeout
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started uint64
	active  int64
	panics  uint64

	log      logx.Logger
	errOnce  sync.Once
	firstErr atomic.Value // stores error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// Counters are operational signals only.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

// TaskStats aggregates goroutines sharing a name.
type TaskStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	active      int64
	started     uint64
	restarts    uint64
	lastStartAt time.Time
	lastErr     string
	lastErrAt   time.Time
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
		Panics:  atomic.LoadUint64(&s.panics),
	}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	ts := make([]TaskStats, 0, len(s.tasks))
	for name, st := range s.tasks {
		ts = append(ts, TaskStats{
			Name:        name,
			Active:      st.active,
			Started:     st.started,
			Restarts:    st.restarts,
			LastStartAt: st.lastStartAt,
			LastErr:     st.lastErr,
			LastErrAt:   st.lastErrAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Active != ts[j].Active {
			return ts[i].Active > ts[j].Active
		}
		return ts[i].Name < ts[j].Name
	})
	snap.Tasks = ts
	return snap
}

func (s *Supervisor) stat(name string) *taskStats {
	st := s.tasks[name]
	if st == nil {
		st = &taskStats{}
		s.tasks[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	st := s.stat(name)
	st.started++
	st.active++
	if restart {
		st.restarts++
	}
	st.lastStartAt = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	st := s.stat(name)
	if st.active > 0 {
		st.active--
	}
	if err != nil {
		st.lastErr = err.Error()
		st.lastErrAt = time.Now()
	}
	s.mu.Unlock()
}

// run executes fn with panic capture; a panic is converted into an error.
func (s *Supervisor) run(name string, ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.panics, 1)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) spawn(name string, body func()) {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		body()
	}()
}

// Go runs fn once. A non-nil error (other than cancellation) is recorded as the
// supervisor's first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.run(name, s.ctx, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.setErr(err)
		} else {
			err = nil
		}
		s.noteStop(name, err)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Detach runs fn on its own goroutine with a timeout derived from the
// supervisor context. Errors are logged, never recorded as fatal.
func (s *Supervisor) Detach(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		ctx := s.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		s.noteStart(name, false)
		err := s.run(name, ctx, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("detached task failed", logx.String("name", name), logx.Err(err))
		} else {
			err = nil
		}
		s.noteStop(name, err)
	})
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the supervisor stops. A nil return ends the loop.
func (s *Supervisor) GoRestart(name string, minBackoff, maxBackoff time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	s.spawn(name, func() {
		ctx := s.ctx
		backoff := minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := time.Now()
			s.noteStart(name, restarts > 0)
			err := s.run(name, ctx, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil)
				return
			}
			s.noteStop(name, err)
			restarts++

			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
