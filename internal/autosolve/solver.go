package autosolve

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"geodaily/internal/geo"
	"geodaily/internal/observability/metrics"
	logx "geodaily/pkg/logx"
)

// ErrRoundLimit means the session did not finish within MaxRounds guesses.
var ErrRoundLimit = errors.New("auto-solve round limit reached")

// Remote is the session API the solver drives. *geo.Client satisfies it.
type Remote interface {
	StartSession(ctx context.Context, challenge string) (string, error)
	SubmitGuess(ctx context.Context, game string, g geo.Guess) error
	SessionState(ctx context.Context, game string) (geo.SessionState, error)
}

// Detacher runs fire-and-forget work. *supervisor.Supervisor satisfies it.
type Detacher interface {
	Detach(name string, timeout time.Duration, fn func(ctx context.Context) error)
}

type Config struct {
	MaxRounds int           // default 10
	MaxPause  time.Duration // upper bound of each random pause; default 1s, negative disables
	Timeout   time.Duration // bound for Start; default 5m
}

// Solver plays a challenge to completion with throwaway guesses so the
// service account can read its leaderboard.
type Solver struct {
	remote  Remote
	detach  Detacher
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics

	running sync.Map // challenge token -> run id
}

func New(remote Remote, detach Detacher, cfg Config, log logx.Logger, m *metrics.Metrics) *Solver {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.MaxPause == 0 {
		cfg.MaxPause = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Solver{remote: remote, detach: detach, cfg: cfg, log: log, metrics: m}
}

// phase of one run.
type phase int

const (
	phaseStarted phase = iota
	phasePlaying
	phaseFinished
)

func (p phase) String() string {
	switch p {
	case phaseStarted:
		return "started"
	case phasePlaying:
		return "playing"
	case phaseFinished:
		return "finished"
	}
	return "unknown"
}

// Solve opens a session on the challenge and guesses until the remote reports
// it finished, MaxRounds is hit or ctx ends.
func (s *Solver) Solve(ctx context.Context, challenge string) error {
	challenge = geo.TokenFromLink(challenge)
	runID := uuid.NewString()
	log := s.log.With(logx.String("run", runID), logx.String("challenge", challenge))

	rounds, err := s.solve(ctx, challenge, log)
	s.metrics.RecordSolve(rounds, err)
	if err != nil {
		log.Warn("auto-solve failed", logx.Int("rounds", rounds), logx.Err(err))
		return err
	}
	log.Info("auto-solve finished", logx.Int("rounds", rounds))
	return nil
}

func (s *Solver) solve(ctx context.Context, challenge string, log logx.Logger) (int, error) {
	st := phaseStarted
	game, err := s.remote.StartSession(ctx, challenge)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	log.Debug("auto-solve session opened", logx.String("phase", st.String()))

	st = phasePlaying
	for round := 1; round <= s.cfg.MaxRounds; round++ {
		if err := s.pause(ctx); err != nil {
			return round - 1, err
		}
		g := geo.Guess{
			Lat: -83 + rand.Float64()*0.3,
			Lng: rand.Float64()*1.6 - 0.8,
		}
		if err := s.remote.SubmitGuess(ctx, game, g); err != nil {
			return round - 1, fmt.Errorf("round %d: guess: %w", round, err)
		}
		if err := s.pause(ctx); err != nil {
			return round, err
		}
		state, err := s.remote.SessionState(ctx, game)
		if err != nil {
			return round, fmt.Errorf("round %d: poll: %w", round, err)
		}
		log.Trace("auto-solve round", logx.String("phase", st.String()), logx.Int("round", round), logx.String("state", state.State))
		if state.Finished() {
			st = phaseFinished
			log.Debug("auto-solve session closed", logx.String("phase", st.String()))
			return round, nil
		}
	}
	return s.cfg.MaxRounds, ErrRoundLimit
}

func (s *Solver) pause(ctx context.Context) error {
	if s.cfg.MaxPause <= 0 {
		return ctx.Err()
	}
	d := time.Duration(rand.Int64N(int64(s.cfg.MaxPause)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start runs Solve in the background. A run already in progress for the same
// challenge is not duplicated. It never blocks the caller.
func (s *Solver) Start(challenge string) {
	challenge = geo.TokenFromLink(challenge)
	if challenge == "" {
		return
	}
	if _, busy := s.running.LoadOrStore(challenge, struct{}{}); busy {
		s.log.Debug("auto-solve already running", logx.String("challenge", challenge))
		return
	}
	fn := func(ctx context.Context) error {
		defer s.running.Delete(challenge)
		return s.Solve(ctx, challenge)
	}
	if s.detach != nil {
		s.detach.Detach("autosolve", s.cfg.Timeout, fn)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		_ = fn(ctx)
	}()
}
