package autosolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geodaily/internal/geo"
	logx "geodaily/pkg/logx"
)

type fakeRemote struct {
	mu        sync.Mutex
	finishAt  int // finished after this many guesses; 0 = never
	guesses   []geo.Guess
	started   int
	startErr  error
	block     chan struct{}
	startedCh chan struct{}
}

func (f *fakeRemote) StartSession(ctx context.Context, challenge string) (string, error) {
	f.mu.Lock()
	f.started++
	ch, block := f.startedCh, f.block
	f.mu.Unlock()
	if ch != nil {
		ch <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.startErr != nil {
		return "", f.startErr
	}
	return "game-" + challenge, nil
}

func (f *fakeRemote) SubmitGuess(ctx context.Context, game string, g geo.Guess) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guesses = append(f.guesses, g)
	return nil
}

func (f *fakeRemote) SessionState(ctx context.Context, game string) (geo.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishAt > 0 && len(f.guesses) >= f.finishAt {
		return geo.SessionState{State: geo.StateFinished, Round: len(f.guesses)}, nil
	}
	return geo.SessionState{State: geo.StateStarted, Round: len(f.guesses) + 1}, nil
}

func noPause() Config { return Config{MaxPause: -1} }

func TestSolvePlaysUntilFinished(t *testing.T) {
	r := &fakeRemote{finishAt: 5}
	s := New(r, nil, noPause(), logx.Nop(), nil)

	if err := s.Solve(context.Background(), "https://www.geoguessr.com/challenge/tok"); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(r.guesses) != 5 {
		t.Fatalf("guesses=%d, want 5", len(r.guesses))
	}
	for _, g := range r.guesses {
		if g.Lat < -83 || g.Lat > -82.7 || g.Lng < -0.8 || g.Lng > 0.8 {
			t.Fatalf("guess out of the throwaway box: %+v", g)
		}
	}
}

func TestSolveIsBounded(t *testing.T) {
	r := &fakeRemote{}
	cfg := noPause()
	cfg.MaxRounds = 3
	s := New(r, nil, cfg, logx.Nop(), nil)

	if err := s.Solve(context.Background(), "tok"); !errors.Is(err, ErrRoundLimit) {
		t.Fatalf("err=%v, want ErrRoundLimit", err)
	}
	if len(r.guesses) != 3 {
		t.Fatalf("guesses=%d, want 3", len(r.guesses))
	}
}

func TestSolvePropagatesStartFailure(t *testing.T) {
	r := &fakeRemote{startErr: geo.ErrAuthExpired}
	s := New(r, nil, noPause(), logx.Nop(), nil)
	if err := s.Solve(context.Background(), "tok"); !errors.Is(err, geo.ErrAuthExpired) {
		t.Fatalf("err=%v", err)
	}
}

func TestSolveHonorsContext(t *testing.T) {
	r := &fakeRemote{}
	s := New(r, nil, Config{MaxPause: time.Hour}, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Solve(ctx, "tok") }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("solve ignored context")
	}
}

func TestStartDoesNotBlockAndDeduplicates(t *testing.T) {
	r := &fakeRemote{finishAt: 1, block: make(chan struct{}), startedCh: make(chan struct{}, 4)}
	s := New(r, nil, noPause(), logx.Nop(), nil)

	returned := make(chan struct{})
	go func() {
		s.Start("tok")
		s.Start("tok")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Start blocked the caller")
	}

	<-r.startedCh
	close(r.block)

	// Wait for the run to release its slot.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, busy := s.running.Load("tok"); !busy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started != 1 {
		t.Fatalf("sessions started=%d, want 1", started)
	}
}
