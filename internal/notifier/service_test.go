package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails []error
	sent  []string
	opts  []transport.SendOptions
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return transport.MessageRef{}, err
	}
	f.sent = append(f.sent, text)
	if opt != nil {
		f.opts = append(f.opts, *opt)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, DedupWindow: time.Hour}
}

var target = transport.ChatTarget{ChatID: -100, ThreadID: 3}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	fs := &fakeSender{fails: []error{errors.New("502"), errors.New("timeout")}}
	s := New(fastConfig(), fs, logx.Nop(), nil)

	if err := s.Deliver(context.Background(), Announcement{Key: "k", Target: target, Text: "hi", HTML: true}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if fs.calls != 3 || len(fs.sent) != 1 {
		t.Fatalf("calls=%d sent=%d", fs.calls, len(fs.sent))
	}
	if fs.opts[0].ParseMode != "HTML" {
		t.Fatalf("parse mode not set: %+v", fs.opts[0])
	}
}

func TestDeliverGivesUpAndAllowsLaterRetry(t *testing.T) {
	boom := errors.New("boom")
	fs := &fakeSender{fails: []error{boom, boom, boom}}
	s := New(fastConfig(), fs, logx.Nop(), nil)

	if err := s.Deliver(context.Background(), Announcement{Key: "k", Target: target, Text: "hi"}); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	// The failed key is not remembered.
	if err := s.Deliver(context.Background(), Announcement{Key: "k", Target: target, Text: "hi"}); err != nil {
		t.Fatalf("second deliver: %v", err)
	}
}

func TestDeliverDedupsSameKey(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), nil)
	a := Announcement{Key: "t1:2024-01-01:tok", Target: target, Text: "hi"}

	if err := s.Deliver(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := s.Deliver(context.Background(), a); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err=%v, want ErrDuplicate", err)
	}
	a.Key = "t1:2024-01-01:other"
	if err := s.Deliver(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if len(fs.sent) != 2 {
		t.Fatalf("sent=%d, want 2", len(fs.sent))
	}
}

func TestDeliverHonorsFloodWait(t *testing.T) {
	fs := &fakeSender{fails: []error{&transport.FloodError{RetryAfter: 30 * time.Millisecond, Err: errors.New("429")}}}
	s := New(fastConfig(), fs, logx.Nop(), nil)

	start := time.Now()
	if err := s.Deliver(context.Background(), Announcement{Target: target, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Fatalf("retried after %v, before the flood delay", waited)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}
