package configstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"geodaily/internal/storage"
	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
)

func openStore(t *testing.T, backend storage.Store, opt Options) *Store {
	t.Helper()
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	s, err := Open(context.Background(), backend, opt)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func sampleConfig() TenantConfig {
	return TenantConfig{
		Destination: transport.ChatTarget{ChatID: -1001234, ThreadID: 7},
		MapSlug:     "62a44b22040f04bd36e8a914",
		MapName:     "A Community World",
		TimeLimit:   90,
		NoMove:      true,
		NoPan:       false,
		NoZoom:      true,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := openStore(t, mem, Options{})

	want := sampleConfig()
	if err := s.Set(ctx, "-1001234", &want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := s.Get(ctx, "-1001234")
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	// Survives a reopen from the same backend.
	s2 := openStore(t, mem, Options{})
	got2, ok, err := s2.Get(ctx, "-1001234")
	if err != nil || !ok {
		t.Fatalf("reopen get ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(want, got2); diff != "" {
		t.Fatalf("reopened config mismatch (-want +got):\n%s", diff)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), Options{})
	cfg := sampleConfig()
	if err := s.Set(ctx, "t1", &cfg); err != nil {
		t.Fatal(err)
	}
	cfg.MapSlug = "mutated"
	got, _, _ := s.Get(ctx, "t1")
	if got.MapSlug == "mutated" {
		t.Fatalf("store shares caller's config")
	}
}

func TestPutLinkIsStablePerDate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), Options{})

	if err := s.PutLink(ctx, "t1", "2024-03-01", "tokA"); err != nil {
		t.Fatal(err)
	}
	for i, d := range []string{"2024-03-02", "2024-03-03", "2023-12-31"} {
		if err := s.PutLink(ctx, "t1", d, "other"+string(rune('0'+i))); err != nil {
			t.Fatal(err)
		}
		if err := s.PutLink(ctx, "t2", "2024-03-01", "foreign"); err != nil {
			t.Fatal(err)
		}
	}
	tok, ok, err := s.GetLink(ctx, "t1", "2024-03-01")
	if err != nil || !ok || tok != "tokA" {
		t.Fatalf("GetLink = %q ok=%v err=%v", tok, ok, err)
	}
	if _, ok, _ := s.GetLink(ctx, "t1", "2024-03-04"); ok {
		t.Fatalf("unexpected link for unrecorded date")
	}
}

func TestSetResetsLinksAndClearKeepsThem(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), Options{})
	cfg := sampleConfig()

	if err := s.PutLink(ctx, "t1", "2024-03-01", "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "t1", &cfg); err != nil {
		t.Fatal(err)
	}
	links, _ := s.Links(ctx, "t1")
	if len(links) != 0 {
		t.Fatalf("links not reset on setup: %v", links)
	}

	if err := s.PutLink(ctx, "t1", "2024-03-02", "new"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "t1", nil); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "t1"); ok {
		t.Fatalf("config still present after clear")
	}
	if tok, ok, _ := s.GetLink(ctx, "t1", "2024-03-02"); !ok || tok != "new" {
		t.Fatalf("link history lost on clear: %q %v", tok, ok)
	}
}

func TestLegacyMapNameIsReadWithoutRewrite(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	legacy := []byte(`{"42": {"daily_config": {"channel": 99, "map_name": "world", "time_limit": 180, "no_move": false, "no_pan": false, "no_zoom": false}, "daily_links": {"2024-01-01": "abc"}}}`)
	if err := mem.Save(ctx, DocumentName, legacy); err != nil {
		t.Fatal(err)
	}
	savesBefore := mem.Saves()

	s := openStore(t, mem, Options{})
	got, ok, err := s.Get(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if got.MapSlug != "world" {
		t.Fatalf("MapSlug=%q, want legacy map_name", got.MapSlug)
	}

	after, _, _ := mem.Load(ctx, DocumentName)
	if string(after) != string(legacy) || mem.Saves() != savesBefore {
		t.Fatalf("legacy record was rewritten")
	}
}

func TestOpenToleratesEmptyAndRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	for _, body := range []string{"{}", ""} {
		mem := storage.NewMemory()
		_ = mem.Save(ctx, DocumentName, []byte(body))
		if _, err := Open(ctx, mem, Options{}); err != nil {
			t.Fatalf("Open(%q): %v", body, err)
		}
	}

	mem := storage.NewMemory()
	_ = mem.Save(ctx, DocumentName, []byte(`{"t1": [1,2,3]}`))
	if _, err := Open(ctx, mem, Options{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), Options{})
	cases := []struct {
		name string
		mut  func(*TenantConfig)
	}{
		{"no destination", func(c *TenantConfig) { c.Destination = transport.ChatTarget{} }},
		{"no slug", func(c *TenantConfig) { c.MapSlug = "" }},
		{"negative limit", func(c *TenantConfig) { c.TimeLimit = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sampleConfig()
			tc.mut(&cfg)
			if err := s.Set(ctx, "t1", &cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err=%v", err)
			}
		})
	}
	if err := s.PutLink(ctx, "t1", "03/01/2024", "x"); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("err=%v, want ErrInvalidDate", err)
	}
}

type fakeChecker struct {
	mu     sync.Mutex
	known  bool
	exists bool
	probed chan transport.ChatTarget
}

func (f *fakeChecker) Known(transport.ChatTarget) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known
}

func (f *fakeChecker) Exists(_ context.Context, to transport.ChatTarget) (bool, error) {
	f.probed <- to
	return f.exists, nil
}

func TestGetRemovesConfigForVanishedDestination(t *testing.T) {
	ctx := context.Background()
	chk := &fakeChecker{probed: make(chan transport.ChatTarget, 1)}
	s := openStore(t, storage.NewMemory(), Options{Checker: chk})
	cfg := sampleConfig()
	if err := s.Set(ctx, "t1", &cfg); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.Get(ctx, "t1"); !ok {
		t.Fatalf("Get should still return the config while the probe runs")
	}
	select {
	case to := <-chk.probed:
		if to != cfg.Destination {
			t.Fatalf("probed %v", to)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no probe issued")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := s.Get(ctx, "t1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("config for vanished destination was not removed")
}

func TestGetSkipsProbeForKnownDestination(t *testing.T) {
	ctx := context.Background()
	chk := &fakeChecker{known: true, probed: make(chan transport.ChatTarget, 1)}
	s := openStore(t, storage.NewMemory(), Options{Checker: chk})
	cfg := sampleConfig()
	_ = s.Set(ctx, "t1", &cfg)

	if _, ok, _ := s.Get(ctx, "t1"); !ok {
		t.Fatal("missing config")
	}
	select {
	case <-chk.probed:
		t.Fatalf("known destination was probed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTenantsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, storage.NewMemory(), Options{})
	cfg := sampleConfig()
	_ = s.Set(ctx, "b", &cfg)
	_ = s.PutLink(ctx, "b", "2024-05-05", "tok")
	_ = s.PutLink(ctx, "a", "2024-05-05", "orphan")

	got, err := s.Tenants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []TenantState{
		{ID: "a", Links: map[string]string{"2024-05-05": "orphan"}},
		{ID: "b", Config: cfg, Configured: true, Links: map[string]string{"2024-05-05": "tok"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tenants (-want +got):\n%s", diff)
	}
}
