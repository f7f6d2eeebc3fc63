package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"geodaily/internal/catalog"
	"geodaily/internal/configstore"
	"geodaily/internal/credentials"
	"geodaily/internal/daily"
	"geodaily/internal/geo"
	"geodaily/internal/storage"
	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{to, text})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		t.Fatal("nothing sent")
	}
	return f.out[len(f.out)-1].text
}

type fakeAdmins map[int64]bool

func (f fakeAdmins) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	return f[userID], nil
}

type fakeDaily struct {
	reposts []string
	shows   map[string]string
	recent  []string
}

func (f *fakeDaily) Repost(ctx context.Context, tenantID string) error {
	f.reposts = append(f.reposts, tenantID)
	return nil
}

func (f *fakeDaily) Show(ctx context.Context, tenantID, date string) (string, error) {
	if s, ok := f.shows[date]; ok {
		return s, nil
	}
	return "", daily.ErrNoLink
}

func (f *fakeDaily) RecentDates(ctx context.Context, tenantID string, limit int) ([]string, error) {
	return f.recent, nil
}

var fixedNow = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

func (f *fakeDaily) Now() time.Time           { return fixedNow }
func (f *fakeDaily) Location() *time.Location { return time.UTC }
func (f *fakeDaily) Today() string            { return "2024-05-02" }

type fakeRemote struct {
	opts []geo.Options
	err  error
}

func (f *fakeRemote) Mint(ctx context.Context, opt geo.Options) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.opts = append(f.opts, opt)
	return fmt.Sprintf("tok%d", len(f.opts)), nil
}
func (f *fakeRemote) ChallengeURL(token string) string { return "https://geo.test/challenge/" + token }
func (f *fakeRemote) MapURL(slug string) string        { return "https://geo.test/maps/" + slug }

type fakeMaps struct{}

func (fakeMaps) Resolve(input string) (catalog.Entry, bool) {
	switch strings.ToLower(input) {
	case "world":
		return catalog.Entry{Slug: "world", Name: "World"}, true
	case "japan":
		return catalog.Entry{Slug: "japan-slug", Name: "Japan", CountryCode: "jp"}, true
	}
	return catalog.Entry{}, false
}

func (fakeMaps) NameOf(ctx context.Context, slug string) string { return slug }

type fakeCreds struct{ puts map[string]credentials.Set }

func (f *fakeCreds) Put(ctx context.Context, name string, set credentials.Set) error {
	f.puts[name] = set
	return nil
}

type harness struct {
	disp   *Dispatcher
	out    *fakeSender
	store  *configstore.Store
	mem    *storage.Memory
	daily  *fakeDaily
	remote *fakeRemote
	creds  *fakeCreds
}

const (
	owner = int64(1)
	admin = int64(2)
	user  = int64(3)
	group = int64(-100)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := storage.NewMemory()
	store, err := configstore.Open(context.Background(), mem, configstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		out:    &fakeSender{},
		store:  store,
		mem:    mem,
		daily:  &fakeDaily{shows: map[string]string{}},
		remote: &fakeRemote{},
		creds:  &fakeCreds{puts: map[string]credentials.Set{}},
	}
	h.disp = NewDispatcher(h.out, fakeAdmins{admin: true}, []int64{owner}, logx.Nop(), nil)
	hs := NewHandlers(Deps{
		Configs:     store,
		Daily:       h.daily,
		Remote:      h.remote,
		Maps:        fakeMaps{},
		Credentials: h.creds,
		Audit:       mem,
	}, h.disp)
	h.disp.Register(hs.Commands()...)
	return h
}

// run dispatches text synchronously. It reports whether a job ran.
func (h *harness) run(from, chat int64, text string) bool {
	msg := &transport.Message{ChatID: chat, FromID: from, FromUsername: "u", Text: text, IsPrivate: chat > 0}
	_, job, ok := h.disp.prepare(context.Background(), msg)
	if !ok {
		return false
	}
	job()
	return true
}

func (h *harness) sentCount() int {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	return len(h.out.out)
}

func TestUnknownAndPlainTextAreIgnored(t *testing.T) {
	h := newHarness(t)
	if h.run(user, group, "hello") || h.run(user, group, "/nope") {
		t.Fatal("expected no job")
	}
	if h.sentCount() != 0 {
		t.Fatal("bot should stay quiet")
	}
}

func TestGeochallengeMintsWithFlags(t *testing.T) {
	h := newHarness(t)
	h.run(user, group, "/geochallenge@geobot japan --time 1:30 --no-move --no-zoom")

	if len(h.remote.opts) != 1 {
		t.Fatalf("mints=%d", len(h.remote.opts))
	}
	got := h.remote.opts[0]
	want := geo.Options{Map: "japan-slug", TimeLimit: 90, NoMove: true, NoZoom: true}
	if got != want {
		t.Fatalf("opts=%+v, want %+v", got, want)
	}
	if !strings.Contains(h.out.last(t), "https://geo.test/challenge/tok1") {
		t.Fatalf("reply=%s", h.out.last(t))
	}
}

func TestGeochallengeCooldown(t *testing.T) {
	h := newHarness(t)
	h.run(user, group, "/geochallenge")
	h.run(user, group, "/geochallenge")
	if len(h.remote.opts) != 1 {
		t.Fatalf("mints=%d, want 1", len(h.remote.opts))
	}
	if !strings.Contains(h.out.last(t), "1 challenge link per minute") {
		t.Fatalf("reply=%s", h.out.last(t))
	}
}

func TestGeochallengeUnknownMap(t *testing.T) {
	h := newHarness(t)
	h.run(user, group, "/geochallenge atlantis")
	if h.out.last(t) != "Map not found." || len(h.remote.opts) != 0 {
		t.Fatalf("reply=%s mints=%d", h.out.last(t), len(h.remote.opts))
	}
}

func TestRemoteErrorsBecomeUserMessages(t *testing.T) {
	h := newHarness(t)
	h.remote.err = fmt.Errorf("mint: %w", geo.ErrAuthExpired)
	h.run(user, group, "/geochallenge")
	if !strings.Contains(h.out.last(t), "contact the bot owner") {
		t.Fatalf("reply=%s", h.out.last(t))
	}
}

func TestSetupRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	h.run(user, group, "/setupgeodaily")
	if !strings.Contains(h.out.last(t), "Only chat administrators") {
		t.Fatalf("reply=%s", h.out.last(t))
	}
	if _, ok, _ := h.store.Get(context.Background(), "-100"); ok {
		t.Fatal("config written by a non-admin")
	}
}

func TestSetupStoresConfigAndReposts(t *testing.T) {
	h := newHarness(t)
	h.run(admin, group, "/setupgeodaily japan --no-pan")

	cfg, ok, err := h.store.Get(context.Background(), "-100")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if cfg.MapSlug != "japan-slug" || cfg.MapName != "Japan" || cfg.TimeLimit != 180 || !cfg.NoPan || cfg.Destination.ChatID != group {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(h.daily.reposts) != 1 || h.daily.reposts[0] != "-100" {
		t.Fatalf("reposts=%v", h.daily.reposts)
	}
	if a := h.mem.Audit(); len(a) != 1 || a[0].Action != "daily.setup" || a[0].ActorID != admin {
		t.Fatalf("audit=%+v", a)
	}
}

func TestSetupRefusedInPrivate(t *testing.T) {
	h := newHarness(t)
	h.run(admin, 42, "/setupgeodaily")
	if !strings.Contains(h.out.last(t), "only works in a group") {
		t.Fatalf("reply=%s", h.out.last(t))
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.run(admin, group, "/cancelgeodaily")
	if !strings.Contains(h.out.last(t), "not set up") {
		t.Fatalf("reply=%s", h.out.last(t))
	}

	h.run(admin, group, "/setupgeodaily")
	h.run(admin, group, "/cancelgeodaily")
	if !strings.Contains(h.out.last(t), "have been stopped") {
		t.Fatalf("reply=%s", h.out.last(t))
	}
	if _, ok, _ := h.store.Get(context.Background(), "-100"); ok {
		t.Fatal("config still present")
	}
}

func TestShowDaily(t *testing.T) {
	h := newHarness(t)
	h.daily.shows["2024-05-01"] = "<b>yesterday</b>"
	h.daily.recent = []string{"2024-05-01", "2024-04-30"}

	h.run(user, group, "/geodaily yesterday")
	if h.out.last(t) != "<b>yesterday</b>" {
		t.Fatalf("reply=%s", h.out.last(t))
	}

	h.run(user, group, "/geodaily")
	if h.out.last(t) != "Daily GeoGuessr challenge is not set up." {
		t.Fatalf("today reply=%s", h.out.last(t))
	}

	h.run(user, group, "/geodaily 2024-01-01")
	if r := h.out.last(t); !strings.Contains(r, "not available") || !strings.Contains(r, "<code>2024-05-01</code>") {
		t.Fatalf("past reply=%s", r)
	}

	h.run(user, group, "/geodaily xyzzy")
	if !strings.Contains(h.out.last(t), "Invalid date") {
		t.Fatalf("bad date reply=%s", h.out.last(t))
	}
}

func TestOwnerTokenCommands(t *testing.T) {
	h := newHarness(t)

	// Strangers and group chats get silence.
	h.run(user, 3, "/maintoken abc")
	h.run(owner, group, "/maintoken abc")
	if h.sentCount() != 0 || len(h.creds.puts) != 0 {
		t.Fatalf("sent=%d puts=%v", h.sentCount(), h.creds.puts)
	}

	h.run(owner, 1, "/maintoken abc")
	h.run(owner, 1, "/autotoken _ncfa=x; other=y")
	if got := h.creds.puts[credentials.Primary]; got[credentials.SessionCookie] != "abc" {
		t.Fatalf("primary=%v", got)
	}
	if got := h.creds.puts[credentials.AutoSolver]; got["_ncfa"] != "x" || got["other"] != "y" {
		t.Fatalf("auto=%v", got)
	}
	if h.out.last(t) != "Auto cookies set." {
		t.Fatalf("reply=%s", h.out.last(t))
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	h := newHarness(t)
	h.run(user, group, "/help")
	if r := h.out.last(t); strings.Contains(r, "maintoken") || !strings.Contains(r, "/geodaily") {
		t.Fatalf("help=%s", r)
	}
	h.run(owner, 1, "/help")
	if !strings.Contains(h.out.last(t), "maintoken") {
		t.Fatal("owners see owner commands")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{daily.ErrNotConfigured, "not set up"},
		{fmt.Errorf("x: %w", geo.ErrInvalidOptions), "rejected"},
		{&geo.TransportError{Op: "mint", Status: 502, Err: geo.ErrUnexpectedStatus}, "Failed to reach GeoGuessr"},
		{&transport.FloodError{RetryAfter: time.Second, Err: errors.New("429")}, "rate limiting"},
		{errors.New("boom"), "An error occurred"},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Fatalf("UserMessage(%v)=%q, want %q", tt.err, got, tt.want)
		}
	}
}
