package daily

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"geodaily/internal/configstore"
	"geodaily/internal/geo"
	"geodaily/internal/notifier"
	"geodaily/internal/observability/metrics"
	logx "geodaily/pkg/logx"
)

var (
	ErrNotConfigured = configstore.ErrNotConfigured
	ErrNoLink        = errors.New("no daily challenge recorded for that date")
)

// ConfigStore is the part of *configstore.Store the scheduler uses.
type ConfigStore interface {
	Get(ctx context.Context, tenantID string) (configstore.TenantConfig, bool, error)
	GetLink(ctx context.Context, tenantID, date string) (string, bool, error)
	PutLink(ctx context.Context, tenantID, date, token string) error
	Links(ctx context.Context, tenantID string) (map[string]string, error)
	Tenants(ctx context.Context) ([]configstore.TenantState, error)
}

// Challenges is the part of *geo.Client the scheduler uses.
type Challenges interface {
	Mint(ctx context.Context, opt geo.Options) (string, error)
	FetchResults(ctx context.Context, token string) ([]geo.LeaderboardEntry, error)
	ChallengeURL(token string) string
	UserURL(id string) string
}

// Solver is the part of *autosolve.Solver the scheduler uses.
type Solver interface {
	Solve(ctx context.Context, challenge string) error
	Start(challenge string)
}

type Deliverer interface {
	Deliver(ctx context.Context, a notifier.Announcement) error
}

type Config struct {
	Timezone string
	// AlarmSpec is a cron spec evaluated in Timezone; default "0 0 * * *".
	AlarmSpec string
	// ReconcileDelay is the wait before the startup scan; default 30s, negative disables the scan.
	ReconcileDelay  time.Duration
	Concurrency     int           // parallel pushes per sweep; default 4
	LeaderboardSize int           // default 10
	PushTimeout     time.Duration // default 2m
	SolveTimeout    time.Duration // bound for leaderboard remediation; default 5m
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the timezone and alarm spec after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if _, err := LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("daily: timezone %q: %w", c.Timezone, err)
	}
	if _, err := specParser.Parse(c.AlarmSpec); err != nil {
		return fmt.Errorf("daily: alarm spec %q: %w", c.AlarmSpec, err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.AlarmSpec) == "" {
		c.AlarmSpec = "0 0 * * *"
	}
	if c.ReconcileDelay == 0 {
		c.ReconcileDelay = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = 10
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 2 * time.Minute
	}
	if c.SolveTimeout <= 0 {
		c.SolveTimeout = 5 * time.Minute
	}
	return c
}

// Service owns the daily link lifecycle of every tenant: minting, recording,
// announcing, and leaderboard queries.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	runCtx context.Context

	store  ConfigStore
	remote Challenges
	solver Solver
	out    Deliverer

	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks sync.Map // tenant id -> *sync.Mutex

	sweepMu  sync.Mutex
	sweeping bool
	queued   *sweepRequest
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store ConfigStore, remote Challenges, solver Solver, out Deliverer, log logx.Logger, m *metrics.Metrics, opts ...Option) (*Service, error) {
	if store == nil || remote == nil || solver == nil || out == nil {
		return nil, errors.New("daily: store, remote, solver and deliverer are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("daily: timezone %q: %w", cfg.Timezone, err)
	}
	s := &Service{
		cfg:     cfg,
		loc:     loc,
		parser:  specParser,
		store:   store,
		remote:  remote,
		solver:  solver,
		out:     out,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := s.parser.Parse(cfg.AlarmSpec); err != nil {
		return nil, fmt.Errorf("daily: alarm spec %q: %w", cfg.AlarmSpec, err)
	}
	return s, nil
}

func (s *Service) config() (Config, *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.loc
}

// Location is the timezone that defines "today".
func (s *Service) Location() *time.Location {
	_, loc := s.config()
	return loc
}

// Now is the current time in the configured timezone.
func (s *Service) Now() time.Time { return s.now().In(s.Location()) }

// Today is the current date key.
func (s *Service) Today() string { return s.Now().Format(configstore.DateLayout) }

func (s *Service) yesterday() string {
	return s.Now().AddDate(0, 0, -1).Format(configstore.DateLayout)
}

func (s *Service) lockFor(tenantID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(tenantID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Link returns today's challenge token for the tenant, minting and recording
// one when none exists or force is set. A fresh token is handed to the
// auto-solver before it is recorded. A failed mint records nothing.
func (s *Service) Link(ctx context.Context, tenantID string, force bool) (string, error) {
	cfg, ok, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotConfigured
	}
	return s.link(ctx, tenantID, cfg, force)
}

func (s *Service) link(ctx context.Context, tenantID string, cfg configstore.TenantConfig, force bool) (string, error) {
	mu := s.lockFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	date := s.Today()
	if !force {
		stored, ok, err := s.store.GetLink(ctx, tenantID, date)
		if err != nil {
			return "", err
		}
		if ok {
			return geo.TokenFromLink(stored), nil
		}
	}

	token, err := s.remote.Mint(ctx, geo.Options{
		Map:       cfg.MapSlug,
		TimeLimit: cfg.TimeLimit,
		NoMove:    cfg.NoMove,
		NoPan:     cfg.NoPan,
		NoZoom:    cfg.NoZoom,
	})
	if err != nil {
		return "", fmt.Errorf("mint daily challenge: %w", err)
	}
	s.solver.Start(token)
	if err := s.store.PutLink(ctx, tenantID, date, token); err != nil {
		return "", fmt.Errorf("record daily link: %w", err)
	}
	s.log.Info("daily challenge minted", logx.Tenant(tenantID), logx.String("date", date), logx.String("token", token), logx.Bool("forced", force))
	return token, nil
}

// Push announces today's challenge in the tenant's destination, minting it
// first when needed. withLeaderboard appends yesterday's top players.
func (s *Service) Push(ctx context.Context, tenantID string, withLeaderboard bool) error {
	return s.push(ctx, tenantID, withLeaderboard, false, "manual")
}

// Repost mints a replacement for today's challenge and announces it. Used
// after a tenant reconfigures its daily.
func (s *Service) Repost(ctx context.Context, tenantID string) error {
	return s.push(ctx, tenantID, false, true, "setup")
}

func (s *Service) push(ctx context.Context, tenantID string, withBoard, force bool, trigger string) (err error) {
	start := time.Now()
	defer func() {
		if !errors.Is(err, ErrNotConfigured) {
			s.metrics.RecordPush(trigger, time.Since(start), err)
		}
	}()

	cfg, _ := s.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.PushTimeout)
	defer cancel()

	tc, ok, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfigured
	}
	token, err := s.link(ctx, tenantID, tc, force)
	if err != nil {
		return err
	}

	today := s.Today()
	a := Announcement{Date: today, Link: s.remote.ChallengeURL(token), Today: true, Config: tc}
	if withBoard {
		entries, lerr := s.Leaderboard(ctx, tenantID, s.yesterday())
		switch {
		case lerr == nil:
			a.Leaderboard = &Board{Heading: "Yesterday's Top Players", Empty: "No one played yesterday.", Entries: entries}
		case errors.Is(lerr, ErrNoLink):
		default:
			s.log.Warn("yesterday's leaderboard unavailable", logx.Tenant(tenantID), logx.Err(lerr))
		}
	}

	err = s.out.Deliver(ctx, notifier.Announcement{
		Key:    tenantID + ":" + today + ":" + token,
		Target: tc.Destination,
		Text:   Render(a, s.remote.UserURL, cfg.LeaderboardSize),
		HTML:   true,
	})
	if errors.Is(err, notifier.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deliver daily challenge: %w", err)
	}
	s.log.Info("daily challenge posted", logx.Tenant(tenantID), logx.String("date", today), logx.String("trigger", trigger))
	return nil
}

// Leaderboard returns the ranked results of the tenant's challenge on date.
// When the service account cannot read them yet, the auto-solver plays the
// challenge once and the results are fetched again.
func (s *Service) Leaderboard(ctx context.Context, tenantID, date string) ([]geo.LeaderboardEntry, error) {
	stored, ok, err := s.store.GetLink(ctx, tenantID, date)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoLink
	}
	token := geo.TokenFromLink(stored)

	entries, err := s.remote.FetchResults(ctx, token)
	if !errors.Is(err, geo.ErrNotYetPlayed) && !errors.Is(err, geo.ErrAuthExpired) {
		return entries, err
	}

	s.log.Info("leaderboard unreadable, solving first", logx.Tenant(tenantID), logx.String("date", date), logx.Err(err))
	cfg, _ := s.config()
	sctx, cancel := context.WithTimeout(ctx, cfg.SolveTimeout)
	serr := s.solver.Solve(sctx, token)
	cancel()
	if serr != nil {
		s.log.Warn("auto-solve before leaderboard failed", logx.Tenant(tenantID), logx.String("token", token), logx.Err(serr))
	}
	return s.remote.FetchResults(ctx, token)
}

// Show renders the tenant's challenge for date with its current leaderboard.
func (s *Service) Show(ctx context.Context, tenantID, date string) (string, error) {
	stored, ok, err := s.store.GetLink(ctx, tenantID, date)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoLink
	}
	cfg, _ := s.config()
	tc, _, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}

	a := Announcement{
		Date:   date,
		Link:   s.remote.ChallengeURL(geo.TokenFromLink(stored)),
		Today:  date == s.Today(),
		Config: tc,
	}
	entries, err := s.Leaderboard(ctx, tenantID, date)
	if err != nil {
		s.log.Warn("leaderboard unavailable", logx.Tenant(tenantID), logx.String("date", date), logx.Err(err))
	} else {
		a.Leaderboard = &Board{Heading: "Top Players", Empty: "No one has played yet.", Entries: entries, UpdatedAt: s.Now()}
	}
	return Render(a, s.remote.UserURL, cfg.LeaderboardSize), nil
}

// RecentDates lists the newest dates with a recorded link, newest first.
func (s *Service) RecentDates(ctx context.Context, tenantID string, limit int) ([]string, error) {
	links, err := s.store.Links(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(links))
	for d := range links {
		if configstore.ValidDate(d) {
			dates = append(dates, d)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if limit > 0 && len(dates) > limit {
		dates = dates[:limit]
	}
	return dates, nil
}
