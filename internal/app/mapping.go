package app

import (
	"fmt"
	"strings"
	"time"

	"geodaily/internal/autosolve"
	"geodaily/internal/catalog"
	"geodaily/internal/config"
	"geodaily/internal/credentials"
	"geodaily/internal/daily"
	"geodaily/internal/geo"
	"geodaily/internal/notifier"
	"geodaily/internal/observability/ops"
	"geodaily/internal/storage"
	"geodaily/internal/transport"
	"geodaily/internal/transport/telegram"
	logx "geodaily/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			Target:     transport.ChatTarget{ChatID: l.Telegram.ChatID, ThreadID: l.Telegram.ThreadID},
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required (or set %sTELEGRAM_TOKEN)", config.EnvPrefix)
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  poll,
		AllowedChats: cfg.Telegram.AllowedChats,
	}, nil
}

// mapStorage defaults to the file driver under ./data.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: "./data"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: driver}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDaily(cfg *config.Config) (daily.Config, error) {
	d := cfg.Daily
	out := daily.Config{
		Timezone:        d.Timezone,
		AlarmSpec:       d.Alarm,
		Concurrency:     d.Concurrency,
		LeaderboardSize: d.LeaderboardSize,
	}
	// reconcile_delay may be negative to disable the startup scan.
	var err error
	if out.ReconcileDelay, err = config.ParseSignedDuration("daily.reconcile_delay", d.ReconcileDelay); err != nil {
		return daily.Config{}, err
	}
	if out.PushTimeout, err = config.ParseDurationField("daily.push_timeout", d.PushTimeout); err != nil {
		return daily.Config{}, err
	}
	if out.SolveTimeout, err = config.ParseDurationField("daily.solve_timeout", d.SolveTimeout); err != nil {
		return daily.Config{}, err
	}
	if d.Concurrency < 0 || d.LeaderboardSize < 0 || d.DefaultTimeLimit < 0 {
		return daily.Config{}, fmt.Errorf("daily: concurrency, leaderboard_size and default_time_limit must be >= 0")
	}
	if err := out.Validate(); err != nil {
		return daily.Config{}, err
	}
	return out, nil
}

type commandSettings struct {
	Cooldown         time.Duration
	DefaultTimeLimit int
}

func mapCommands(cfg *config.Config) (commandSettings, error) {
	cd, err := config.ParseDurationField("daily.challenge_cooldown", cfg.Daily.ChallengeCooldown)
	if err != nil {
		return commandSettings{}, err
	}
	return commandSettings{Cooldown: cd, DefaultTimeLimit: cfg.Daily.DefaultTimeLimit}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{RetryMax: 3, RetryBase: 500 * time.Millisecond, RetryMaxDelay: 10 * time.Second, DedupWindow: 10 * time.Minute}, nil
	}
	if n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: rate_per_sec and retry_max must be >= 0")
	}
	out := notifier.Config{RatePerSec: n.RatePerSec, RetryMax: n.RetryMax}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapGeo(cfg *config.Config) (geo.Config, error) {
	g := cfg.Geo
	to, err := config.ParseDurationField("geo.timeout", g.Timeout)
	if err != nil {
		return geo.Config{}, err
	}
	if g.RatePerSec < 0 || g.Burst < 0 {
		return geo.Config{}, fmt.Errorf("geo: rate_per_sec and burst must be >= 0")
	}
	rps := g.RatePerSec
	if rps == 0 {
		rps = 2
	}
	return geo.Config{
		BaseURL:        g.BaseURL,
		UserAgent:      g.UserAgent,
		Timeout:        to,
		RatePerSec:     rps,
		Burst:          g.Burst,
		ServiceAccount: g.ServiceAccount,
	}, nil
}

// mapAccounts keeps only the sets the credential manager knows about.
func mapAccounts(cfg *config.Config) (map[string]credentials.Account, error) {
	out := map[string]credentials.Account{}
	for name, acc := range cfg.Geo.Accounts {
		if name != credentials.Primary && name != credentials.AutoSolver {
			return nil, fmt.Errorf("geo.accounts: unknown credential set %q", name)
		}
		out[name] = credentials.Account{Email: acc.Email, Password: acc.Password}
	}
	return out, nil
}

func mapCatalog(cfg *config.Config) (catalog.Config, error) {
	c := cfg.Catalog
	iv, err := config.ParseDurationField("catalog.interval", c.Interval)
	if err != nil {
		return catalog.Config{}, err
	}
	jit, err := config.ParseDurationField("catalog.max_jitter", c.MaxJitter)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{Interval: iv, MaxJitter: jit, PopularPages: c.PopularPages}, nil
}

func mapAutoSolve(cfg *config.Config) (autosolve.Config, error) {
	a := cfg.AutoSolve
	pause, err := config.ParseDurationField("autosolve.max_pause", a.MaxPause)
	if err != nil {
		return autosolve.Config{}, err
	}
	to, err := config.ParseDurationField("autosolve.timeout", a.Timeout)
	if err != nil {
		return autosolve.Config{}, err
	}
	return autosolve.Config{MaxRounds: a.MaxRounds, MaxPause: pause, Timeout: to}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// WriteTimeout stays 0 by default so /debug/pprof/profile (30s+) works.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// Validate checks everything NewApp would map. Used for startup, hot reload and `config check`.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapDaily(cfg); err != nil {
		return err
	}
	if _, err := mapCommands(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapGeo(cfg); err != nil {
		return err
	}
	if _, err := mapAccounts(cfg); err != nil {
		return err
	}
	if _, err := mapCatalog(cfg); err != nil {
		return err
	}
	if _, err := mapAutoSolve(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	return nil
}
