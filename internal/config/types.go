package config

// Config is the process configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "20h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Daily     DailyConfig     `json:"daily"`
	Geo       GeoConfig       `json:"geo"`
	Catalog   CatalogConfig   `json:"catalog,omitempty"`
	AutoSolve AutoSolveConfig `json:"autosolve,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via GEODAILY_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AllowedChats restricts the groups the bot stays in. Empty allows all.
	AllowedChats []int64 `json:"allowed_chats,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DailyConfig controls the daily scheduler and chat command defaults.
//
// Defaults (when fields are omitted/zero):
//   - timezone: UTC
//   - alarm: "0 0 * * *" (local midnight)
//   - reconcile_delay: 30s ("-1s" disables startup reconciliation)
//   - concurrency: 4
//   - leaderboard_size: 10
//   - challenge_cooldown: 1m
//   - default_time_limit: 180 (seconds)
type DailyConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	Alarm             string `json:"alarm,omitempty"`
	ReconcileDelay    string `json:"reconcile_delay,omitempty"`
	Concurrency       int    `json:"concurrency,omitempty"`
	LeaderboardSize   int    `json:"leaderboard_size,omitempty"`
	PushTimeout       string `json:"push_timeout,omitempty"`
	SolveTimeout      string `json:"solve_timeout,omitempty"`
	ChallengeCooldown string `json:"challenge_cooldown,omitempty"`
	DefaultTimeLimit  int    `json:"default_time_limit,omitempty"`
}

type GeoConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// ServiceAccount is the auto-solver's nick; it never shows on leaderboards.
	ServiceAccount string `json:"service_account,omitempty"`
	// Accounts enables sign-in refresh per credential set ("primary", "auto-solver").
	Accounts map[string]AccountConfig `json:"accounts,omitempty"`
}

type AccountConfig struct {
	Email    string `json:"email"`
	Password string `json:"password"` // do not log
}

type CatalogConfig struct {
	Interval     string `json:"interval,omitempty"`
	MaxJitter    string `json:"max_jitter,omitempty"`
	PopularPages int    `json:"popular_pages,omitempty"`
}

type AutoSolveConfig struct {
	MaxRounds int    `json:"max_rounds,omitempty"`
	MaxPause  string `json:"max_pause,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// NotifierConfig controls announcement pacing and retries. Live-applied.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	DedupWindow   string `json:"dedup_window"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./geodaily.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// OpsConfig controls the /metrics, /healthz and /debug/pprof server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
