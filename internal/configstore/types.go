package configstore

import (
	"errors"
	"maps"
	"time"

	"geodaily/internal/transport"
)

// DateLayout is the key format of the daily link record.
const DateLayout = "2006-01-02"

var (
	ErrNotConfigured = errors.New("tenant has no daily configuration")
	ErrInvalidConfig = errors.New("invalid tenant configuration")
	ErrInvalidDate   = errors.New("invalid date key")
	ErrMalformed     = errors.New("malformed config document")
)

// TenantConfig is one community's daily challenge settings.
type TenantConfig struct {
	Destination transport.ChatTarget
	MapSlug     string
	MapName     string
	TimeLimit   int // seconds, 0 = unlimited
	NoMove      bool
	NoPan       bool
	NoZoom      bool
}

func (c TenantConfig) Validate() error {
	switch {
	case c.Destination.IsZero():
		return errors.Join(ErrInvalidConfig, errors.New("destination is required"))
	case c.MapSlug == "":
		return errors.Join(ErrInvalidConfig, errors.New("map slug is required"))
	case c.TimeLimit < 0:
		return errors.Join(ErrInvalidConfig, errors.New("time limit must be >= 0"))
	}
	return nil
}

// TenantState is a point-in-time view of one tenant used by scheduler sweeps.
type TenantState struct {
	ID         string
	Config     TenantConfig
	Configured bool
	Links      map[string]string
}

// HasLink reports whether a token is recorded for date.
func (s TenantState) HasLink(date string) bool {
	_, ok := s.Links[date]
	return ok
}

// On-disk shape: {tenantID: {daily_config: {...}, daily_links: {date: token}}}.
type document map[string]*tenantRecord

type tenantRecord struct {
	DailyConfig *dailyConfig      `json:"daily_config"`
	DailyLinks  map[string]string `json:"daily_links,omitempty"`
}

type dailyConfig struct {
	Channel   int64  `json:"channel"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MapName   string `json:"map_name,omitempty"`
	SlugName  string `json:"slug_name,omitempty"`
	TimeLimit int    `json:"time_limit"`
	NoMove    bool   `json:"no_move"`
	NoPan     bool   `json:"no_pan"`
	NoZoom    bool   `json:"no_zoom"`
}

func (d document) clone() document {
	out := make(document, len(d))
	for id, rec := range d {
		if rec == nil {
			continue
		}
		cp := &tenantRecord{DailyLinks: maps.Clone(rec.DailyLinks)}
		if rec.DailyConfig != nil {
			dc := *rec.DailyConfig
			cp.DailyConfig = &dc
		}
		out[id] = cp
	}
	return out
}

func fromRecord(dc *dailyConfig) (TenantConfig, bool) {
	cfg := TenantConfig{
		Destination: transport.ChatTarget{ChatID: dc.Channel, ThreadID: dc.ThreadID},
		MapSlug:     dc.SlugName,
		MapName:     dc.MapName,
		TimeLimit:   dc.TimeLimit,
		NoMove:      dc.NoMove,
		NoPan:       dc.NoPan,
		NoZoom:      dc.NoZoom,
	}
	legacy := false
	if cfg.MapSlug == "" && dc.MapName != "" {
		cfg.MapSlug = dc.MapName
		legacy = true
	}
	return cfg, legacy
}

func toRecord(cfg TenantConfig) *dailyConfig {
	return &dailyConfig{
		Channel:   cfg.Destination.ChatID,
		ThreadID:  cfg.Destination.ThreadID,
		MapName:   cfg.MapName,
		SlugName:  cfg.MapSlug,
		TimeLimit: cfg.TimeLimit,
		NoMove:    cfg.NoMove,
		NoPan:     cfg.NoPan,
		NoZoom:    cfg.NoZoom,
	}
}

// ValidDate reports whether s is a YYYY-MM-DD key.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}
