package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "geodaily/pkg/logx"
)

// SummarizeConfigChange returns the changed sections plus safe structured
// fields for logging. Secrets (tokens, passwords) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!slices.Equal(ot.AllowedChats, nt.AllowedChats) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.allowed_chats", len(nt.AllowedChats)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Daily != newCfg.Daily {
		changed = append(changed, "daily")
		attrs = append(attrs,
			logx.String("daily.timezone", newCfg.Daily.Timezone),
			logx.String("daily.alarm", newCfg.Daily.Alarm),
			logx.Int("daily.concurrency", newCfg.Daily.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Geo, newCfg.Geo) {
		changed = append(changed, "geo")
		attrs = append(attrs,
			logx.String("geo.base_url", newCfg.Geo.BaseURL),
			logx.Float64("geo.rate_per_sec", newCfg.Geo.RatePerSec),
			logx.Int("geo.accounts", len(newCfg.Geo.Accounts)),
		)
	}

	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
	}
	if oldCfg.AutoSolve != newCfg.AutoSolve {
		changed = append(changed, "autosolve")
	}

	// A nil notifier section means runtime defaults.
	var oldN, newN NotifierConfig
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.String("notifier.dedup_window", newN.DedupWindow),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("ops.allow_insecure", no.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "geo", "catalog", "autosolve", "storage":
			out = append(out, s)
		}
	}
	return out
}
