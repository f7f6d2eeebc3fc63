package config

import (
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GEODAILY_"

// ApplyEnv overlays secrets from the environment:
//
//	GEODAILY_TELEGRAM_TOKEN
//	GEODAILY_SERVICE_ACCOUNT
//	GEODAILY_<SET>_EMAIL, GEODAILY_<SET>_PASSWORD   (SET: PRIMARY, AUTO_SOLVER)
//
// Empty variables leave the file value alone.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "SERVICE_ACCOUNT")); v != "" {
		cfg.Geo.ServiceAccount = v
	}
	for _, set := range []string{"primary", "auto-solver"} {
		key := EnvPrefix + strings.ToUpper(strings.ReplaceAll(set, "-", "_"))
		email := strings.TrimSpace(getenv(key + "_EMAIL"))
		pass := getenv(key + "_PASSWORD")
		if email == "" && pass == "" {
			continue
		}
		if cfg.Geo.Accounts == nil {
			cfg.Geo.Accounts = map[string]AccountConfig{}
		}
		acc := cfg.Geo.Accounts[set]
		if email != "" {
			acc.Email = email
		}
		if pass != "" {
			acc.Password = pass
		}
		cfg.Geo.Accounts[set] = acc
	}
}
