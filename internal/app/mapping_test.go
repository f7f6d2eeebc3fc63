package app

import (
	"strings"
	"testing"
	"time"

	"geodaily/internal/config"
)

func minimal() *config.Config {
	return &config.Config{Telegram: config.TelegramConfig{Token: "123:abc"}}
}

func TestValidateMinimal(t *testing.T) {
	if err := Validate(minimal()); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"no token", func(c *config.Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad timezone", func(c *config.Config) { c.Daily.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad alarm", func(c *config.Config) { c.Daily.Alarm = "every midnight" }, "alarm spec"},
		{"bad duration", func(c *config.Config) { c.Daily.PushTimeout = "soon" }, "daily.push_timeout"},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"unknown driver", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"unknown account", func(c *config.Config) {
			c.Geo.Accounts = map[string]config.AccountConfig{"backup": {Email: "a", Password: "b"}}
		}, "backup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := minimal()
			tt.mutate(c)
			err := Validate(c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMapStorageDefaults(t *testing.T) {
	sc, err := mapStorage(minimal())
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "file" || sc.Path != "./data" {
		t.Fatalf("got %+v", sc)
	}

	c := minimal()
	c.Storage = &config.StorageConfig{Driver: "SQLite", Path: "./geo.db"}
	sc, err = mapStorage(c)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("got %+v", sc)
	}
}

func TestMapDailyAllowsNegativeReconcileDelay(t *testing.T) {
	c := minimal()
	c.Daily.ReconcileDelay = "-1s"
	c.Daily.Timezone = "UTC"
	dc, err := mapDaily(c)
	if err != nil {
		t.Fatal(err)
	}
	if dc.ReconcileDelay != -time.Second || dc.Timezone != "UTC" {
		t.Fatalf("got %+v", dc)
	}
}

func TestMapNotifierDefaultsWhenOmitted(t *testing.T) {
	nc, err := mapNotifier(minimal())
	if err != nil {
		t.Fatal(err)
	}
	if nc.RetryMax != 3 || nc.DedupWindow != 10*time.Minute {
		t.Fatalf("got %+v", nc)
	}
}
