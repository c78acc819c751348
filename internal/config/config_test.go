package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadAppliesStrategyDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: spy

backtest:
  data_path: data/SPY
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeBacktest {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeBacktest)
	}
	if cfg.Symbol != "SPY" {
		t.Fatalf("symbol = %q, want SPY", cfg.Symbol)
	}
	if cfg.Strategy.Levels != 10 {
		t.Fatalf("strategy.levels = %d, want 10", cfg.Strategy.Levels)
	}
	if !cfg.Strategy.StepPercent.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("strategy.step_percent = %s, want 3", cfg.Strategy.StepPercent.String())
	}
	if cfg.Strategy.SellOffset == nil || !cfg.Strategy.SellOffset.Equal(decimal.RequireFromString("0.14")) {
		t.Fatalf("strategy.sell_offset = %v, want 0.14", cfg.Strategy.SellOffset)
	}
	if !cfg.Strategy.BaseAmount.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("strategy.base_amount = %s, want 3000", cfg.Strategy.BaseAmount.String())
	}
	if !cfg.Strategy.InitialHighest.IsZero() {
		t.Fatalf("strategy.initial_highest = %s, want 0", cfg.Strategy.InitialHighest.String())
	}
	if cfg.Storage.Driver != StorageFile {
		t.Fatalf("storage.driver = %q, want file", cfg.Storage.Driver)
	}
	if cfg.Storage.QueueSize != 1024 {
		t.Fatalf("storage.queue_size = %d, want 1024", cfg.Storage.QueueSize)
	}
	if cfg.Observability.LogFormat != "json" || cfg.Observability.LogLevel != "info" {
		t.Fatalf("log format/level = %q/%q, want json/info", cfg.Observability.LogFormat, cfg.Observability.LogLevel)
	}
	if cfg.State.LockStaleSec != 600 {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want true", cfg.State.LockTakeover)
	}
}

func TestLoadKeepsExplicitZeroSellOffset(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
strategy:
  sell_offset: "0"
  step_percent: 2.5
  levels: 8
  initial_highest: "200.00"
backtest:
  data_path: data/SPY
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Strategy.SellOffset == nil || !cfg.Strategy.SellOffset.IsZero() {
		t.Fatalf("strategy.sell_offset = %v, want explicit 0", cfg.Strategy.SellOffset)
	}
	if !cfg.Strategy.StepPercent.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("strategy.step_percent = %s, want 2.5", cfg.Strategy.StepPercent.String())
	}
	if !cfg.Strategy.InitialHighest.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("strategy.initial_highest = %s, want 200", cfg.Strategy.InitialHighest.String())
	}
}

func TestLoadRejectsInvalidStrategy(t *testing.T) {
	cases := []struct {
		name     string
		strategy string
		want     string
	}{
		{"levels too many", "levels: 51", "strategy.levels must be between 1 and 50"},
		{"negative step", `step_percent: "-1"`, "strategy.step_percent must be > 0"},
		{"ladder reaches zero", "levels: 34\n  step_percent: 3", "strategy.levels * strategy.step_percent must be < 100"},
		{"negative offset", `sell_offset: "-0.01"`, "strategy.sell_offset must be >= 0"},
		{"negative base", `base_amount: "-5"`, "strategy.base_amount must be > 0"},
		{"negative highest", `initial_highest: "-1"`, "strategy.initial_highest must be >= 0"},
		{"bad decimal", `base_amount: "abc"`, "invalid decimal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfgPath := writeTempConfig(t, `
symbol: SPY
strategy:
  `+tc.strategy+`
backtest:
  data_path: data/SPY
`)
			_, err := Load(cfgPath)
			if err == nil {
				t.Fatalf("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %q, want contains %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
strategy:
  ratio: "1.01"
backtest:
  data_path: data/SPY
`)

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "field ratio not found") {
		t.Fatalf("Load() error = %q, want unknown field ratio message", err.Error())
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
backtest:
  data_path: data/SPY
---
symbol: QQQ
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadNormalizesSymbolAndInstanceID(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: " BACKTEST "
symbol: " brk.b "
instance_id: " Main-01 "
backtest:
  data_path: data/BRK
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Symbol != "BRK.B" {
		t.Fatalf("symbol = %q, want BRK.B", cfg.Symbol)
	}
	if cfg.InstanceID != "main-01" {
		t.Fatalf("instance_id = %q, want main-01", cfg.InstanceID)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: testnet
symbol: SPY
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "mode must be backtest or live") {
		t.Fatalf("Load() error = %v, want mode error", err)
	}
}

func TestLoadLiveRequiresWebsocketFeed(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: live
symbol: SPY
feed:
  ws_url: https://example.com/ticker
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "feed.ws_url scheme must be ws or wss") {
		t.Fatalf("Load() error = %v, want ws scheme error", err)
	}

	cfgPath = writeTempConfig(t, `
mode: live
symbol: SPY
feed:
  ws_url: wss://stream.example.com/ws
  subscribe: '{"method":"SUBSCRIBE","params":["spy@ticker"],"id":1}'
  price_field: c
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Feed.KeepaliveSec != 30 || cfg.Feed.PriceField != "c" {
		t.Fatalf("feed = %+v, want keepalive 30 and price_field c", cfg.Feed)
	}
}

func TestLoadStorageDrivers(t *testing.T) {
	cases := []struct {
		name    string
		storage string
		want    string
	}{
		{"unknown driver", "driver: mysql", "storage.driver must be file, sqlite, or postgres"},
		{"sqlite without path", "driver: sqlite", "storage.sqlite_path is required"},
		{"postgres without url", "driver: postgres", "storage.database_url is required"},
		{"postgres bad scheme", "driver: postgres\n  database_url: mysql://db/x", "scheme must be postgres or postgresql"},
		{"sqlite ok", "driver: SQLite\n  sqlite_path: state/pyramid.db", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfgPath := writeTempConfig(t, `
symbol: SPY
storage:
  `+tc.storage+`
backtest:
  data_path: data/SPY
`)
			_, err := Load(cfgPath)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want contains %q", err, tc.want)
			}
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
symbol: SPY
storage:
  driver: postgres
observability:
  telegram:
    enabled: true
backtest:
  data_path: data/SPY
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	dotenv := strings.Join([]string{
		EnvDatabaseURL + "=postgres://from-dotenv:5432/pyramid",
		EnvTelegramBotToken + "=dotenv-token",
		EnvTelegramChatID + "=100",
		EnvLogLevel + "=DEBUG",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv(EnvTelegramChatID, "200")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DatabaseURL != "postgres://from-dotenv:5432/pyramid" {
		t.Fatalf("storage.database_url = %q", cfg.Storage.DatabaseURL)
	}
	if cfg.Observability.Telegram.BotToken != "dotenv-token" {
		t.Fatalf("telegram.bot_token = %q, want dotenv-token", cfg.Observability.Telegram.BotToken)
	}
	if cfg.Observability.Telegram.ChatID != "200" {
		t.Fatalf("telegram.chat_id = %q, want process env value 200", cfg.Observability.Telegram.ChatID)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoadWebhookValidation(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
observability:
  webhook:
    enabled: true
    url: ftp://hooks.example.com
backtest:
  data_path: data/SPY
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "observability.webhook.url") {
		t.Fatalf("Load() error = %v, want webhook url error", err)
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
observability:
  telegram:
    enabled: false
    api_base_url: not-a-url
backtest:
  data_path: data/SPY
`)
	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadRejectsInvalidStateLockStaleSec(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
state:
  lock_stale_sec: 90000
backtest:
  data_path: data/SPY
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "state.lock_stale_sec must be between 0 and 86400") {
		t.Fatalf("Load() error = %v, want lock_stale_sec error", err)
	}
}

func TestLoadStateLockTakeoverCanDisableExplicitly(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbol: SPY
state:
  lock_takeover: false
backtest:
  data_path: data/SPY
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.LockTakeover == nil || *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want false", cfg.State.LockTakeover)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
