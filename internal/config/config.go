package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type StorageDriver string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

const (
	StorageFile     StorageDriver = "file"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	Feed           FeedConfig           `yaml:"feed"`
	State          StateConfig          `yaml:"state"`
	Storage        StorageConfig        `yaml:"storage"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type StrategyConfig struct {
	Levels      int      `yaml:"levels"`
	StepPercent Decimal  `yaml:"step_percent"`
	SellOffset  *Decimal `yaml:"sell_offset"`
	BaseAmount  Decimal  `yaml:"base_amount"`
	// InitialHighest seeds the ladder. Zero means the first observed price.
	InitialHighest Decimal `yaml:"initial_highest"`
}

type BacktestConfig struct {
	DataPath string `yaml:"data_path"`
}

type FeedConfig struct {
	WSURL        string `yaml:"ws_url"`
	Subscribe    string `yaml:"subscribe"`
	PriceField   string `yaml:"price_field"`
	KeepaliveSec int64  `yaml:"keepalive_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type StorageConfig struct {
	Driver          StorageDriver `yaml:"driver"`
	SQLitePath      string        `yaml:"sqlite_path"`
	DatabaseURL     string        `yaml:"database_url"`
	QueueSize       int           `yaml:"queue_size"`
	WriteTimeoutSec int64         `yaml:"write_timeout_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPersistFailures   int   `yaml:"max_persist_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type ObservabilityConfig struct {
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Webhook     WebhookConfig  `yaml:"webhook"`
	Runtime     RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type WebhookConfig struct {
	Enabled    bool              `yaml:"enabled"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	TimeoutSec int64             `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	StatusIntervalSec  int64 `yaml:"status_interval_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
	AlertQueueSize     int   `yaml:"alert_queue_size"`
}

// Load reads one YAML document, applies .env and PYRAMID_* environment overrides,
// fills defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	lookup, err := envLookup(path)
	if err != nil {
		return Config{}, err
	}
	cfg.applyEnv(lookup)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Backtest.DataPath = strings.TrimSpace(c.Backtest.DataPath)
	c.Feed.WSURL = strings.TrimSpace(c.Feed.WSURL)
	c.Feed.Subscribe = strings.TrimSpace(c.Feed.Subscribe)
	c.Feed.PriceField = strings.TrimSpace(c.Feed.PriceField)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Storage.Driver = StorageDriver(strings.ToLower(strings.TrimSpace(string(c.Storage.Driver))))
	c.Storage.SQLitePath = strings.TrimSpace(c.Storage.SQLitePath)
	c.Storage.DatabaseURL = strings.TrimSpace(c.Storage.DatabaseURL)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	c.Observability.MetricsAddr = strings.TrimSpace(c.Observability.MetricsAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Webhook.URL = strings.TrimSpace(c.Observability.Webhook.URL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeBacktest
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Strategy.Levels == 0 {
		c.Strategy.Levels = 10
	}
	if c.Strategy.StepPercent.IsZero() {
		c.Strategy.StepPercent = mustDecimal("3")
	}
	if c.Strategy.SellOffset == nil {
		offset := mustDecimal("0.14")
		c.Strategy.SellOffset = &offset
	}
	if c.Strategy.BaseAmount.IsZero() {
		c.Strategy.BaseAmount = mustDecimal("3000")
	}
	if c.Feed.KeepaliveSec == 0 {
		c.Feed.KeepaliveSec = 30
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageFile
	}
	if c.Storage.QueueSize == 0 {
		c.Storage.QueueSize = 1024
	}
	if c.Storage.WriteTimeoutSec == 0 {
		c.Storage.WriteTimeoutSec = 10
	}
	if c.CircuitBreaker.MaxPersistFailures == 0 {
		c.CircuitBreaker.MaxPersistFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Webhook.TimeoutSec == 0 {
		c.Observability.Webhook.TimeoutSec = 10
	}
	if c.Observability.Runtime.StatusIntervalSec == 0 {
		c.Observability.Runtime.StatusIntervalSec = 60
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
	if c.Observability.Runtime.AlertQueueSize == 0 {
		c.Observability.Runtime.AlertQueueSize = 128
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModeLive:
	default:
		return fmt.Errorf("mode must be backtest or live")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9.], length 1..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Strategy.Levels < 1 || c.Strategy.Levels > 50 {
		return fmt.Errorf("strategy.levels must be between 1 and 50")
	}
	if !c.Strategy.StepPercent.IsPositive() {
		return fmt.Errorf("strategy.step_percent must be > 0")
	}
	if decimal.NewFromInt(int64(c.Strategy.Levels)).Mul(c.Strategy.StepPercent.Decimal).Cmp(decimal.NewFromInt(100)) >= 0 {
		return fmt.Errorf("strategy.levels * strategy.step_percent must be < 100")
	}
	if c.Strategy.SellOffset.IsNegative() {
		return fmt.Errorf("strategy.sell_offset must be >= 0")
	}
	if !c.Strategy.BaseAmount.IsPositive() {
		return fmt.Errorf("strategy.base_amount must be > 0")
	}
	if c.Strategy.InitialHighest.IsNegative() {
		return fmt.Errorf("strategy.initial_highest must be >= 0")
	}
	switch c.Storage.Driver {
	case StorageFile:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for sqlite driver")
		}
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for postgres driver")
		}
		if err := validateURL(c.Storage.DatabaseURL, "postgres", "postgresql"); err != nil {
			return fmt.Errorf("storage.database_url %v", err)
		}
	default:
		return fmt.Errorf("storage.driver must be file, sqlite, or postgres")
	}
	if c.Storage.QueueSize < 1 || c.Storage.QueueSize > 1_000_000 {
		return fmt.Errorf("storage.queue_size must be between 1 and 1000000")
	}
	if c.Storage.WriteTimeoutSec < 1 || c.Storage.WriteTimeoutSec > 300 {
		return fmt.Errorf("storage.write_timeout_sec must be between 1 and 300")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPersistFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_persist_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format must be json or console")
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.StatusIntervalSec < 0 || c.Observability.Runtime.StatusIntervalSec > 3600 {
		return fmt.Errorf("observability.runtime.status_interval_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertQueueSize < 1 || c.Observability.Runtime.AlertQueueSize > 100_000 {
		return fmt.Errorf("observability.runtime.alert_queue_size must be between 1 and 100000")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.Observability.Webhook.Enabled {
		if err := validateURL(c.Observability.Webhook.URL, "http", "https"); err != nil {
			return fmt.Errorf("observability.webhook.url %v", err)
		}
		if c.Observability.Webhook.TimeoutSec < 1 || c.Observability.Webhook.TimeoutSec > 120 {
			return fmt.Errorf("observability.webhook.timeout_sec must be between 1 and 120")
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Mode == ModeBacktest && c.Backtest.DataPath == "" {
		return fmt.Errorf("backtest data_path is required")
	}
	if c.Mode == ModeLive {
		if c.Feed.WSURL == "" {
			return fmt.Errorf("feed.ws_url is required for live mode")
		}
		if err := validateURL(c.Feed.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("feed.ws_url %v", err)
		}
		if c.Feed.KeepaliveSec < 1 || c.Feed.KeepaliveSec > 3600 {
			return fmt.Errorf("feed.keepalive_sec must be between 1 and 3600")
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 1 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
