package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	EnvDatabaseURL      = "PYRAMID_DATABASE_URL"
	EnvTelegramBotToken = "PYRAMID_TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "PYRAMID_TELEGRAM_CHAT_ID"
	EnvWebhookURL       = "PYRAMID_WEBHOOK_URL"
	EnvLogLevel         = "PYRAMID_LOG_LEVEL"
)

// envLookup resolves a variable from the process environment first, then from a
// .env file beside the config file. The process environment is never modified.
func envLookup(configPath string) (func(string) (string, bool), error) {
	dotenv, err := godotenv.Read(filepath.Join(filepath.Dir(configPath), ".env"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		dotenv = nil
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Storage.DatabaseURL = v
	}
	if v, ok := lookup(EnvTelegramBotToken); ok && v != "" {
		c.Observability.Telegram.BotToken = v
	}
	if v, ok := lookup(EnvTelegramChatID); ok && v != "" {
		c.Observability.Telegram.ChatID = v
	}
	if v, ok := lookup(EnvWebhookURL); ok && v != "" {
		c.Observability.Webhook.URL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Observability.LogLevel = v
	}
}
