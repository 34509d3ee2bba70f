package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLDefaults(t *testing.T) {
	path := writeFile(t, "settler.yaml", "storage:\n  dsn: test.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test.db", cfg.Storage.DSN)
	assert.Equal(t, time.Hour, cfg.SweepInterval())
	assert.Equal(t, 12*time.Hour, cfg.GraceWindow())
	assert.Equal(t, 72*time.Hour, cfg.MaxRetryAge())
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 2*time.Minute, cfg.LockTTL())
	assert.Equal(t, time.Minute, cfg.RetryBase())
	assert.Equal(t, time.Hour, cfg.RetryMax())
	assert.Equal(t, 20, cfg.Settlement.MaxTransferAttempts)
	assert.Equal(t, "sqlite", cfg.SleepSource.Kind)
	assert.Equal(t, "log", cfg.Transfer.Kind)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "settler.toml", `
[settlement]
interval_seconds = 600
grace_window_hours = 6

[sleep_source]
kind = "http"
base_url = "https://sleep.example.com"

[transfer]
kind = "http"
base_url = "https://custody.example.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 6*time.Hour, cfg.GraceWindow())
	assert.Equal(t, "https://sleep.example.com", cfg.SleepSource.BaseURL)
	assert.Equal(t, "http", cfg.Transfer.Kind)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "settler.yaml", "log:\n  level: info\n")
	t.Setenv("SETTLER_LOG_LEVEL", "debug")
	t.Setenv("SETTLER_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("SETTLER_TELEGRAM_CHAT_ID", "-100")
	t.Setenv("SETTLER_INTERVAL_SECONDS", "120")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown source":    "sleep_source:\n  kind: fitbit\n",
		"http without url":  "transfer:\n  kind: http\n",
		"postgres w/o dsn":  "sleep_source:\n  kind: postgres\n",
		"telegram w/o chat": "telegram:\n  bot_token: x\n",
		"bucket w/o region": "s3:\n  bucket: receipts\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "settler.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
