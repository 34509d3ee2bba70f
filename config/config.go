package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del settler.
type Config struct {
	Settlement  SettlementConfig  `yaml:"settlement" toml:"settlement"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	SleepSource SleepSourceConfig `yaml:"sleep_source" toml:"sleep_source"`
	Transfer    TransferConfig    `yaml:"transfer" toml:"transfer"`
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	S3          S3Config          `yaml:"s3" toml:"s3"`
	Telegram    TelegramConfig    `yaml:"telegram" toml:"telegram"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// SettlementConfig controla el sweep y la resolución.
type SettlementConfig struct {
	IntervalSeconds        int    `yaml:"interval_seconds" toml:"interval_seconds"` // 3600: cada hora
	Workers                int    `yaml:"workers" toml:"workers"`
	DispatchBatch          int    `yaml:"dispatch_batch" toml:"dispatch_batch"`
	TransferTimeoutSeconds int    `yaml:"transfer_timeout_seconds" toml:"transfer_timeout_seconds"`
	GraceWindowHours       int    `yaml:"grace_window_hours" toml:"grace_window_hours"`
	MaxRetryAgeHours       int    `yaml:"max_retry_age_hours" toml:"max_retry_age_hours"`
	FetchTimeoutSeconds    int    `yaml:"fetch_timeout_seconds" toml:"fetch_timeout_seconds"`
	LockKey                string `yaml:"lock_key" toml:"lock_key"`
	LockTTLSeconds         int    `yaml:"lock_ttl_seconds" toml:"lock_ttl_seconds"` // se renueva mientras dura el sweep

	// Reintentos de transferencias: backoff exponencial y tope de intentos.
	RetryBaseSeconds    int `yaml:"retry_base_seconds" toml:"retry_base_seconds"`
	RetryMaxSeconds     int `yaml:"retry_max_seconds" toml:"retry_max_seconds"`
	MaxTransferAttempts int `yaml:"max_transfer_attempts" toml:"max_transfer_attempts"`
}

// StorageConfig controla dónde se persiste el ledger.
type StorageConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// SleepSourceConfig selecciona de dónde salen los registros de sueño.
type SleepSourceConfig struct {
	Kind       string  `yaml:"kind" toml:"kind"` // sqlite | http | postgres
	BaseURL    string  `yaml:"base_url" toml:"base_url"`
	Token      string  `yaml:"token" toml:"token"`
	RatePerSec float64 `yaml:"rate_per_sec" toml:"rate_per_sec"`

	PostgresDSN   string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	PostgresTable string `yaml:"postgres_table" toml:"postgres_table"`
	MaxConns      int    `yaml:"max_conns" toml:"max_conns"`
}

// TransferConfig configura el servicio de custodia.
type TransferConfig struct {
	Kind       string  `yaml:"kind" toml:"kind"` // http | log
	BaseURL    string  `yaml:"base_url" toml:"base_url"`
	Token      string  `yaml:"token" toml:"token"`
	RatePerSec float64 `yaml:"rate_per_sec" toml:"rate_per_sec"`
}

// RedisConfig activa el lock de sweep distribuido cuando Addr no está vacío.
type RedisConfig struct {
	Addr       string `yaml:"addr" toml:"addr"`
	Password   string `yaml:"password" toml:"password"`
	DB         int    `yaml:"db" toml:"db"`
	PoolSize   int    `yaml:"pool_size" toml:"pool_size"`
	TLSEnabled bool   `yaml:"tls_enabled" toml:"tls_enabled"`
}

// S3Config activa el archivo de recibos cuando Bucket no está vacío.
type S3Config struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	Region         string `yaml:"region" toml:"region"`
	Bucket         string `yaml:"bucket" toml:"bucket"`
	AccessKey      string `yaml:"access_key" toml:"access_key"`
	SecretKey      string `yaml:"secret_key" toml:"secret_key"`
	UseSSL         bool   `yaml:"use_ssl" toml:"use_ssl"`
	ForcePathStyle bool   `yaml:"force_path_style" toml:"force_path_style"`
	Prefix         string `yaml:"prefix" toml:"prefix"`
}

// TelegramConfig activa las alertas por Telegram cuando BotToken no está vacío.
type TelegramConfig struct {
	BotToken   string `yaml:"bot_token" toml:"bot_token"`
	ChatID     string `yaml:"chat_id" toml:"chat_id"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug | info | warn | error
	Format string `yaml:"format" toml:"format"` // text | json
}

// Load carga la configuración desde un archivo YAML o TOML (según la
// extensión) y el archivo .env si existe. Las variables SETTLER_* tienen
// prioridad sobre el archivo.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate comprueba las combinaciones que no tienen default razonable.
func (c *Config) Validate() error {
	switch c.SleepSource.Kind {
	case "sqlite":
	case "http":
		if c.SleepSource.BaseURL == "" {
			return fmt.Errorf("sleep_source.base_url is required for kind http")
		}
	case "postgres":
		if c.SleepSource.PostgresDSN == "" {
			return fmt.Errorf("sleep_source.postgres_dsn is required for kind postgres")
		}
	default:
		return fmt.Errorf("sleep_source.kind %q: want sqlite, http or postgres", c.SleepSource.Kind)
	}

	switch c.Transfer.Kind {
	case "log":
	case "http":
		if c.Transfer.BaseURL == "" {
			return fmt.Errorf("transfer.base_url is required for kind http")
		}
	default:
		return fmt.Errorf("transfer.kind %q: want http or log", c.Transfer.Kind)
	}

	if c.Telegram.BotToken != "" && c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram.chat_id is required when bot_token is set")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		return fmt.Errorf("s3.region is required when bucket is set")
	}
	return nil
}

// SweepInterval devuelve el intervalo entre sweeps como time.Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Settlement.IntervalSeconds) * time.Second
}

// TransferTimeout bounds each call to the custody service.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Settlement.TransferTimeoutSeconds) * time.Second
}

// GraceWindow is how long a missing sleep record is waited for.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.Settlement.GraceWindowHours) * time.Hour
}

// MaxRetryAge is how long source outages are retried before voiding.
func (c *Config) MaxRetryAge() time.Duration {
	return time.Duration(c.Settlement.MaxRetryAgeHours) * time.Hour
}

// FetchTimeout bounds each call to the sleep source.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Settlement.FetchTimeoutSeconds) * time.Second
}

// LockTTL is the lifetime of the distributed sweep lock between renewals.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Settlement.LockTTLSeconds) * time.Second
}

// RetryBase is the first backoff after a failed transfer.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Settlement.RetryBaseSeconds) * time.Second
}

func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Settlement.RetryMaxSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están
// presentes. Los secretos deberían llegar siempre por aquí.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Log.Level, "SETTLER_LOG_LEVEL")
	setStr(&cfg.Log.Format, "SETTLER_LOG_FORMAT")
	setStr(&cfg.Storage.DSN, "SETTLER_STORAGE_DSN")
	setInt(&cfg.Settlement.IntervalSeconds, "SETTLER_INTERVAL_SECONDS")

	setStr(&cfg.SleepSource.Kind, "SETTLER_SLEEP_SOURCE_KIND")
	setStr(&cfg.SleepSource.BaseURL, "SETTLER_SLEEP_SOURCE_BASE_URL")
	setStr(&cfg.SleepSource.Token, "SETTLER_SLEEP_SOURCE_TOKEN")
	setStr(&cfg.SleepSource.PostgresDSN, "SETTLER_SLEEP_SOURCE_POSTGRES_DSN")

	setStr(&cfg.Transfer.Kind, "SETTLER_TRANSFER_KIND")
	setStr(&cfg.Transfer.BaseURL, "SETTLER_TRANSFER_BASE_URL")
	setStr(&cfg.Transfer.Token, "SETTLER_TRANSFER_TOKEN")

	setStr(&cfg.Redis.Addr, "SETTLER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLER_REDIS_PASSWORD")

	setStr(&cfg.S3.Bucket, "SETTLER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLER_S3_SECRET_KEY")

	setStr(&cfg.Telegram.BotToken, "SETTLER_TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Telegram.ChatID, "SETTLER_TELEGRAM_CHAT_ID")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	s := &cfg.Settlement
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = 3600
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.DispatchBatch <= 0 {
		s.DispatchBatch = 100
	}
	if s.TransferTimeoutSeconds <= 0 {
		s.TransferTimeoutSeconds = 30
	}
	if s.GraceWindowHours <= 0 {
		s.GraceWindowHours = 12
	}
	if s.MaxRetryAgeHours <= 0 {
		s.MaxRetryAgeHours = 72
	}
	if s.FetchTimeoutSeconds <= 0 {
		s.FetchTimeoutSeconds = 30
	}
	if s.LockKey == "" {
		s.LockKey = "sweep"
	}
	if s.LockTTLSeconds <= 0 {
		s.LockTTLSeconds = 120
	}
	if s.RetryBaseSeconds <= 0 {
		s.RetryBaseSeconds = 60
	}
	if s.RetryMaxSeconds <= 0 {
		s.RetryMaxSeconds = 3600
	}
	if s.MaxTransferAttempts <= 0 {
		s.MaxTransferAttempts = 20
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "remsettle.db"
	}
	if cfg.SleepSource.Kind == "" {
		cfg.SleepSource.Kind = "sqlite"
	}
	if cfg.SleepSource.PostgresTable == "" {
		cfg.SleepSource.PostgresTable = "sleep_records"
	}
	if cfg.Transfer.Kind == "" {
		cfg.Transfer.Kind = "log"
	}
	if cfg.Redis.PoolSize <= 0 {
		cfg.Redis.PoolSize = 4
	}
	if cfg.S3.Prefix == "" {
		cfg.S3.Prefix = "receipts"
	}
	if cfg.Telegram.MaxRetries <= 0 {
		cfg.Telegram.MaxRetries = 3
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
