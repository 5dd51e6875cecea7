// Package config defines the top-level configuration for the stake engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by STAKEPILOT_* environment
// variables.
type Config struct {
	Session    SessionConfig    `toml:"session"`
	Chain      ChainConfig      `toml:"chain"`
	Permission PermissionConfig `toml:"permission"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Feed       FeedConfig       `toml:"feed"`
	Engine     EngineConfig     `toml:"engine"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// SessionConfig holds the session account credentials used to sign
// redemption and placement transactions.
type SessionConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// PrincipalPrivateKey enables automatic gas top-ups from the
	// principal account. Optional.
	PrincipalPrivateKey string `toml:"principal_private_key"`
}

// ChainConfig holds RPC endpoint and contract parameters.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	MarketContract string   `toml:"market_contract"`
	SponsorURL     string   `toml:"sponsor_url"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	NoncePause     duration `toml:"nonce_pause"`
	NonceAttempts  int      `toml:"nonce_attempts"`
}

// PermissionConfig holds the granted spend permission the engine redeems
// against.
type PermissionConfig struct {
	Context        string `toml:"context"`
	Enforcer       string `toml:"enforcer"`
	Principal      string `toml:"principal"`
	AllowanceMicro int64  `toml:"allowance_micro"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the execution
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds the listing feed endpoints.
type FeedConfig struct {
	BaseURL     string   `toml:"base_url"`
	WsURL       string   `toml:"ws_url"`
	HTTPTimeout duration `toml:"http_timeout"`
	PageSize    int      `toml:"page_size"`
}

// EngineConfig holds scheduler and archival parameters.
type EngineConfig struct {
	TickInterval         duration `toml:"tick_interval"`
	InitialDelay         duration `toml:"initial_delay"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	// LockTTL bounds how long a crashed instance keeps the engine lock.
	LockTTL duration `toml:"lock_ttl"`
}

// ServerConfig holds status HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "15s", "2m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:        8453,
			ReceiptTimeout: duration{2 * time.Minute},
			NoncePause:     duration{2 * time.Second},
			NonceAttempts:  3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakepilot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stakepilot-archive",
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			HTTPTimeout: duration{10 * time.Second},
			PageSize:    200,
		},
		Engine: EngineConfig{
			TickInterval:         duration{15 * time.Second},
			InitialDelay:         duration{2 * time.Second},
			ArchiveRetentionDays: 90,
			LockTTL:              duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"execution_placed", "execution_failed", "budget_exhausted", "engine_halted"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"watch":   true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, watch, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	mode := strings.ToLower(c.Mode)

	// Session key is only required when stakes are actually dispatched.
	if mode == "run" {
		if c.Session.PrivateKey == "" && c.Session.EncryptedKeyPath == "" {
			errs = append(errs, "session: either private_key or encrypted_key_path must be set for mode run")
		}
		if c.Session.EncryptedKeyPath != "" && c.Session.KeyPassword == "" {
			errs = append(errs, "session: key_password is required when encrypted_key_path is set")
		}
		if c.Permission.Context == "" {
			errs = append(errs, "permission: context must not be empty for mode run")
		}
		if c.Permission.Enforcer == "" {
			errs = append(errs, "permission: enforcer must not be empty for mode run")
		}
		if c.Permission.AllowanceMicro <= 0 {
			errs = append(errs, "permission: allowance_micro must be > 0 for mode run")
		}
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty for mode run")
		}
		if c.Chain.MarketContract == "" {
			errs = append(errs, "chain: market_contract must not be empty for mode run")
		}
	}

	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}
	if c.Chain.NonceAttempts < 1 {
		errs = append(errs, "chain: nonce_attempts must be >= 1")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if mode == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty for mode archive")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty for mode archive")
		}
		if c.Engine.ArchiveRetentionDays < 1 {
			errs = append(errs, "engine: archive_retention_days must be >= 1 for mode archive")
		}
	}

	if mode != "archive" && c.Feed.BaseURL == "" {
		errs = append(errs, "feed: base_url must not be empty")
	}

	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be > 0")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
