package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STAKEPILOT_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STAKEPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Session ──
	setStr(&cfg.Session.PrivateKey, "STAKEPILOT_SESSION_PRIVATE_KEY")
	setStr(&cfg.Session.EncryptedKeyPath, "STAKEPILOT_SESSION_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Session.KeyPassword, "STAKEPILOT_SESSION_KEY_PASSWORD")
	setStr(&cfg.Session.PrincipalPrivateKey, "STAKEPILOT_SESSION_PRINCIPAL_PRIVATE_KEY")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "STAKEPILOT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "STAKEPILOT_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.MarketContract, "STAKEPILOT_CHAIN_MARKET_CONTRACT")
	setStr(&cfg.Chain.SponsorURL, "STAKEPILOT_CHAIN_SPONSOR_URL")
	setDuration(&cfg.Chain.ReceiptTimeout, "STAKEPILOT_CHAIN_RECEIPT_TIMEOUT")
	setDuration(&cfg.Chain.NoncePause, "STAKEPILOT_CHAIN_NONCE_PAUSE")
	setInt(&cfg.Chain.NonceAttempts, "STAKEPILOT_CHAIN_NONCE_ATTEMPTS")

	// ── Permission ──
	setStr(&cfg.Permission.Context, "STAKEPILOT_PERMISSION_CONTEXT")
	setStr(&cfg.Permission.Enforcer, "STAKEPILOT_PERMISSION_ENFORCER")
	setStr(&cfg.Permission.Principal, "STAKEPILOT_PERMISSION_PRINCIPAL")
	setInt64(&cfg.Permission.AllowanceMicro, "STAKEPILOT_PERMISSION_ALLOWANCE_MICRO")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "STAKEPILOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STAKEPILOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STAKEPILOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STAKEPILOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STAKEPILOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STAKEPILOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STAKEPILOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STAKEPILOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STAKEPILOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STAKEPILOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STAKEPILOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STAKEPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STAKEPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STAKEPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STAKEPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STAKEPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STAKEPILOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STAKEPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STAKEPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "STAKEPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STAKEPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STAKEPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "STAKEPILOT_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.BaseURL, "STAKEPILOT_FEED_BASE_URL")
	setStr(&cfg.Feed.WsURL, "STAKEPILOT_FEED_WS_URL")
	setDuration(&cfg.Feed.HTTPTimeout, "STAKEPILOT_FEED_HTTP_TIMEOUT")
	setInt(&cfg.Feed.PageSize, "STAKEPILOT_FEED_PAGE_SIZE")

	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "STAKEPILOT_ENGINE_TICK_INTERVAL")
	setDuration(&cfg.Engine.InitialDelay, "STAKEPILOT_ENGINE_INITIAL_DELAY")
	setInt(&cfg.Engine.ArchiveRetentionDays, "STAKEPILOT_ENGINE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Engine.LockTTL, "STAKEPILOT_ENGINE_LOCK_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STAKEPILOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STAKEPILOT_SERVER_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STAKEPILOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STAKEPILOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STAKEPILOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STAKEPILOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STAKEPILOT_MODE")
	setStr(&cfg.LogLevel, "STAKEPILOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
