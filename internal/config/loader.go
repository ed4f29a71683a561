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
// built-in defaults, applies UPDOWN_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known UPDOWN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Operator ──
	setStr(&cfg.Operator.PrivateKey, "UPDOWN_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "UPDOWN_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "UPDOWN_OPERATOR_KEY_PASSWORD")

	// ── Chain ──
	setBool(&cfg.Chain.Enabled, "UPDOWN_CHAIN_ENABLED")
	setStr(&cfg.Chain.RPCURL, "UPDOWN_CHAIN_RPC_URL")
	setStr(&cfg.Chain.ContractAddress, "UPDOWN_CHAIN_CONTRACT_ADDRESS")
	setInt64(&cfg.Chain.ChainID, "UPDOWN_CHAIN_ID")
	setInt(&cfg.Chain.AdminAttempts, "UPDOWN_CHAIN_ADMIN_ATTEMPTS")
	setInt(&cfg.Chain.UserAttempts, "UPDOWN_CHAIN_USER_ATTEMPTS")
	setDuration(&cfg.Chain.OperationBudget, "UPDOWN_CHAIN_OPERATION_BUDGET")

	// ── Database ──
	setStr(&cfg.Database.DSN, "UPDOWN_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "UPDOWN_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "UPDOWN_DATABASE_HOST")
	setInt(&cfg.Database.Port, "UPDOWN_DATABASE_PORT")
	setStr(&cfg.Database.Database, "UPDOWN_DATABASE_NAME")
	setStr(&cfg.Database.User, "UPDOWN_DATABASE_USER")
	setStr(&cfg.Database.Password, "UPDOWN_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "UPDOWN_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "UPDOWN_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "UPDOWN_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "UPDOWN_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "UPDOWN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "UPDOWN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "UPDOWN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "UPDOWN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "UPDOWN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UPDOWN_S3_REGION")
	setStr(&cfg.S3.Bucket, "UPDOWN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UPDOWN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UPDOWN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "UPDOWN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "UPDOWN_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.ArchiveRetentionDays, "UPDOWN_S3_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.S3.ArchiveInterval, "UPDOWN_S3_ARCHIVE_INTERVAL")

	// ── Engine ──
	setFloat64(&cfg.Engine.StartingBalance, "UPDOWN_ENGINE_STARTING_BALANCE")
	setInt(&cfg.Engine.DefaultDurationMinutes, "UPDOWN_ENGINE_DEFAULT_DURATION_MINUTES")
	setDuration(&cfg.Engine.SweepInterval, "UPDOWN_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.CacheTTL, "UPDOWN_ENGINE_CACHE_TTL")
	setInt(&cfg.Engine.BetRateLimit, "UPDOWN_ENGINE_BET_RATE_LIMIT")
	setDuration(&cfg.Engine.BetRateWindow, "UPDOWN_ENGINE_BET_RATE_WINDOW")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "UPDOWN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "UPDOWN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "UPDOWN_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "UPDOWN_SERVER_ADMIN_API_KEY")
	setStr(&cfg.Server.AdminAPISecret, "UPDOWN_SERVER_ADMIN_API_SECRET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UPDOWN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UPDOWN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "UPDOWN_MODE")
	setStr(&cfg.LogLevel, "UPDOWN_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
