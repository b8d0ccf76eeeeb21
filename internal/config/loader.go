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
// built-in defaults, applies SHAYD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known SHAYD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Vault ──
	setStr(&cfg.Vault.Secret, "SHAYD_VAULT_SECRET")
	setStr(&cfg.Vault.Operator, "SHAYD_VAULT_OPERATOR")
	setInt(&cfg.Vault.BundleSize, "SHAYD_VAULT_BUNDLE_SIZE")
	setStr(&cfg.Vault.Pool, "SHAYD_VAULT_POOL")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "SHAYD_LEDGER_BACKEND")
	setStr(&cfg.Ledger.RPCURL, "SHAYD_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.EngineAddress, "SHAYD_LEDGER_ENGINE_ADDRESS")
	setStr(&cfg.Ledger.PoolAddress, "SHAYD_LEDGER_POOL_ADDRESS")
	setStr(&cfg.Ledger.PrivateKeyHex, "SHAYD_LEDGER_PRIVATE_KEY_HEX")
	setInt64(&cfg.Ledger.ChainID, "SHAYD_LEDGER_CHAIN_ID")
	setInt64(&cfg.Ledger.Scale, "SHAYD_LEDGER_SCALE")
	setFloat64(&cfg.Ledger.Price, "SHAYD_LEDGER_PRICE")
	setFloat64(&cfg.Ledger.FeeBps, "SHAYD_LEDGER_FEE_BPS")
	setFloat64(&cfg.Ledger.DebtRatioThreshold, "SHAYD_LEDGER_DEBT_RATIO_THRESHOLD")
	setFloat64(&cfg.Ledger.BonusRatio, "SHAYD_LEDGER_BONUS_RATIO")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SHAYD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SHAYD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SHAYD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SHAYD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SHAYD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SHAYD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SHAYD_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "SHAYD_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "SHAYD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SHAYD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SHAYD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SHAYD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SHAYD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SHAYD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SHAYD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SHAYD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SHAYD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SHAYD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SHAYD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SHAYD_S3_REGION")
	setStr(&cfg.S3.Bucket, "SHAYD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SHAYD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SHAYD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SHAYD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SHAYD_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "SHAYD_S3_ARCHIVE_INTERVAL")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "SHAYD_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Receiver, "SHAYD_KEEPER_RECEIVER")
	setDuration(&cfg.Keeper.CheckInterval, "SHAYD_KEEPER_CHECK_INTERVAL")
	setFloat64(&cfg.Keeper.HealthBuffer, "SHAYD_KEEPER_HEALTH_BUFFER")
	setFloat64(&cfg.Keeper.DebtFraction, "SHAYD_KEEPER_DEBT_FRACTION")
	setFloat64(&cfg.Keeper.MinRepay, "SHAYD_KEEPER_MIN_REPAY")
	setFloat64(&cfg.Keeper.TakeoverFraction, "SHAYD_KEEPER_TAKEOVER_FRACTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SHAYD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SHAYD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SHAYD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SHAYD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SHAYD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SHAYD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SHAYD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SHAYD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SHAYD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SHAYD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SHAYD_MODE")
	setStr(&cfg.LogLevel, "SHAYD_LOG_LEVEL")
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
