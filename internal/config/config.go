// Package config defines the top-level configuration for the vault service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SHAYD_* environment variables.
type Config struct {
	Vault    VaultConfig    `toml:"vault"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Oracles  []OracleConfig `toml:"oracles"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// VaultConfig holds the deposit vault parameters.
type VaultConfig struct {
	// Secret derives the AES key protecting deposit parameters at rest.
	Secret string `toml:"secret"`
	// Operator is the only identity allowed to decrypt deposits in bulk
	// and assemble bundles.
	Operator string `toml:"operator"`
	// BundleSize is the exact number of deposits consumed per pooled
	// position.
	BundleSize int `toml:"bundle_size"`
	// Pool names the ledger pool the vault deposits into.
	Pool string `toml:"pool"`
}

// LedgerConfig selects and parameterizes the ledger engine backend.
type LedgerConfig struct {
	// Backend is "memory" or "evm".
	Backend       string `toml:"backend"`
	RPCURL        string `toml:"rpc_url"`
	EngineAddress string `toml:"engine_address"`
	PoolAddress   string `toml:"pool_address"`
	PrivateKeyHex string `toml:"private_key_hex"`
	ChainID       int64  `toml:"chain_id"`
	Scale         int64  `toml:"scale"`

	// Memory backend parameters, used for development and tests.
	Price              float64 `toml:"price"`
	FeeBps             float64 `toml:"fee_bps"`
	DebtRatioThreshold float64 `toml:"debt_ratio_threshold"`
	BonusRatio         float64 `toml:"bonus_ratio"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// KeeperConfig holds the liquidation monitor parameters.
type KeeperConfig struct {
	Enabled bool `toml:"enabled"`
	// Receiver is the custody address that collects seized collateral.
	Receiver      string   `toml:"receiver"`
	CheckInterval duration `toml:"check_interval"`
	// HealthBuffer scales the liquidation threshold down to the
	// near-liquidation boundary.
	HealthBuffer float64 `toml:"health_buffer"`
	// DebtFraction of outstanding debt repaid per partial liquidation.
	DebtFraction float64 `toml:"debt_fraction"`
	// MinRepay floors the repay amount so small positions clear in one
	// pass instead of dribbling.
	MinRepay float64 `toml:"min_repay"`
	// TakeoverFraction of share collateral ceded to the keeper when an
	// owner closes a near-liquidation share.
	TakeoverFraction float64 `toml:"takeover_fraction"`
}

// OracleConfig describes one price feed polled by the keeper.
type OracleConfig struct {
	Name string `toml:"name"`
	// URL of the HTTP quote endpoint. If empty, a static oracle pinned
	// at Price is used instead.
	URL      string   `toml:"url"`
	Price    float64  `toml:"price"`
	Interval duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Vault: VaultConfig{
			Operator:   "0x0000000000000000000000000000000000000001",
			BundleSize: 10,
			Pool:       "vault",
		},
		Ledger: LedgerConfig{
			Backend:            "memory",
			ChainID:            1,
			Scale:              1_000_000,
			Price:              1.0,
			FeeBps:             0,
			DebtRatioThreshold: 0.85,
			BonusRatio:         0.05,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "shayd-audit",
			UseSSL:          false,
			ForcePathStyle:  true,
			ArchiveInterval: duration{time.Minute},
		},
		Keeper: KeeperConfig{
			Enabled:          true,
			Receiver:         "0x0000000000000000000000000000000000000002",
			CheckInterval:    duration{15 * time.Second},
			HealthBuffer:     0.95,
			DebtFraction:     0.5,
			MinRepay:         0.1,
			TakeoverFraction: 0.2,
		},
		Oracles: []OracleConfig{
			{Name: "static", Price: 1.0, Interval: duration{10 * time.Second}},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"near_liquidation", "liquidation_executed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode. "store" runs
// the deposit vault and HTTP server only, "keeper" runs the liquidation
// monitor only, "full" runs both.
var validModes = map[string]bool{
	"store":  true,
	"keeper": true,
	"full":   true,
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: store, keeper, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Vault
	if c.Vault.Secret == "" {
		errs = append(errs, "vault: secret must not be empty")
	}
	if c.Vault.Operator == "" {
		errs = append(errs, "vault: operator must not be empty")
	}
	if c.Vault.BundleSize < 2 {
		errs = append(errs, fmt.Sprintf("vault: bundle_size must be >= 2, got %d", c.Vault.BundleSize))
	}
	if c.Vault.Pool == "" {
		errs = append(errs, "vault: pool must not be empty")
	}

	// Ledger
	switch strings.ToLower(c.Ledger.Backend) {
	case "memory":
		if c.Ledger.Price <= 0 {
			errs = append(errs, "ledger: price must be > 0 for the memory backend")
		}
		if c.Ledger.DebtRatioThreshold <= 0 || c.Ledger.DebtRatioThreshold >= 1 {
			errs = append(errs, "ledger: debt_ratio_threshold must be in (0, 1)")
		}
	case "evm":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for the evm backend")
		}
		if c.Ledger.EngineAddress == "" {
			errs = append(errs, "ledger: engine_address is required for the evm backend")
		}
		if c.Ledger.PrivateKeyHex == "" {
			errs = append(errs, "ledger: private_key_hex is required for the evm backend")
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
		if c.Ledger.Scale <= 0 {
			errs = append(errs, "ledger: scale must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown ledger backend %q (valid: memory, evm)", c.Ledger.Backend))
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Keeper
	needsKeeper := c.Keeper.Enabled && (c.Mode == "keeper" || c.Mode == "full")
	if needsKeeper {
		if c.Keeper.Receiver == "" {
			errs = append(errs, "keeper: receiver must not be empty")
		}
		if c.Keeper.HealthBuffer <= 0 || c.Keeper.HealthBuffer > 1 {
			errs = append(errs, "keeper: health_buffer must be in (0, 1]")
		}
		if c.Keeper.DebtFraction <= 0 || c.Keeper.DebtFraction > 1 {
			errs = append(errs, "keeper: debt_fraction must be in (0, 1]")
		}
		if c.Keeper.TakeoverFraction < 0 || c.Keeper.TakeoverFraction >= 1 {
			errs = append(errs, "keeper: takeover_fraction must be in [0, 1)")
		}
		if len(c.Oracles) == 0 {
			errs = append(errs, "keeper: at least one oracle must be configured")
		}
	}
	for i, o := range c.Oracles {
		if o.Name == "" {
			errs = append(errs, fmt.Sprintf("oracles[%d]: name must not be empty", i))
		}
		if o.URL == "" && o.Price <= 0 {
			errs = append(errs, fmt.Sprintf("oracles[%d]: either url or a positive price must be set", i))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
