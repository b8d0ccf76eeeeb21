package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/arseneeth/shayd/internal/blob/s3"
	"github.com/arseneeth/shayd/internal/cache/redis"
	"github.com/arseneeth/shayd/internal/config"
	"github.com/arseneeth/shayd/internal/crypto"
	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/ledger"
	"github.com/arseneeth/shayd/internal/notify"
	"github.com/arseneeth/shayd/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	DepositStore  domain.DepositStore
	PositionStore domain.PositionStore
	HealthStore   domain.HealthStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil unless s3.enabled)
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter

	// Ledger engine
	Ledger domain.LedgerEngine

	// Deposit cipher
	Cipher *crypto.Cipher

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.DepositStore = postgres.NewDepositStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.HealthStore = postgres.NewHealthStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (audit archive) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader
	}

	// --- Ledger engine ---
	switch strings.ToLower(cfg.Ledger.Backend) {
	case "memory":
		deps.Ledger = ledger.NewMemoryEngine(ledger.MemoryConfig{
			Price:              cfg.Ledger.Price,
			FeeBps:             cfg.Ledger.FeeBps,
			DebtRatioThreshold: cfg.Ledger.DebtRatioThreshold,
			BonusRatio:         cfg.Ledger.BonusRatio,
		})
	case "evm":
		engine, err := ledger.NewEVMEngine(ctx, ledger.EVMConfig{
			RPCURL:        cfg.Ledger.RPCURL,
			EngineAddress: cfg.Ledger.EngineAddress,
			PoolAddress:   cfg.Ledger.PoolAddress,
			PrivateKeyHex: cfg.Ledger.PrivateKeyHex,
			ChainID:       cfg.Ledger.ChainID,
			Scale:         cfg.Ledger.Scale,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: evm ledger: %w", err)
		}
		closers = append(closers, engine.Close)
		deps.Ledger = engine
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend)
	}

	// --- Deposit cipher ---
	cipher, err := crypto.NewCipher(cfg.Vault.Secret)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: cipher: %w", err)
	}
	deps.Cipher = cipher

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
