package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/updownlive/updown-engine/internal/blob/s3"
	"github.com/updownlive/updown-engine/internal/cache/redis"
	"github.com/updownlive/updown-engine/internal/chain"
	"github.com/updownlive/updown-engine/internal/config"
	"github.com/updownlive/updown-engine/internal/crypto"
	"github.com/updownlive/updown-engine/internal/domain"
	"github.com/updownlive/updown-engine/internal/notify"
	"github.com/updownlive/updown-engine/internal/service"
	"github.com/updownlive/updown-engine/internal/store/postgres"
)

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	RoundStore      domain.RoundStore
	PredictionStore domain.PredictionStore
	UserStore       domain.UserStore
	LedgerStore     domain.LedgerStore

	// Caches and coordination
	RoundCache  domain.RoundCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Contract gateway
	Gateway *chain.Gateway

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Services
	Rounds      *service.RoundService
	Predictions *service.PredictionService
	Settlement  *service.SettlementService
	Users       *service.UserService
	Sweeper     *service.Sweeper

	// Notifications
	Notifier *notify.Notifier
	Alerter  *notify.EngineAlerter
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.RoundStore = postgres.NewRoundStore(pool)
	deps.PredictionStore = postgres.NewPredictionStore(pool)
	deps.UserStore = postgres.NewUserStore(pool)
	deps.LedgerStore = postgres.NewLedgerStore(pool)

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

	deps.RoundCache = redis.NewRoundCache(redisClient, cfg.Engine.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Contract gateway ---
	var contract chain.RoundContract
	if cfg.Chain.Enabled {
		operatorKey, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Operator.PrivateKey,
			EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
			KeyPassword:      cfg.Operator.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: operator key: %w", err)
		}

		evm, err := chain.NewEVMContract(ctx, chain.EVMConfig{
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: cfg.Chain.ContractAddress,
			ChainID:         cfg.Chain.ChainID,
			OperatorKey:     operatorKey,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: evm contract: %w", err)
		}
		contract = evm
	} else {
		contract = chain.NewLocalContract()
	}
	deps.Gateway = chain.NewGateway(contract, chain.Options{
		AdminAttempts: cfg.Chain.AdminAttempts,
		UserAttempts:  cfg.Chain.UserAttempts,
		Budget:        cfg.Chain.OperationBudget.Duration,
	}, logger)

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) {
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
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.RoundStore,
			deps.PredictionStore,
			deps.LedgerStore,
			logger,
		)
	}

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
	deps.Alerter = notify.NewEngineAlerter(deps.SignalBus, deps.Notifier, logger)

	// --- Services ---
	deps.Rounds = service.NewRoundService(
		deps.RoundStore, deps.PredictionStore, deps.RoundCache,
		deps.LockManager, deps.SignalBus, deps.Gateway, logger,
	)
	deps.Predictions = service.NewPredictionService(
		deps.PredictionStore, deps.RoundStore, deps.UserStore,
		deps.RoundCache, deps.RateLimiter, deps.Gateway,
		cfg.Engine.BetRateLimit, cfg.Engine.BetRateWindow.Duration, logger,
	)
	deps.Settlement = service.NewSettlementService(
		deps.RoundStore, deps.PredictionStore, deps.UserStore,
		deps.RoundCache, deps.LockManager, deps.SignalBus, deps.Gateway, logger,
	)
	deps.Users = service.NewUserService(
		deps.UserStore, deps.LedgerStore, deps.Gateway,
		cfg.Engine.StartingBalance, logger,
	)
	deps.Sweeper = service.NewSweeper(deps.Rounds, cfg.Engine.SweepInterval.Duration, logger)

	return deps, cleanup, nil
}
