package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/stakepilot/engine/internal/blob/s3"
	"github.com/stakepilot/engine/internal/cache/redis"
	"github.com/stakepilot/engine/internal/config"
	"github.com/stakepilot/engine/internal/domain"
	"github.com/stakepilot/engine/internal/feed"
	"github.com/stakepilot/engine/internal/notify"
	"github.com/stakepilot/engine/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	StrategyStore  domain.StrategyStore
	ExecutionStore domain.ExecutionStore

	// Caches; nil unless Redis is enabled.
	ListingCache domain.ListingCache
	Locks        *redis.LockManager

	// Feed is the raw listing feed client; Snapshots is the provider the
	// scheduler pulls from (the feed client, cache-wrapped when Redis is on).
	Feed      *feed.Client
	Snapshots domain.SnapshotProvider

	// Blob storage; nil outside archive mode.
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	return mode == "archive"
}

// needsFeed returns true for modes that pull listing snapshots.
func needsFeed(mode string) bool {
	return mode == "run" || mode == "watch"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()
	mode := strings.ToLower(cfg.Mode)

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
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.ExecutionStore = postgres.NewExecutionStore(pool)

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
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

		deps.ListingCache = redis.NewListingCache(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	}

	// --- Listing feed ---
	if needsFeed(mode) {
		deps.Feed = feed.NewClient(cfg.Feed.BaseURL, cfg.Feed.PageSize, cfg.Feed.HTTPTimeout.Duration)
		deps.Snapshots = deps.Feed
		if deps.ListingCache != nil {
			deps.Snapshots = feed.NewCachedProvider(deps.Feed, deps.ListingCache, logger)
		}
	}

	// --- S3 blob storage ---
	if needsS3(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewExecutionArchiver(
			s3blob.NewWriter(s3Client),
			deps.ExecutionStore,
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

	return deps, cleanup, nil
}

// engineNotifier adapts notify.Notifier to the coordinator's fire-and-forget
// surface. Delivery failures are already logged by the notifier itself.
type engineNotifier struct {
	n *notify.Notifier
}

func (en engineNotifier) Notify(ctx context.Context, event, title, message string) {
	_ = en.n.Notify(ctx, event, title, message)
}

// permissionFromConfig builds the spend permission the run mode redeems
// against.
func permissionFromConfig(cfg config.PermissionConfig) domain.SpendPermission {
	return domain.SpendPermission{
		Context:        cfg.Context,
		Enforcer:       cfg.Enforcer,
		Principal:      cfg.Principal,
		AllowanceMicro: cfg.AllowanceMicro,
	}
}

// retentionCutoff converts the configured retention window into an archival
// cutoff timestamp.
func retentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.UTC().AddDate(0, 0, -retentionDays)
}
