package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/upb/authz-core/config"
	"github.com/upb/authz-core/internal/bootstrap"
	"github.com/upb/authz-core/middleware"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/repositories/memory"
	"github.com/upb/authz-core/repositories/postgres"
	"github.com/upb/authz-core/services/configcache"
	"github.com/upb/authz-core/services/credential"
	"github.com/upb/authz-core/services/notify"
	"github.com/upb/authz-core/services/permission"
	"github.com/upb/authz-core/services/resettoken"
	"github.com/upb/authz-core/services/token"
	"go.uber.org/zap"
)

// minPasswordLength matches the request validators in handlers.
const minPasswordLength = 8

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB  // nil when running on the in-memory store
	Redis  *redis.Client // nil when Redis is not configured
	Queue  *asynq.Client // nil when Redis is not configured

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Credentials *credential.Store
	Tokens      *token.Service
	Permissions *permission.Engine
	Settings    *configcache.Cache
	Resets      *resettoken.Manager
	Seeder      *bootstrap.Seeder

	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initStore(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := deps.initRedis(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initStore connects to PostgreSQL, or falls back to the in-memory store when
// no database is configured.
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		if cfg.IsProduction() {
			return errors.New("a database is required in production")
		}
		store := memory.NewStore()
		d.Repos = store.NewRepositories()
		d.TxManager = store.TransactionManager()
		d.Logger.Warn("no database configured, using in-memory store")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.HealthCheck(ctx); err != nil {
		return err
	}
	if cfg.Database.InitSchema {
		if err := d.DB.InitSchema(ctx); err != nil {
			return err
		}
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRedis opens the clients used for config broadcast and the reset email
// queue. Both stay nil when Redis is not configured.
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled() {
		d.Logger.Info("redis not configured, config changes stay local and reset links are logged")
		return nil
	}

	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Queue = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) error {
	d.Credentials = credential.NewStore(credential.Params{
		Memory:      cfg.Auth.Argon2Memory,
		Iterations:  cfg.Auth.Argon2Iterations,
		Parallelism: cfg.Auth.Argon2Parallelism,
	}, cfg.Auth.HashConcurrency, d.Logger.Named("credential"))

	tokens, err := token.NewService(token.Config{
		Secret:           []byte(cfg.Auth.JWTSecret),
		Issuer:           cfg.Auth.Issuer,
		TTL:              cfg.Auth.TokenTTL,
		OperationTimeout: cfg.Auth.OperationTimeout,
	}, d.Repos.Users, d.TxManager, d.Credentials, d.Logger.Named("token"))
	if err != nil {
		return err
	}
	d.Tokens = tokens

	cache, err := permission.NewCache(cfg.Auth.PermissionCacheSize)
	if err != nil {
		return err
	}
	d.Permissions = permission.NewEngine(permission.Config{
		SuperadminBypass: cfg.Auth.SuperadminBypass,
		OperationTimeout: cfg.Auth.OperationTimeout,
	}, d.Repos, d.TxManager, cache, d.Logger.Named("permission"))

	var broadcaster configcache.Broadcaster
	if d.Redis != nil {
		broadcaster = configcache.NewRedisBroadcaster(d.Redis, cfg.Redis.InvalidationChannel, d.Logger.Named("configcache"))
	}
	d.Settings = configcache.New(configcache.Config{
		OperationTimeout: cfg.Auth.OperationTimeout,
	}, d.Repos.Config, d.TxManager, broadcaster, d.Logger.Named("configcache"))

	var notifier resettoken.Notifier = notify.NewLogNotifier(d.Logger.Named("notify"))
	if d.Queue != nil {
		notifier = notify.NewAsynqNotifier(d.Queue, cfg.Auth.ResetURL, d.Logger.Named("notify"))
	}
	d.Resets = resettoken.NewManager(resettoken.Config{
		TTL:              cfg.Auth.ResetTokenTTL,
		OperationTimeout: cfg.Auth.OperationTimeout,
		MinSecretLength:  minPasswordLength,
	}, d.Repos, d.TxManager, d.Credentials, d.Settings, notifier, d.Logger.Named("resettoken"))

	d.Seeder = bootstrap.NewSeeder(d.Repos, d.TxManager, d.Credentials, d.Permissions, d.Settings,
		cfg.Auth.OperationTimeout, d.Logger.Named("bootstrap"))

	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, d.Permissions, d.Logger)
	d.Logger.Info("services initialized",
		zap.Bool("superadmin_bypass", cfg.Auth.SuperadminBypass),
		zap.Int("permission_cache_size", cfg.Auth.PermissionCacheSize))
	return nil
}

// HealthChecks returns the readiness probes for the configured backends.
func (d *Dependencies) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if d.DB != nil {
		checks["database"] = d.DB.HealthCheck
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	return checks
}

func (d *Dependencies) closeQuietly() {
	_ = d.Close(context.Background())
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Queue != nil {
		if err := d.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close task queue: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
