package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/config"
	"github.com/upb/authz-core/internal/bootstrap"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:          "127.0.0.1",
			Port:          0,
			AuthRateLimit: 10,
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-0123456789-0123456789",
			Issuer:              "authz-test",
			TokenTTL:            time.Hour,
			ResetTokenTTL:       30 * time.Minute,
			ResetURL:            "http://localhost/reset",
			Argon2Memory:        64,
			Argon2Iterations:    1,
			Argon2Parallelism:   1,
			HashConcurrency:     2,
			OperationTimeout:    time.Second,
			SuperadminBypass:    true,
			PermissionCacheSize: 16,
		},
		Bootstrap: config.BootstrapConfig{
			SeedDefaults:       true,
			SuperadminEmail:    "root@example.com",
			SuperadminPassword: "root-password",
		},
	}
}

func TestNewDependencies(t *testing.T) {
	t.Run("in-memory store without redis", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = deps.Close(ctx) })

		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.Redis)
		assert.Nil(t, deps.Queue)
		assert.NotNil(t, deps.Repos)
		assert.NotNil(t, deps.TxManager)
		assert.NotNil(t, deps.Tokens)
		assert.NotNil(t, deps.Permissions)
		assert.NotNil(t, deps.Settings)
		assert.NotNil(t, deps.Resets)
		assert.NotNil(t, deps.AuthMiddleware)
		assert.Empty(t, deps.HealthChecks())
	})

	t.Run("bootstrap then login", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = deps.Close(ctx) })

		result, err := deps.Seeder.Run(ctx, cfg.Bootstrap)
		require.NoError(t, err)
		assert.Equal(t, len(bootstrap.DefaultRoles), result.RolesCreated)

		login, err := deps.Tokens.Login(ctx, cfg.Bootstrap.SuperadminEmail, cfg.Bootstrap.SuperadminPassword)
		require.NoError(t, err)
		principal, err := deps.Tokens.Validate(ctx, login.Credential.Token)
		require.NoError(t, err)
		assert.NoError(t, deps.Permissions.Require(ctx, principal, "admin:rbac", "admin:settings"))
		assert.Equal(t, 30, deps.Settings.GetInt(ctx, "password_reset_expire_minutes", 0))
	})

	t.Run("redis enables broadcast and queue", func(t *testing.T) {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.Redis = config.RedisConfig{Addr: mr.Addr(), InvalidationChannel: "test:config"}

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = deps.Close(ctx) })

		assert.NotNil(t, deps.Redis)
		assert.NotNil(t, deps.Queue)
		checks := deps.HealthChecks()
		require.Contains(t, checks, "redis")
		assert.NoError(t, checks["redis"](ctx))
	})

	t.Run("unreachable redis fails fast", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig(t)
		cfg.Redis = config.RedisConfig{Addr: addr}
		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})

	t.Run("production requires a database", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Environment = "production"
		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}
