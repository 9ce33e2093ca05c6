package configcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/repositories/memory"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
)

var testDefaults = []models.ConfigEntry{
	{Key: "app_name", Value: "Template", ValueType: models.ValueTypeString, Category: "general", IsEditable: true},
	{Key: "environment", Value: "production", ValueType: models.ValueTypeString, Category: "general", IsEditable: false},
	{Key: "debug", Value: "false", ValueType: models.ValueTypeBool, Category: "general", IsEditable: true},
	{Key: "smtp_port", Value: "587", ValueType: models.ValueTypeInt, Category: "email", IsEditable: true},
	{Key: "smtp_password", Value: "hunter2", ValueType: models.ValueTypeString, Category: "email", IsSecret: true, IsEditable: true},
}

// failingConfig fails UpdateValue for one key.
type failingConfig struct {
	repositories.ConfigRepository
	failKey string
}

func (f *failingConfig) UpdateValue(ctx context.Context, key, value string, at time.Time) error {
	if key == f.failKey {
		return errors.New("write failed")
	}
	return f.ConfigRepository.UpdateValue(ctx, key, value, at)
}

func newTestCache(t *testing.T) (*Cache, *memory.Store, repositories.ConfigRepository) {
	t.Helper()
	store := memory.NewStore()
	repo := store.NewRepositories().Config
	c := New(Config{OperationTimeout: time.Second}, repo, store.TransactionManager(), nil, zap.NewNop())
	_, _, err := c.SeedDefaults(context.Background(), testDefaults)
	require.NoError(t, err)
	return c, store, repo
}

func stored(t *testing.T, repo repositories.ConfigRepository, key string) string {
	t.Helper()
	e, err := repo.Get(context.Background(), key)
	require.NoError(t, err)
	return e.Value
}

func TestCache_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _, repo := newTestCache(t)

	e, err := c.Get(ctx, "app_name")
	require.NoError(t, err)
	assert.Equal(t, "Template", e.Value)

	// A write that bypasses the cache stays invisible until Invalidate.
	require.NoError(t, repo.UpdateValue(ctx, "app_name", "Changed", time.Now()))
	assert.Equal(t, "Template", c.GetString(ctx, "app_name", ""))

	c.Invalidate()
	assert.Equal(t, "Changed", c.GetString(ctx, "app_name", ""))

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrUnknownKey)
}

func TestCache_SetIsWriteThrough(t *testing.T) {
	ctx := context.Background()
	c, _, repo := newTestCache(t)

	e, err := c.Set(ctx, "smtp_port", "2525")
	require.NoError(t, err)
	assert.Equal(t, "2525", e.Value)

	assert.Equal(t, "2525", stored(t, repo, "smtp_port"))
	assert.Equal(t, 2525, c.GetInt(ctx, "smtp_port", 0))
}

func TestCache_SetRejections(t *testing.T) {
	ctx := context.Background()
	c, _, repo := newTestCache(t)

	_, err := c.Set(ctx, "nope", "x")
	assert.ErrorIs(t, err, services.ErrUnknownKey)

	_, err = c.Set(ctx, "environment", "staging")
	assert.ErrorIs(t, err, services.ErrNotEditable)
	assert.Equal(t, "production", stored(t, repo, "environment"))

	_, err = c.Set(ctx, "smtp_port", "many")
	assert.True(t, services.IsValidationError(err))
	_, err = c.Set(ctx, "debug", "perhaps")
	assert.True(t, services.IsValidationError(err))
	assert.Equal(t, "587", stored(t, repo, "smtp_port"))
}

func TestCache_BulkSetIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c, _, repo := newTestCache(t)

	_, err := c.BulkSet(ctx, map[string]string{"app_name": "New", "environment": "dev"})
	assert.ErrorIs(t, err, services.ErrNotEditable)
	assert.Equal(t, "Template", stored(t, repo, "app_name"))
	assert.Equal(t, "Template", c.GetString(ctx, "app_name", ""))

	_, err = c.BulkSet(ctx, map[string]string{"app_name": "New", "ghost": "x"})
	assert.ErrorIs(t, err, services.ErrUnknownKey)
	assert.Equal(t, "Template", stored(t, repo, "app_name"))

	updated, err := c.BulkSet(ctx, map[string]string{"app_name": "New", "debug": "true"})
	require.NoError(t, err)
	assert.Len(t, updated, 2)
	assert.True(t, c.GetBool(ctx, "debug", false))
	assert.Equal(t, "New", stored(t, repo, "app_name"))
}

func TestCache_BulkSetRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := store.NewRepositories().Config
	repo := &failingConfig{ConfigRepository: base, failKey: "smtp_port"}
	c := New(Config{OperationTimeout: time.Second}, repo, store.TransactionManager(), nil, zap.NewNop())
	_, _, err := c.SeedDefaults(ctx, testDefaults)
	require.NoError(t, err)

	// app_name sorts before smtp_port, so its update runs first and must be undone.
	_, err = c.BulkSet(ctx, map[string]string{"app_name": "New", "smtp_port": "25"})
	require.Error(t, err)
	assert.True(t, services.IsUnavailableError(err))

	assert.Equal(t, "Template", stored(t, base, "app_name"))
	assert.Equal(t, "Template", c.GetString(ctx, "app_name", ""))
}

func TestCache_SecretsAreMasked(t *testing.T) {
	ctx := context.Background()
	c, _, repo := newTestCache(t)

	entries, err := c.List(ctx, "email")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "smtp_password", entries[0].Key)
	assert.Equal(t, models.SecretMask, entries[0].Value)

	e, err := c.Get(ctx, "smtp_password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", e.Value)

	// Echoing the mask back keeps the stored secret.
	out, err := c.Set(ctx, "smtp_password", models.SecretMask)
	require.NoError(t, err)
	assert.Equal(t, models.SecretMask, out.Value)
	assert.Equal(t, "hunter2", stored(t, repo, "smtp_password"))

	out, err = c.Set(ctx, "smtp_password", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, models.SecretMask, out.Value)
	assert.Equal(t, "correct-horse", stored(t, repo, "smtp_password"))
}

func TestCache_Categories(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	cats, err := c.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "general"}, cats)

	groups, err := c.GetByCategory(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "email", groups[0].Category)
	assert.Len(t, groups[0].Items, 2)
	assert.Equal(t, "general", groups[1].Category)
	assert.Equal(t, []string{"app_name", "debug", "environment"}, []string{
		groups[1].Items[0].Key, groups[1].Items[1].Key, groups[1].Items[2].Key,
	})
}

func TestCache_SeedDefaultsSkipsExisting(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	_, err := c.Set(ctx, "app_name", "Kept")
	require.NoError(t, err)

	extra := append([]models.ConfigEntry{}, testDefaults...)
	extra = append(extra, models.ConfigEntry{Key: "maintenance_mode", Value: "false", ValueType: models.ValueTypeBool, Category: "features", IsEditable: true})

	added, skipped, err := c.SeedDefaults(ctx, extra)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, len(testDefaults), skipped)
	assert.Equal(t, "Kept", c.GetString(ctx, "app_name", ""))
	assert.False(t, c.GetBool(ctx, "maintenance_mode", true))
}

func TestCache_BackendDown(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	c := New(Config{OperationTimeout: time.Second}, store.NewRepositories().Config, store.TransactionManager(), nil, zap.NewNop())

	store.SetFailure(errors.New("connection refused"))
	_, err := c.Get(ctx, "app_name")
	assert.True(t, services.IsUnavailableError(err))
	assert.Equal(t, 42, c.GetInt(ctx, "smtp_port", 42))

	_, err = c.Set(ctx, "app_name", "x")
	assert.True(t, services.IsUnavailableError(err))
}

func TestRedisBroadcaster_InvalidatesPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	store := memory.NewStore()
	repo := store.NewRepositories().Config
	txMgr := store.TransactionManager()

	writer := New(Config{OperationTimeout: time.Second}, repo, txMgr,
		NewRedisBroadcaster(newClient(), "test:config", zap.NewNop()), zap.NewNop())
	reader := New(Config{OperationTimeout: time.Second}, repo, txMgr,
		NewRedisBroadcaster(newClient(), "test:config", zap.NewNop()), zap.NewNop())

	_, _, err := writer.SeedDefaults(ctx, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, "Template", reader.GetString(ctx, "app_name", ""))

	done := make(chan error, 1)
	go func() { done <- reader.ListenForInvalidations(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("test:config")["test:config"] == 1
	}, time.Second, 10*time.Millisecond)

	_, err = writer.Set(ctx, "app_name", "From peer")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return reader.GetString(ctx, "app_name", "") == "From peer"
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestCache_ListenWithoutBroadcaster(t *testing.T) {
	c, _, _ := newTestCache(t)
	assert.NoError(t, c.ListenForInvalidations(context.Background()))
}
