// Package configcache serves runtime configuration from memory with
// write-through updates to the persisted store.
package configcache

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
)

// CategoryGroup is the entries of one category in key order.
type CategoryGroup struct {
	Category string               `json:"category"`
	Items    []models.ConfigEntry `json:"items"`
}

// Broadcaster tells other instances that the configuration changed.
type Broadcaster interface {
	Publish(ctx context.Context) error
	Listen(ctx context.Context, onInvalidate func()) error
}

// Config holds cache settings.
type Config struct {
	OperationTimeout time.Duration
	Now              func() time.Time
}

// Cache is a read-through cache over the config table. Writes hold the
// write lock across the store update so readers never see the cache and the
// store disagree.
type Cache struct {
	cfg         Config
	repo        repositories.ConfigRepository
	txMgr       repositories.TransactionManager
	broadcaster Broadcaster
	logger      *zap.Logger

	mu      sync.RWMutex
	entries map[string]models.ConfigEntry // nil until loaded
}

// New creates a config cache. broadcaster may be nil.
func New(cfg Config, repo repositories.ConfigRepository, txMgr repositories.TransactionManager, broadcaster Broadcaster, logger *zap.Logger) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:         cfg,
		repo:        repo,
		txMgr:       txMgr,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// snapshot returns the loaded entries, loading them if needed.
// The returned map must not be modified.
func (c *Cache) snapshot(ctx context.Context) (map[string]models.ConfigEntry, error) {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()
	if entries != nil {
		return entries, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx); err != nil {
		return nil, err
	}
	return c.entries, nil
}

func (c *Cache) loadLocked(ctx context.Context) error {
	if c.entries != nil {
		return nil
	}
	ctx, cancel := services.Bounded(ctx, c.cfg.OperationTimeout)
	defer cancel()

	rows, err := c.repo.List(ctx)
	if err != nil {
		return services.WrapBackend("failed to load configuration", err, nil)
	}
	entries := make(map[string]models.ConfigEntry, len(rows))
	for _, row := range rows {
		entries[row.Key] = *row
	}
	c.entries = entries
	c.logger.Debug("configuration loaded", zap.Int("entries", len(entries)))
	return nil
}

// Get returns the entry for key with its raw value. Use Masked before
// showing it to anyone.
func (c *Cache) Get(ctx context.Context, key string) (*models.ConfigEntry, error) {
	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := entries[key]
	if !ok {
		return nil, services.ErrUnknownKey.WithDetail("key", key)
	}
	return &e, nil
}

// GetString returns the value for key, or fallback if the key is missing or
// the store is unreachable.
func (c *Cache) GetString(ctx context.Context, key, fallback string) string {
	e, err := c.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return e.Value
}

// GetInt returns the value for key as an int, or fallback.
func (c *Cache) GetInt(ctx context.Context, key string, fallback int) int {
	e, err := c.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return e.IntValue(fallback)
}

// GetBool returns the value for key as a bool, or fallback.
func (c *Cache) GetBool(ctx context.Context, key string, fallback bool) bool {
	e, err := c.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return e.BoolValue(fallback)
}

// List returns masked entries ordered by category then key. An empty
// category means all of them.
func (c *Cache) List(ctx context.Context, category string) ([]models.ConfigEntry, error) {
	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConfigEntry, 0, len(entries))
	for _, key := range sortedKeys(entries) {
		e := entries[key]
		if category != "" && e.Category != category {
			continue
		}
		out = append(out, e.Masked())
	}
	return out, nil
}

// Categories returns the distinct categories in order.
func (c *Cache) Categories(ctx context.Context) ([]string, error) {
	entries, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.Category] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// GetByCategory returns masked entries grouped by category.
func (c *Cache) GetByCategory(ctx context.Context) ([]CategoryGroup, error) {
	all, err := c.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var groups []CategoryGroup
	for _, e := range all {
		if n := len(groups); n == 0 || groups[n-1].Category != e.Category {
			groups = append(groups, CategoryGroup{Category: e.Category})
		}
		groups[len(groups)-1].Items = append(groups[len(groups)-1].Items, e)
	}
	return groups, nil
}

// checkWrite validates one pending write against the loaded entries.
func checkWrite(entries map[string]models.ConfigEntry, key, value string) error {
	e, ok := entries[key]
	if !ok {
		return services.ErrUnknownKey.WithDetail("key", key)
	}
	if !e.IsEditable {
		return services.ErrNotEditable.WithDetail("key", key)
	}
	if keepsSecret(e, value) {
		return nil
	}
	if err := e.CheckValue(value); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, err.Error(), nil).WithDetail("key", key)
	}
	return nil
}

// Set writes one value through to the store and the cache.
func (c *Cache) Set(ctx context.Context, key, value string) (*models.ConfigEntry, error) {
	updated, err := c.BulkSet(ctx, map[string]string{key: value})
	if err != nil {
		return nil, err
	}
	return &updated[0], nil
}

// BulkSet applies every value or none. Any unknown, non-editable or invalid
// key aborts the whole batch before anything is written.
func (c *Cache) BulkSet(ctx context.Context, values map[string]string) ([]models.ConfigEntry, error) {
	if len(values) == 0 {
		return []models.ConfigEntry{}, nil
	}
	keys := slices.Sorted(maps.Keys(values))

	c.mu.Lock()
	if err := c.loadLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	for _, key := range keys {
		if err := checkWrite(c.entries, key, values[key]); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	now := c.cfg.Now().UTC()
	opCtx, cancel := services.Bounded(ctx, c.cfg.OperationTimeout)
	err := services.WithTransaction(opCtx, c.txMgr, func(ctx context.Context) error {
		for _, key := range keys {
			if keepsSecret(c.entries[key], values[key]) {
				continue
			}
			if err := c.repo.UpdateValue(ctx, key, values[key], now); err != nil {
				return err
			}
		}
		return nil
	})
	cancel()
	if err != nil {
		// The cache knew a key the store no longer has.
		if errors.Is(err, repositories.ErrNotFound) {
			c.entries = nil
		}
		c.mu.Unlock()
		return nil, services.WrapBackend("failed to update configuration", err, services.ErrUnknownKey)
	}

	next := maps.Clone(c.entries)
	updated := make([]models.ConfigEntry, 0, len(keys))
	for _, key := range keys {
		e := next[key]
		if !keepsSecret(e, values[key]) {
			e.Value = values[key]
			e.UpdatedAt = now
			next[key] = e
		}
		updated = append(updated, e.Masked())
	}
	c.entries = next
	c.mu.Unlock()

	c.logger.Info("configuration updated", zap.Strings("keys", keys))
	c.publish(ctx)
	return updated, nil
}

// Invalidate drops the local cache; the next read reloads from the store.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
	c.logger.Debug("configuration cache invalidated")
}

// SeedDefaults inserts the defaults whose keys are missing, then drops the
// cache here and on every peer.
func (c *Cache) SeedDefaults(ctx context.Context, defaults []models.ConfigEntry) (added, skipped int, err error) {
	ctx, cancel := services.Bounded(ctx, c.cfg.OperationTimeout)
	defer cancel()

	now := c.cfg.Now().UTC()
	err = services.WithTransaction(ctx, c.txMgr, func(ctx context.Context) error {
		added, skipped = 0, 0
		for _, d := range defaults {
			entry := d
			entry.UpdatedAt = now
			switch err := c.repo.Insert(ctx, &entry); {
			case err == nil:
				added++
			case errors.Is(err, repositories.ErrDuplicate):
				skipped++
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, services.WrapBackend("failed to seed configuration", err, nil)
	}

	c.Invalidate()
	c.publish(ctx)
	c.logger.Info("configuration defaults seeded", zap.Int("added", added), zap.Int("skipped", skipped))
	return added, skipped, nil
}

// ListenForInvalidations drops the local cache whenever a peer writes. It
// blocks until ctx is done. Without a broadcaster it returns immediately.
func (c *Cache) ListenForInvalidations(ctx context.Context) error {
	if c.broadcaster == nil {
		return nil
	}
	return c.broadcaster.Listen(ctx, c.Invalidate)
}

func (c *Cache) publish(ctx context.Context) {
	if c.broadcaster == nil {
		return
	}
	ctx, cancel := services.Bounded(context.WithoutCancel(ctx), c.cfg.OperationTimeout)
	defer cancel()
	if err := c.broadcaster.Publish(ctx); err != nil {
		c.logger.Warn("failed to broadcast configuration change", zap.Error(err))
	}
}

func sortedKeys(entries map[string]models.ConfigEntry) []string {
	keys := slices.Collect(maps.Keys(entries))
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(cmp.Compare(entries[a].Category, entries[b].Category), cmp.Compare(a, b))
	})
	return keys
}

// keepsSecret reports whether value is the mask echoed back for a secret,
// which leaves the stored value alone.
func keepsSecret(e models.ConfigEntry, value string) bool {
	return e.IsSecret && value == models.SecretMask
}
