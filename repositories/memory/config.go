package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/upb/authz-core/models"
)

// ConfigRepository implements repositories.ConfigRepository
type ConfigRepository struct {
	store *Store
}

func (r *ConfigRepository) Get(ctx context.Context, key string) (*models.ConfigEntry, error) {
	var out *models.ConfigEntry
	err := r.store.do(ctx, func(d *state) error {
		e, ok := d.config[key]
		if !ok {
			return notFound("config", key)
		}
		out = &e
		return nil
	})
	return out, err
}

func (r *ConfigRepository) List(ctx context.Context) ([]*models.ConfigEntry, error) {
	var out []*models.ConfigEntry
	err := r.store.do(ctx, func(d *state) error {
		for _, e := range d.config {
			out = append(out, &e)
		}
		slices.SortFunc(out, func(a, b *models.ConfigEntry) int {
			return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.Key, b.Key))
		})
		return nil
	})
	return out, err
}

func (r *ConfigRepository) Insert(ctx context.Context, entry *models.ConfigEntry) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.config[entry.Key]; ok {
			return duplicate("config", entry.Key)
		}
		d.config[entry.Key] = *entry
		return nil
	})
}

func (r *ConfigRepository) UpdateValue(ctx context.Context, key, value string, updatedAt time.Time) error {
	return r.store.do(ctx, func(d *state) error {
		e, ok := d.config[key]
		if !ok {
			return notFound("config", key)
		}
		e.Value = value
		e.UpdatedAt = updatedAt
		d.config[key] = e
		return nil
	})
}
