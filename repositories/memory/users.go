package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
)

// UserRepository implements repositories.UserRepository
type UserRepository struct {
	store *Store
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.users[user.ID]; ok {
			return duplicate("user", user.ID)
		}
		for _, u := range d.users {
			if u.Email == user.Email {
				return duplicate("user email", user.Email)
			}
		}
		d.users[user.ID] = *user
		return nil
	})
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var out *models.User
	err := r.store.do(ctx, func(d *state) error {
		u, ok := d.users[id]
		if !ok {
			return notFound("user", id)
		}
		out = &u
		return nil
	})
	return out, err
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var out *models.User
	err := r.store.do(ctx, func(d *state) error {
		for _, u := range d.users {
			if u.Email == email {
				out = &u
				return nil
			}
		}
		return notFound("user email", email)
	})
	return out, err
}

func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	var out []*models.User
	err := r.store.do(ctx, func(d *state) error {
		all := make([]models.User, 0, len(d.users))
		for _, u := range d.users {
			all = append(all, u)
		}
		slices.SortFunc(all, func(a, b models.User) int {
			return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Email, b.Email))
		})
		for i := offset; i < len(all) && (limit <= 0 || len(out) < limit); i++ {
			u := all[i]
			out = append(out, &u)
		}
		return nil
	})
	return out, err
}

func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	return r.store.do(ctx, func(d *state) error {
		cur, ok := d.users[user.ID]
		if !ok {
			return notFound("user", user.ID)
		}
		cur.Email = user.Email
		cur.FirstName = user.FirstName
		cur.LastName = user.LastName
		cur.IsActive = user.IsActive
		cur.IsSuperadmin = user.IsSuperadmin
		cur.UpdatedAt = time.Now().UTC()
		d.users[user.ID] = cur
		return nil
	})
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.store.do(ctx, func(d *state) error {
		cur, ok := d.users[id]
		if !ok {
			return notFound("user", id)
		}
		cur.PasswordHash = passwordHash
		cur.UpdatedAt = time.Now().UTC()
		d.users[id] = cur
		return nil
	})
}

func (r *UserRepository) BumpTokenEpoch(ctx context.Context, id uuid.UUID) (int64, error) {
	var epoch int64
	err := r.store.do(ctx, func(d *state) error {
		cur, ok := d.users[id]
		if !ok {
			return notFound("user", id)
		}
		cur.TokenEpoch++
		cur.UpdatedAt = time.Now().UTC()
		d.users[id] = cur
		epoch = cur.TokenEpoch
		return nil
	})
	return epoch, err
}
