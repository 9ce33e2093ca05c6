// Package memory provides in-process implementations of the repository
// interfaces. Records live in maps keyed by id and joins are explicit link
// sets, so the store holds no object graph. A transaction takes the store lock
// for its whole duration and restores a snapshot on rollback.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
)

type userRoleKey struct{ userID, roleID uuid.UUID }

type rolePermKey struct{ roleID, permissionID uuid.UUID }

// state is everything a transaction may need to restore.
type state struct {
	users       map[uuid.UUID]models.User
	roles       map[uuid.UUID]models.Role
	permissions map[uuid.UUID]models.Permission
	userRoles   map[userRoleKey]models.UserRole
	rolePerms   map[rolePermKey]struct{}
	resetTokens map[uuid.UUID]models.PasswordResetToken
	config      map[string]models.ConfigEntry
}

func newState() state {
	return state{
		users:       make(map[uuid.UUID]models.User),
		roles:       make(map[uuid.UUID]models.Role),
		permissions: make(map[uuid.UUID]models.Permission),
		userRoles:   make(map[userRoleKey]models.UserRole),
		rolePerms:   make(map[rolePermKey]struct{}),
		resetTokens: make(map[uuid.UUID]models.PasswordResetToken),
		config:      make(map[string]models.ConfigEntry),
	}
}

func (s state) clone() state {
	return state{
		users:       maps.Clone(s.users),
		roles:       maps.Clone(s.roles),
		permissions: maps.Clone(s.permissions),
		userRoles:   maps.Clone(s.userRoles),
		rolePerms:   maps.Clone(s.rolePerms),
		resetTokens: maps.Clone(s.resetTokens),
		config:      maps.Clone(s.config),
	}
}

// Store is the shared backing state for all memory repositories.
type Store struct {
	mu      sync.Mutex
	data    state
	failure error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{data: newState()}
}

// SetFailure makes every subsequent call fail with err, simulating an
// unreachable backend. Pass nil to recover.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// NewRepositories returns repositories backed by the store
func (s *Store) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Users:       &UserRepository{store: s},
		Roles:       &RoleRepository{store: s},
		Permissions: &PermissionRepository{store: s},
		Assignments: &AssignmentRepository{store: s},
		ResetTokens: &ResetTokenRepository{store: s},
		Config:      &ConfigRepository{store: s},
	}
}

// TransactionManager returns a transaction manager over the store
func (s *Store) TransactionManager() repositories.TransactionManager {
	return &TransactionManager{store: s}
}

type txKey struct{}

// inTx reports whether ctx belongs to a transaction already holding s.mu.
func (s *Store) inTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return ok && tx.store == s && !tx.done
}

// do runs fn against the store state, taking the lock unless ctx is already
// inside one of this store's transactions.
func (s *Store) do(ctx context.Context, fn func(d *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if s.failure != nil {
		return s.failure
	}
	return fn(&s.data)
}

// TransactionManager implements repositories.TransactionManager
type TransactionManager struct {
	store *Store
}

// InTransaction executes fn holding the store lock. On error the state is
// restored to what it was before fn ran.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	// Nested calls join the outer transaction.
	if tm.store.inTx(ctx) {
		tx := ctx.Value(txKey{}).(*Transaction)
		return fn(ctx, tx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tm.store.mu.Lock()
	defer tm.store.mu.Unlock()
	if tm.store.failure != nil {
		return tm.store.failure
	}

	tx := &Transaction{store: tm.store, snapshot: tm.store.data.clone()}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	tx.ctx = txCtx

	if err := tm.run(txCtx, tx, fn); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (tm *TransactionManager) run(ctx context.Context, tx *Transaction, fn func(ctx context.Context, tx repositories.Transaction) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	return fn(ctx, tx)
}

// Transaction implements repositories.Transaction for the memory store
type Transaction struct {
	store    *Store
	snapshot state
	ctx      context.Context
	done     bool
}

// Commit keeps the changes made so far
func (t *Transaction) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	return nil
}

// Rollback restores the snapshot taken when the transaction began
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.store.data = t.snapshot
	t.done = true
	return nil
}

// Context returns the transaction context
func (t *Transaction) Context() context.Context {
	return t.ctx
}

func notFound(kind string, key any) error {
	return fmt.Errorf("%s %v: %w", kind, key, repositories.ErrNotFound)
}

func duplicate(kind string, key any) error {
	return fmt.Errorf("%s %v: %w", kind, key, repositories.ErrDuplicate)
}
