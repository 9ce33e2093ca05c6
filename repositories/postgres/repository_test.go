package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return Wrap(sqlDB, zap.NewNop()), mock
}

func userRow(u *models.User) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "first_name", "last_name", "is_active", "is_superadmin", "token_epoch", "created_at", "updated_at"}).
		AddRow(u.ID.String(), u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive, u.IsSuperadmin, u.TokenEpoch, u.CreatedAt, u.UpdatedAt)
}

func TestUserRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())
	ctx := context.Background()

	u := models.NewUser("a@example.com", "digest")
	u.TokenEpoch = 3
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs(u.ID).
		WillReturnRows(userRow(u))

	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, int64(3), got.TokenEpoch)
	assert.True(t, got.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Create_Duplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	err := repo.Create(context.Background(), models.NewUser("a@example.com", "digest"))
	assert.ErrorIs(t, err, repositories.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_BumpTokenEpoch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SET token_epoch = token_epoch + 1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"token_epoch"}).AddRow(int64(5)))

	epoch, err := repo.BumpTokenEpoch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), epoch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdatePassword_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdatePassword(context.Background(), uuid.New(), "digest")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestResetTokenRepository_MarkUsed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewResetTokenRepository(db, zap.NewNop())
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("SET used = true, used_at = $2 WHERE id = $1 AND NOT used")).
		WithArgs(id, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET used = true, used_at = $2 WHERE id = $1 AND NOT used")).
		WithArgs(id, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkUsed(context.Background(), id, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkUsed(context.Background(), id, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepository_ListPermissionsForRoles(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAssignmentRepository(db, zap.NewNop())
	now := time.Now().UTC()
	permID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE rp.role_id = ANY($1::uuid[])")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "resource", "action", "display_name", "description", "is_active", "created_at"}).
			AddRow(permID.String(), "users:read", "users", "read", "Read users", "", true, now))

	perms, err := repo.ListPermissionsForRoles(context.Background(), []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "users:read", perms[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())

	empty, err := repo.ListPermissionsForRoles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConfigRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConfigRepository(db, zap.NewNop())
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM app_config WHERE key = $1")).
		WithArgs("smtp_port").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "value_type", "category", "description", "is_secret", "is_editable", "updated_at"}).
			AddRow("smtp_port", "587", "int", "email", "SMTP port", false, true, now))

	e, err := repo.Get(context.Background(), "smtp_port")
	require.NoError(t, err)
	assert.Equal(t, models.ValueTypeInt, e.ValueType)
	assert.Equal(t, 587, e.IntValue(0))
}

func TestTransactionManager_InTransaction(t *testing.T) {
	t.Run("commits on success and routes queries through the tx", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		repo := NewUserRepository(db, zap.NewNop())
		id := uuid.New()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash")).
			WithArgs(id, "digest").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return repo.UpdatePassword(ctx, id, "digest")
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nested calls join the outer transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, outer repositories.Transaction) error {
			return tm.InTransaction(ctx, func(ctx context.Context, inner repositories.Transaction) error {
				assert.Same(t, outer, inner)
				return nil
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_HealthCheck(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
		WillReturnError(errors.New("connection refused"))
	assert.Error(t, db.HealthCheck(context.Background()))
}

func TestConfigRepository_InsertExistingKeyInTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	tm := NewTransactionManager(db, zap.NewNop())
	repo := NewConfigRepository(db, zap.NewNop())
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO NOTHING")).
		WithArgs("app_name", "Template", "string", "general", "", false, true, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO NOTHING")).
		WithArgs("smtp_port", "587", "int", "email", "", false, true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var existing, inserted error
	err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
		existing = repo.Insert(ctx, &models.ConfigEntry{Key: "app_name", Value: "Template", ValueType: models.ValueTypeString, Category: "general", IsEditable: true, UpdatedAt: now})
		inserted = repo.Insert(ctx, &models.ConfigEntry{Key: "smtp_port", Value: "587", ValueType: models.ValueTypeInt, Category: "email", IsEditable: true, UpdatedAt: now})
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, existing, repositories.ErrDuplicate)
	assert.NoError(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
