package configcache

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/repositories/postgres"
	"go.uber.org/zap"
)

func TestCache_SeedDefaultsOnPostgresKeepsTransactionUsable(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db := postgres.Wrap(sqlDB, zap.NewNop())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(Config{OperationTimeout: time.Second, Now: func() time.Time { return now }},
		postgres.NewConfigRepository(db, zap.NewNop()), postgres.NewTransactionManager(db, zap.NewNop()), nil, zap.NewNop())

	insert := regexp.QuoteMeta("ON CONFLICT (key) DO NOTHING")
	mock.ExpectBegin()
	for i, d := range testDefaults {
		var result sql.Result = sqlmock.NewResult(0, 1)
		if i < 2 {
			result = sqlmock.NewResult(0, 0)
		}
		mock.ExpectExec(insert).
			WithArgs(d.Key, d.Value, d.ValueType, d.Category, d.Description, d.IsSecret, d.IsEditable, now).
			WillReturnResult(result)
	}
	mock.ExpectCommit()

	added, skipped, err := c.SeedDefaults(context.Background(), testDefaults)
	require.NoError(t, err)
	assert.Equal(t, len(testDefaults)-2, added)
	assert.Equal(t, 2, skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}
