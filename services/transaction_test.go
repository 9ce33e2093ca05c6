package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/authz-core/repositories"
)

// MockTransactionManager is a mock implementation of TransactionManager that
// runs fn against a MockTransaction and commits or rolls back like the real ones.
type MockTransactionManager struct {
	mock.Mock
	tx *MockTransaction
}

func (m *MockTransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	if err := fn(ctx, m.tx); err != nil {
		_ = m.tx.Rollback()
		return err
	}
	return m.tx.Commit()
}

// MockTransaction is a mock implementation of Transaction
type MockTransaction struct {
	mock.Mock
	committed  bool
	rolledback bool
}

func (m *MockTransaction) Commit() error {
	args := m.Called()
	m.committed = true
	return args.Error(0)
}

func (m *MockTransaction) Rollback() error {
	args := m.Called()
	m.rolledback = true
	return args.Error(0)
}

func (m *MockTransaction) Context() context.Context {
	args := m.Called()
	return args.Get(0).(context.Context)
}

func newMockTx() (*MockTransactionManager, *MockTransaction) {
	tx := new(MockTransaction)
	return &MockTransactionManager{tx: tx}, tx
}

func TestWithTransaction_Success(t *testing.T) {
	ctx := context.Background()
	mockTxMgr, mockTx := newMockTx()

	mockTxMgr.On("InTransaction", ctx).Return(nil)
	mockTx.On("Commit").Return(nil)

	err := WithTransaction(ctx, mockTxMgr, func(ctx context.Context) error {
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, mockTx.committed)
	assert.False(t, mockTx.rolledback)
	mockTxMgr.AssertExpectations(t)
	mockTx.AssertExpectations(t)
}

func TestWithTransaction_ErrorInFunction(t *testing.T) {
	ctx := context.Background()
	mockTxMgr, mockTx := newMockTx()
	expectedErr := errors.New("operation failed")

	mockTxMgr.On("InTransaction", ctx).Return(nil)
	mockTx.On("Rollback").Return(nil)

	err := WithTransaction(ctx, mockTxMgr, func(ctx context.Context) error {
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
	assert.False(t, mockTx.committed)
	assert.True(t, mockTx.rolledback)
	mockTx.AssertExpectations(t)
}

func TestWithTransaction_BeginError(t *testing.T) {
	ctx := context.Background()
	mockTxMgr, mockTx := newMockTx()
	beginErr := errors.New("pool exhausted")

	mockTxMgr.On("InTransaction", ctx).Return(beginErr)

	called := false
	err := WithTransaction(ctx, mockTxMgr, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, beginErr)
	assert.False(t, called)
	assert.False(t, mockTx.committed)
}

func TestWithTransactionResult(t *testing.T) {
	ctx := context.Background()

	t.Run("returns result on commit", func(t *testing.T) {
		mockTxMgr, mockTx := newMockTx()
		mockTxMgr.On("InTransaction", ctx).Return(nil)
		mockTx.On("Commit").Return(nil)

		got, err := WithTransactionResult(ctx, mockTxMgr, func(ctx context.Context) (int, error) {
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("returns zero value on rollback", func(t *testing.T) {
		mockTxMgr, mockTx := newMockTx()
		mockTxMgr.On("InTransaction", ctx).Return(nil)
		mockTx.On("Rollback").Return(nil)

		got, err := WithTransactionResult(ctx, mockTxMgr, func(ctx context.Context) (string, error) {
			return "partial", errors.New("failed")
		})
		assert.Error(t, err)
		assert.Empty(t, got)
	})

	t.Run("commit failure discards result", func(t *testing.T) {
		mockTxMgr, mockTx := newMockTx()
		mockTxMgr.On("InTransaction", ctx).Return(nil)
		mockTx.On("Commit").Return(errors.New("commit failed"))

		got, err := WithTransactionResult(ctx, mockTxMgr, func(ctx context.Context) (int, error) {
			return 7, nil
		})
		assert.Error(t, err)
		assert.Zero(t, got)
	})
}

func TestBounded(t *testing.T) {
	ctx, cancel := Bounded(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.True(t, ok)

	ctx2, cancel2 := Bounded(context.Background(), 0)
	_, ok = ctx2.Deadline()
	assert.False(t, ok)
	cancel2()
	assert.ErrorIs(t, ctx2.Err(), context.Canceled)
}
