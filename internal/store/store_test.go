package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, opts ...func(sqlmock.Sqlmock)) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, opt := range opts {
		opt(mock)
	}
	return NewFromDB(db, nil), mock
}

func TestPing_Healthy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing()

	res := s.Ping(context.Background())
	assert.True(t, res.Healthy)
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.Latency.Nanoseconds(), int64(0))
}

func TestPing_Failure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	res := s.Ping(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "connection refused")
}

func TestHealthy_NeverReturnsError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("down"))

	ok, err := s.Healthy(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE posts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx *sqlx.Tx) error {
		_, execErr := tx.Exec("UPDATE posts SET likes = likes + 1")
		return execErr
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	want := errors.New("boom")
	err := s.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AppliesAllStatements(t *testing.T) {
	s, mock := newMockStore(t)
	for range migrations {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnFirstFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(".*").WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 1")
}
