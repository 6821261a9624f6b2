package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

func TestRunLocker_HeldLockMeansRunInProgress(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(advisoryKey("run:" + userID.String())).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	l := NewRunLocker(mock)
	called := false
	err = l.WithUserLock(context.Background(), userID, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, store.ErrRunInProgress)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLocker_RunsFnUnderLock(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	userID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs(advisoryKey("run:" + userID.String())).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectCommit()

	l := NewRunLocker(mock)
	called := false
	err = l.WithUserLock(context.Background(), userID, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}
