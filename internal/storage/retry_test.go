package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestWithRetryRecoversFromTransientConflict(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), quietLogger(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return serializationFailure()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	boom := errors.New("disk full")
	calls := 0
	err := withRetry(context.Background(), quietLogger(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestWithRetryGivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), quietLogger(), 2, time.Millisecond, func() error {
		calls++
		return serializationFailure()
	})
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40001", pgErr.Code)
	assert.Equal(t, 3, calls, "one initial attempt plus two retries")
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, quietLogger(), 5, 10*time.Millisecond, func() error {
		return serializationFailure()
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(serializationFailure()))
	assert.True(t, isTransient(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isTransient(errors.New("plain")))
	assert.False(t, isTransient(nil))
}
