package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Transient Postgres failures worth retrying. Concurrent span upserts from
// several agent processes can trip these even though every write is
// idempotent.
var retriableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retriableCodes[pgErr.Code]
}

// withRetry runs write, retrying up to retries additional times when it
// fails with a transient conflict. Waits between attempts grow
// exponentially from delay, with jitter so competing writers desynchronize.
// Non-transient errors return immediately.
func withRetry(ctx context.Context, logger *slog.Logger, retries int, delay time.Duration, write func() error) error {
	for attempt := 0; ; attempt++ {
		err := write()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == retries {
			return fmt.Errorf("storage: write failed after %d retries: %w", retries, err)
		}

		logger.Warn("storage: transient write conflict, retrying",
			"attempt", attempt+1, "retries", retries, "error", err)

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter needs no crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
