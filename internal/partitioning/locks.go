package partitioning

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/livereview/lrmaint/internal/retry"
)

const maxLockTimeout = 5 * time.Second

// lockTimeout grows with every attempt: 100ms, 200ms, 400ms... up to 5s
func lockTimeout(attempt int) time.Duration {
	d := 100 * time.Millisecond << attempt
	if d <= 0 || d > maxLockTimeout {
		return maxLockTimeout
	}
	return d
}

// withLockRetries runs fn in its own transaction with a short lock_timeout,
// retrying with a longer timeout when a lock could not be obtained. It must
// not be called from inside another transaction.
func withLockRetries(ctx context.Context, conn Conn, cfg retry.RetryConfig, fn func(tx Conn) error) error {
	logger := log.With().Str("connection_name", conn.Name()).Logger()

	result := retry.RetryWithBackoff(ctx, cfg, func(attempt int) error {
		timeout := lockTimeout(attempt)
		err := conn.Transaction(ctx, func(tx Conn) error {
			if err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout TO '%dms'", timeout.Milliseconds())); err != nil {
				return err
			}
			return fn(tx)
		})
		if err != nil && !retry.IsRetryableError(err) {
			return retry.Permanent(err)
		}
		return err
	}, &logger)

	if !result.Success {
		return result.LastError
	}
	return nil
}

func lockTableSQL(tables ...string) string {
	quoted := ""
	for i, t := range tables {
		if i > 0 {
			quoted += ", "
		}
		quoted += quoteIdentifier(t)
	}
	return "LOCK TABLE " + quoted + " IN ACCESS EXCLUSIVE MODE"
}
