package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     bool          `koanf:"jitter"`
	LogRetries bool          `koanf:"log_retries"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
}

// LockRetryConfig returns a retry configuration for DDL that must take a
// table lock. Attempts are short and frequent so writers are not stalled.
func LockRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 8,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. RetryWithBackoff stops at once
// and reports the wrapped error as LastError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryWithBackoff runs operation until it succeeds, returns a Permanent
// error, ctx is done or MaxRetries retries have been spent. operation is
// passed the zero-based attempt number.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func(attempt int) error, logger *zerolog.Logger) RetryResult {
	start := time.Now()
	var result RetryResult
	logging := config.LogRetries && logger != nil

	finish := func(err error) RetryResult {
		result.LastError = err
		result.Success = err == nil
		result.TotalDuration = time.Since(start)
		return result
	}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		err := operation(attempt)
		if err == nil {
			if logging && attempt > 0 {
				logger.Info().Int("retries", attempt).Dur("total_duration", time.Since(start)).Msg("Operation succeeded after retries")
			}
			return finish(nil)
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return finish(perm.err)
		}

		if attempt >= config.MaxRetries {
			if logging {
				logger.Warn().Err(err).Int("attempts", result.Attempts).Msg("Operation failed after all attempts")
			}
			return finish(err)
		}

		delay := calculateDelay(config, attempt)
		if logging {
			logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Operation failed, backing off")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if logging {
				logger.Warn().Err(ctx.Err()).Msg("Operation cancelled during backoff delay")
			}
			return finish(ctx.Err())
		case <-timer.C:
		}
	}
}

// calculateDelay is BaseDelay * Multiplier^attempt, capped at MaxDelay
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// Up to 10% either way
		delay += (rand.Float64() - 0.5) * 0.2 * delay
	}

	return time.Duration(delay)
}

// Postgres error codes that clear up on their own
var retryableSQLStates = map[pq.ErrorCode]bool{
	"55P03": true, // lock_not_available
	"40P01": true, // deadlock_detected
	"40001": true, // serialization_failure
	"57014": true, // query_canceled, raised by lock_timeout
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"deadlock detected",
	"could not obtain lock",
	"canceling statement due to lock timeout",
}

// IsRetryableError reports whether err is a lock or connection failure that
// is likely to succeed on a later attempt
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableSQLStates[pqErr.Code]
	}

	msg := strings.ToLower(err.Error())
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
