package backup

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/storage"
)

type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// WithRetry runs fn until it succeeds, fails with a permanent error or
// runs out of attempts. Only connection setup and storage transfers go
// through here; table work is never retried.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, operation string, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	wait := cfg.InitialWait

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < attempts {
			logger.Warn("operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err,
				"next_wait", wait,
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}

			wait = time.Duration(float64(wait) * cfg.Multiplier)
			if cfg.MaxWait > 0 && wait > cfg.MaxWait {
				wait = cfg.MaxWait
			}
		}
	}

	return zero, lastErr
}

var nonRetryableMessages = []string{
	"permission denied",
	"access denied",
	"authentication failed",
	"invalid password",
	"database does not exist",
	"role does not exist",
	"unknown database",
	"login failed",
	"no such file or directory",
	"file not found",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, catalog.ErrUnavailable):
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableMessages {
		if strings.Contains(msg, s) {
			return false
		}
	}

	return true
}
