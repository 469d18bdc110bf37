package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errSimulated = errors.New("simulated storage failure")

// retryTransient wraps a backend operation with exponential backoff retry.
// Retries on transient SQLite errors (SQLITE_BUSY, "database is locked").
// Does not retry on constraint violations or corruption.
func retryTransient(operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}

		if isTransientError(err) {
			return err // Will be retried
		}

		// Non-retryable error: stop immediately
		return backoff.Permanent(err)
	}, b)
}

// isTransientError determines if a backend error should be retried.
//
// Error detection relies on modernc.org/sqlite error message strings.
// If modernc changes its error format in a major version bump, update
// the string matchers below. Current baseline: modernc.org/sqlite v1.45+.
func isTransientError(err error) bool {
	errStr := err.Error()

	// SQLite busy/locked errors are retryable
	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") {
		return true
	}

	// Constraint violations and corruption are NOT retryable
	return false
}
