// retry.go provides automatic retry logic for transient SQLite errors and,
// via a second named policy, for the Embedder calls in pkg/memory
// ("Retry policy"). Analyzer calls are not retried.
//
// Under high concurrency (many agents), WAL-mode SQLite can produce
// transient errors like SQLITE_BUSY, SQLITE_LOCKED, and IOERR_SHORT_READ
// (error 522). The busy_timeout pragma handles SQLITE_BUSY at the
// connection level, but other transient errors need application-level
// retries.
package db

import (
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls retry behavior for a class of transient errors.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SQLiteRetryConfig is used for all store write operations.
var SQLiteRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// NetworkRetryConfig is used for Embedder calls, which run outside any
// database transaction and can tolerate a longer backoff ceiling. Analyzer
// calls are made once, without this policy.
var NetworkRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   2 * time.Second,
}

// IsTransientSQLiteErr returns true if err is a transient SQLite error that
// can be resolved by retrying. This includes:
//   - SQLITE_BUSY (5) — another connection holds a lock
//   - SQLITE_LOCKED (6) — table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ (522) — WAL contention read failure
//   - database is locked — text-level detection for the busy_timeout fallthrough
func IsTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RetryOp executes fn with exponential backoff + jitter, retrying only
// while isRetryable(err) is true. If fn succeeds or returns a
// non-retryable error, it returns immediately.
func RetryOp(cfg RetryConfig, isRetryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

// RetrySQLite is RetryOp specialized for transient SQLite write errors.
func RetrySQLite(fn func() error) error {
	return RetryOp(SQLiteRetryConfig, IsTransientSQLiteErr, fn)
}

// backoffDelay computes the delay for a given retry attempt using
// exponential backoff with jitter: delay = baseDelay*2^attempt + jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	return delay + jitter
}
