// Package ratelimit enforces per-(agent,endpoint) token-bucket limits
// that survive process restarts.
//
// golang.org/x/time/rate supplies only the rate.Limit type for the
// per-endpoint rates; the token-bucket refill math is done here, over a
// SQLite-backed bucket row, so a bucket's remaining tokens are not reset
// to full every time a short-lived CLI invocation starts a fresh process
// — adapted from an in-memory-only per-request limiter to a
// row-per-bucket persisted one. There is no in-memory limiter.
package ratelimit

import (
	"database/sql"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
)

// Default bucket rates per endpoint, / domain defaults, expressed
// as golang.org/x/time/rate.Limit (events per second), the unit the
// persisted refill math works in.
var defaultRates = map[string]rate.Limit{
	"send":             rate.Limit(30.0 / 60.0),
	"inbox":             rate.Limit(60.0 / 60.0),
	"read_message":      rate.Limit(120.0 / 60.0),
	"summarize_thread":  rate.Limit(10.0 / 60.0),
	"reserve":           rate.Limit(30.0 / 60.0),
	"release":           rate.Limit(30.0 / 60.0),
}

var defaultBurst = map[string]int{
	"send":             30,
	"inbox":            60,
	"read_message":     120,
	"summarize_thread": 10,
	"reserve":          30,
	"release":          30,
}

// Limiter enforces and persists per-(agent,endpoint) token buckets for
// one project's database.
type Limiter struct {
	d          *db.DB
	projectKey string
	disabled   bool
}

// New creates a Limiter. Disabled when RATE_LIMIT_DISABLED is a truthy
// env var.
func New(d *db.DB, projectKey string) *Limiter {
	return &Limiter{
		d:          d,
		projectKey: projectKey,
		disabled:   isDisabled(),
	}
}

func isDisabled() bool {
	v := os.Getenv("RATE_LIMIT_DISABLED")
	return v == "1" || v == "true" || v == "yes"
}

// Allow checks and consumes one token from the (agent, endpoint) bucket.
// Returns errs.RateLimit when exhausted.
func (l *Limiter) Allow(agent, endpoint string) error {
	if l.disabled {
		return nil
	}
	rateLimit, ok := defaultRates[endpoint]
	burst, okBurst := defaultBurst[endpoint]
	if !ok || !okBurst {
		// Unknown endpoints are not rate limited.
		return nil
	}

	now := time.Now()
	var tokens float64
	var lastRefillMs int64
	err := l.d.Conn.QueryRow(
		`SELECT tokens, last_refill_ms FROM rate_limit_buckets WHERE project_key=? AND agent=? AND endpoint=?`,
		l.projectKey, agent, endpoint,
	).Scan(&tokens, &lastRefillMs)

	if err == sql.ErrNoRows {
		tokens = float64(burst)
		lastRefillMs = now.UnixMilli()
	} else if err != nil {
		return errs.Transient("ratelimit_read_failed", "could not read rate limit state").Wrap(err)
	} else {
		elapsed := now.Sub(time.UnixMilli(lastRefillMs))
		tokens = minF(float64(burst), tokens+elapsed.Seconds()*float64(rateLimit))
		lastRefillMs = now.UnixMilli()
	}

	if tokens < 1 {
		resetIn := time.Duration((1 - tokens) / float64(rateLimit) * float64(time.Second))
		return errs.RateLimit(endpoint, 0, now.Add(resetIn).UnixMilli())
	}
	tokens--

	_, err = l.d.Conn.Exec(
		`INSERT INTO rate_limit_buckets(project_key, agent, endpoint, tokens, last_refill_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_key, agent, endpoint) DO UPDATE SET tokens=excluded.tokens, last_refill_ms=excluded.last_refill_ms`,
		l.projectKey, agent, endpoint, tokens, lastRefillMs,
	)
	if err != nil {
		return errs.Transient("ratelimit_write_failed", "could not persist rate limit state").Wrap(err)
	}
	return nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
