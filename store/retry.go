package store

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// maxAttempts bounds the retry loop for saveUser/appendMessage.
const maxAttempts = 6

// retryDelays is the canonical backoff schedule; a jitter factor is applied
// on top. The tail value repeats for remaining attempts.
var retryDelays = []time.Duration{
	100 * time.Millisecond,
	140 * time.Millisecond,
	480 * time.Millisecond,
	480 * time.Millisecond,
	480 * time.Millisecond,
}

// nonRetryablePatterns mark deterministic failures: constraint violations,
// schema mismatches and malformed statements never heal on retry.
var nonRetryablePatterns = []string{
	"sqlite_constraint",
	"constraint failed",
	"no such table",
	"no such column",
	"has no column named",
	"syntax error",
	"wrong number of arguments",
	"malformed",
	"schema",
}

// isRetryable classifies a storage error. Everything outside the
// deterministic patterns (transport failures, transient locks) is retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return false
		}
	}
	return true
}

// withRetry runs fn under the backoff schedule. Non-retryable errors
// surface immediately; on exhaustion the last error is surfaced with an
// "exhausted retries" log.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := retryDelays[min(attempt, len(retryDelays)-1)]
		delay = time.Duration(float64(delay) * (1 + 0.3*s.randf()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s: cancelled during retry", op)
		}
	}
	slog.Error("store: exhausted retries", "op", op, "error", lastErr)
	return errors.Wrapf(lastErr, "%s: exhausted retries", op)
}

func defaultRand() float64 { return rand.Float64() }
