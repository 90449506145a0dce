// Package ratelimit implements the per-user admission gate: a KV-backed
// counter with a 24 hour window, a cached LIMITS_ENABLED toggle wrapper and
// the one-notice-per-window cooldown notifier.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// Defaults for the counter gate.
const (
	DefaultLimit  = 30
	DefaultWindow = 24 * time.Hour
)

// Config tunes the counter limiter. ScopeLimits overrides Limit for named
// scopes (the admin export path uses its own budget).
type Config struct {
	Limit       int
	Window      time.Duration
	ScopeLimits map[string]int
}

// CounterLimiter implements engine.RateLimiter over a KV counter. The
// increment is a single atomic read-modify-write; any KV failure degrades
// to DecisionOK so a broken counter backend never blocks user traffic.
type CounterLimiter struct {
	kv  engine.KV
	cfg Config
}

// NewCounterLimiter creates the gate. Zero config fields use defaults.
func NewCounterLimiter(kv engine.KV, cfg Config) *CounterLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &CounterLimiter{kv: kv, cfg: cfg}
}

// CounterKey is the KV key holding a user's request count.
func CounterKey(userID, scope string) string {
	if scope == "" {
		return "rate:count:" + userID
	}
	return "rate:count:" + scope + ":" + userID
}

func (l *CounterLimiter) limitFor(scope string) int {
	if n, ok := l.cfg.ScopeLimits[scope]; ok && n > 0 {
		return n
	}
	return l.cfg.Limit
}

// CheckAndIncrement counts this request against the user's window and
// reports whether it is admitted. The window TTL is armed on the first
// increment and preserved on the rest.
func (l *CounterLimiter) CheckAndIncrement(ctx context.Context, userID, scope string) engine.Decision {
	limit := l.limitFor(scope)
	decision := engine.DecisionOK
	err := l.kv.Update(ctx, CounterKey(userID, scope), func(old string, found bool) (string, time.Duration, bool) {
		count := 0
		if found {
			if n, err := strconv.Atoi(old); err == nil {
				count = n
			}
		}
		count++
		if count > limit {
			decision = engine.DecisionLimited
		}
		ttl := time.Duration(0)
		if !found {
			ttl = l.cfg.Window
		}
		return strconv.Itoa(count), ttl, true
	})
	if err != nil {
		slog.Warn("ratelimit: counter update failed, admitting", "user_id", userID, "scope", scope, "error", err)
		return engine.DecisionOK
	}
	return decision
}

var _ engine.RateLimiter = (*CounterLimiter)(nil)
