package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// ToggleKey is the KV flag controlling whether the gate is active.
const ToggleKey = "LIMITS_ENABLED"

// DefaultToggleRefresh is how long a read of ToggleKey is cached.
const DefaultToggleRefresh = 5 * time.Second

// disabledValues turn the gate off. Any other value, and a missing key,
// leave it on.
var disabledValues = map[string]bool{
	"0": true, "false": true, "off": true, "no": true, "disabled": true,
}

// Toggle wraps a RateLimiter behind the LIMITS_ENABLED flag. A KV read
// failure disables the gate rather than blocking traffic.
type Toggle struct {
	inner   engine.RateLimiter
	kv      engine.KV
	refresh time.Duration
	now     func() time.Time

	mu        sync.Mutex
	enabled   bool
	checkedAt time.Time
}

// NewToggle wraps inner. refresh <= 0 uses the default cache interval.
func NewToggle(inner engine.RateLimiter, kv engine.KV, refresh time.Duration) *Toggle {
	if refresh <= 0 {
		refresh = DefaultToggleRefresh
	}
	return &Toggle{inner: inner, kv: kv, refresh: refresh, now: time.Now, enabled: true}
}

func (t *Toggle) CheckAndIncrement(ctx context.Context, userID, scope string) engine.Decision {
	if !t.gateEnabled(ctx) {
		return engine.DecisionOK
	}
	return t.inner.CheckAndIncrement(ctx, userID, scope)
}

func (t *Toggle) gateEnabled(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.checkedAt.IsZero() && now.Sub(t.checkedAt) < t.refresh {
		return t.enabled
	}
	t.checkedAt = now

	value, found, err := t.kv.Get(ctx, ToggleKey)
	if err != nil {
		slog.Warn("ratelimit: toggle read failed, disabling gate", "error", err)
		t.enabled = false
		return false
	}
	if !found {
		t.enabled = true
		return true
	}
	t.enabled = !disabledValues[strings.ToLower(strings.TrimSpace(value))]
	return t.enabled
}

var _ engine.RateLimiter = (*Toggle)(nil)
