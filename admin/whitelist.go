package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// WhitelistKey is the KV key holding the admin whitelist as JSON
// {"whitelist":["id", ...]}. Numeric entries are tolerated and stringified.
const WhitelistKey = "whitelist"

// DefaultWhitelistTTL is the cache lifetime for the whitelist read.
const DefaultWhitelistTTL = 30 * time.Second

// WhitelistCache caches the admin whitelist. A ttl of zero disables
// caching: every lookup rereads KV.
type WhitelistCache struct {
	kv  engine.KV
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	set       map[string]bool
	fetchedAt time.Time
}

func NewWhitelistCache(kv engine.KV, ttl time.Duration) *WhitelistCache {
	return &WhitelistCache{kv: kv, ttl: ttl, now: time.Now}
}

// IsAdmin reports whether userID is on the whitelist. A KV failure yields
// false: nobody is admin while the backing store is broken.
func (c *WhitelistCache) IsAdmin(ctx context.Context, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil || c.ttl <= 0 || c.now().Sub(c.fetchedAt) >= c.ttl {
		c.set = c.fetch(ctx)
		c.fetchedAt = c.now()
	}
	return c.set[userID]
}

// Invalidate drops the cached whitelist. With a userID it only drops when
// that user is present in the cached set (targeted invalidation).
func (c *WhitelistCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID != "" && c.set != nil && !c.set[userID] {
		return
	}
	c.set = nil
}

func (c *WhitelistCache) fetch(ctx context.Context) map[string]bool {
	raw, found, err := c.kv.Get(ctx, WhitelistKey)
	if err != nil {
		slog.Warn("admin: whitelist read failed", "error", err)
		return map[string]bool{}
	}
	if !found {
		return map[string]bool{}
	}
	var payload struct {
		Whitelist []any `json:"whitelist"`
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		slog.Warn("admin: whitelist payload malformed", "error", err)
		return map[string]bool{}
	}
	set := make(map[string]bool, len(payload.Whitelist))
	for _, entry := range payload.Whitelist {
		switch id := entry.(type) {
		case string:
			set[id] = true
		case json.Number:
			set[id.String()] = true
		}
	}
	return set
}

var _ engine.CacheInvalidator = (*WhitelistCache)(nil)
