package engine

import (
	"context"
	"errors"
	"time"
)

// Error kinds of the AI port contract. The engine translates these into a
// friendly overload reply instead of failing the handler; implementations
// wrap them so errors.Is works across package boundaries.
var (
	ErrAIQueueTimeout = errors.New("AI_QUEUE_TIMEOUT")
	ErrAIQueueDropped = errors.New("AI_QUEUE_DROPPED")
)

// Messaging is the outbound chat-platform port. SendTyping is best effort:
// implementations log recoverable failures and the caller proceeds either
// way. The remaining operations retry internally and surface the final
// error.
type Messaging interface {
	SendTyping(ctx context.Context, chat ChatRef) error
	// SendText splits the text into platform-sized chunks and returns the
	// message ID of the first chunk.
	SendText(ctx context.Context, chat ChatRef, text string) (messageID string, err error)
	EditMessageText(ctx context.Context, chat ChatRef, messageID, text string) error
	// DeleteMessage treats "already deleted" as success.
	DeleteMessage(ctx context.Context, chat ChatRef, messageID string) error
}

// DocumentUploader is an optional Messaging capability used by the admin
// export path. Discovered by type assertion.
type DocumentUploader interface {
	SendDocument(ctx context.Context, chat ChatRef, filename string, data []byte) (messageID string, err error)
}

// AI produces an assistant reply for one user turn given recent context.
// The overall deadline, including retries, is bounded by the
// implementation's request budget.
type AI interface {
	Reply(ctx context.Context, userID, text string, turns []ConversationTurn, languageCode string) (reply string, metadata map[string]any, err error)
}

// QueueStatsProvider is an optional AI capability for diagnostics.
type QueueStatsProvider interface {
	QueueStats() QueueStatsSnapshot
}

// Storage is the persistence port. GetRecentMessages degrades to an empty
// slice on backend failure; SaveUser and AppendMessage surface errors after
// the retry policy is exhausted.
type Storage interface {
	SaveUser(ctx context.Context, user *UserProfile) (SaveUserResult, error)
	// AppendMessage is idempotent under repeated calls with identical
	// canonicalized metadata.
	AppendMessage(ctx context.Context, msg *StoredMessage) error
	// GetRecentMessages returns at most limit entries ascending by timestamp.
	GetRecentMessages(ctx context.Context, userID string, limit int) ([]StoredMessage, error)
}

// Decision is the rate-limit verdict.
type Decision int

const (
	DecisionOK Decision = iota
	DecisionLimited
)

// RateLimiter gates per-user request admission. Implementations degrade to
// DecisionOK on infrastructure failure so user traffic is never blocked by
// a broken counter backend.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, userID, scope string) Decision
}

// CooldownNotifier delivers the one-per-window rate-limit notice. When it
// returns handled=false or an error, the webhook layer falls back to a
// static text.
type CooldownNotifier interface {
	NotifyRateLimited(ctx context.Context, userID string, chat ChatRef) (handled bool, err error)
}

// KV is the TTL'd key-value port backing toggles, cooldowns, dedup keys and
// admin telemetry. Update runs the mutation atomically; returning keep=false
// leaves the entry untouched. A zero ttl on an existing key preserves the
// current expiry.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn func(old string, found bool) (next string, ttl time.Duration, keep bool)) error
}

// CacheInvalidator is an optional capability of caches keyed by user ID,
// discovered by type assertion (admin whitelist).
type CacheInvalidator interface {
	Invalidate(userID string)
}
