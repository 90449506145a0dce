// Package engine implements the dialog orchestration core of ChatRelay:
// the port contracts consumed by the pipeline, the dialog state machine
// that composes them for one inbound message, and the ref-counted typing
// indicator lifecycle.
package engine

import "time"

// ChatRef identifies a chat and an optional topic thread. Both IDs are
// opaque platform identifiers kept verbatim as strings; they may exceed
// the safe integer range and must never be converted to numbers.
type ChatRef struct {
	ID       string
	ThreadID string
}

// UserProfile is the persisted identity of a platform user.
type UserProfile struct {
	UserID       string
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	// UTMSource is write-once-wins: a nil value never overwrites a
	// previously stored non-nil one.
	UTMSource *string
	Metadata  map[string]any
	UpdatedAt time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	ID        int64
	UserID    string
	ChatID    string
	ThreadID  string
	Role      string
	Text      string
	Timestamp time.Time
	Metadata  map[string]any
}

// ConversationTurn is the transient shape handed to the AI port.
type ConversationTurn struct {
	Role string
	Text string
}

// IncomingMessage is one decoded inbound user message. The engine owns it
// for the duration of a single HandleMessage invocation.
type IncomingMessage struct {
	User       UserProfile
	Chat       ChatRef
	Text       string
	MessageID  string
	ReceivedAt time.Time
}

// Handler outcome statuses.
const (
	StatusReplied     = "replied"
	StatusRateLimited = "rate_limited"
	StatusIgnored     = "ignored"
	StatusHandled     = "handled"
)

// Result is the outcome of handling one inbound message.
type Result struct {
	Status    string
	Text      string
	MessageID string
}

// SaveUserResult reports whether the storage layer is currently running
// with the utm_source column disabled (schema degradation).
type SaveUserResult struct {
	UTMDegraded bool
}

// QueueStatsSnapshot is the diagnostic view of the AI queue, exposed by
// implementations of QueueStatsProvider.
type QueueStatsSnapshot struct {
	Active           int
	Queued           int
	MaxConcurrency   int
	MaxQueue         int
	DroppedSinceBoot int64
	AvgWaitMs        int64
	LastDropAt       time.Time
	ConfigSource     string
}
