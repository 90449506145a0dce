// Package ai implements the bounded-concurrency AI request queue: a permit
// gate with a FIFO wait line, per-request deadlines, retry with jittered
// backoff, and endpoint failover. The concrete vendor client hangs off the
// Requester port.
package ai

import (
	"fmt"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// Queue capacity errors. Both wrap the engine's AI port error kinds so the
// dialog engine can degrade instead of failing the handler.
var (
	// ErrQueueFull is returned when the wait queue is at capacity.
	ErrQueueFull = fmt.Errorf("ai queue full: %w", engine.ErrAIQueueDropped)
	// ErrQueueTimeout is returned when the caller's deadline elapses while
	// waiting for a permit.
	ErrQueueTimeout = fmt.Errorf("ai queue admit timed out: %w", engine.ErrAIQueueTimeout)
)

// UpstreamError carries the upstream HTTP status and description of a
// failed request attempt. Status 0 means a transport-level failure.
type UpstreamError struct {
	Status      int
	Description string
	RequestID   string
	RetryAfter  time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("AI_NON_2XX: transport failure: %s", e.Description)
	}
	return fmt.Sprintf("AI_NON_2XX: status=%d description=%q request_id=%s", e.Status, e.Description, e.RequestID)
}

// Retryable reports whether the attempt may be re-issued: transport
// failures, 429 and 5xx qualify; any other 4xx fails immediately.
func (e *UpstreamError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
