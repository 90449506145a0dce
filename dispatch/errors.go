// Package dispatch implements the retrying messaging dispatcher: a unified
// attempt controller with exponential backoff and retry_after hints, text
// sanitization and platform-sized chunking, and per-operation swallow vs
// surface error policy. The concrete platform client sits behind Transport.
package dispatch

import (
	"fmt"
	"time"
)

// StatusError carries the upstream status of a failed transport call.
// Status 0 means a transport-level (network) failure.
type StatusError struct {
	Status      int
	Description string
	RetryAfter  time.Duration
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("messaging transport failure: %s", e.Description)
	}
	return fmt.Sprintf("messaging upstream status=%d description=%q", e.Status, e.Description)
}

// StatusCode exposes the upstream status for callers that classify by code
// without importing the concrete type.
func (e *StatusError) StatusCode() int { return e.Status }

// Retryable reports whether the operation may be re-attempted: transport
// failures, 429 and 5xx qualify; any other 4xx surfaces immediately.
func (e *StatusError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// InvalidIDError marks a non-string or malformed platform identifier
// reaching the dispatcher. This is a configuration error, never retried and
// never silently coerced.
type InvalidIDError struct {
	Field string
	Value string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid-id: %s %q is not a valid platform identifier", e.Field, e.Value)
}
