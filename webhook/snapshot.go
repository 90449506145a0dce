package webhook

import (
	"errors"
	"sync"
	"time"
)

// ErrUnsafeTelegramID signals that a decoded chat identifier descriptor was
// not a string. Numeric IDs this deep in the pipeline mean precision may
// already be lost, so the whole request is rejected.
var ErrUnsafeTelegramID = errors.New("UNSAFE_TELEGRAM_ID")

// Snapshot is the per-request record of decoded identifiers, kept for
// diagnostics. ChatIDRaw/ChatIDUsed are descriptors: absent (nil) or the
// string value that flowed onward.
type Snapshot struct {
	UpdateID   string
	ChatIDRaw  any
	ChatIDUsed any
	Route      string
	ReceivedAt time.Time
}

// Verify enforces the ID safety gate: every present descriptor must be a
// string.
func (s *Snapshot) Verify() error {
	for _, d := range []any{s.ChatIDRaw, s.ChatIDUsed} {
		if d == nil {
			continue
		}
		if _, ok := d.(string); !ok {
			return ErrUnsafeTelegramID
		}
	}
	return nil
}

// SnapshotKeeper retains the most recent snapshot for the diagnostics
// endpoint.
type SnapshotKeeper struct {
	mu   sync.Mutex
	last *Snapshot
}

func (k *SnapshotKeeper) Record(s Snapshot) {
	k.mu.Lock()
	k.last = &s
	k.mu.Unlock()
}

// Last returns a copy of the most recent snapshot, or nil.
func (k *SnapshotKeeper) Last() *Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.last == nil {
		return nil
	}
	s := *k.last
	return &s
}
