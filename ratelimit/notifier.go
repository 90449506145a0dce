package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// Notifier sends the user-facing cooldown notice at most once per window.
// The dedup marker lives in KV under notice:<userId> with a TTL matching
// the remainder of the current window.
type Notifier struct {
	messaging engine.Messaging
	kv        engine.KV
	window    time.Duration
	now       func() time.Time
}

// NewNotifier creates the notifier. window <= 0 uses the counter default.
func NewNotifier(messaging engine.Messaging, kv engine.KV, window time.Duration) *Notifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Notifier{messaging: messaging, kv: kv, window: window, now: time.Now}
}

func noticeKey(userID string) string { return "rate:notice:" + userID }

// NotifyRateLimited sends the cooldown notice unless one was already sent
// in the current window. handled=false means the caller should fall back to
// its static text.
func (n *Notifier) NotifyRateLimited(ctx context.Context, userID string, chat engine.ChatRef) (bool, error) {
	remaining := n.remainingWindow()

	alreadySent := false
	err := n.kv.Update(ctx, noticeKey(userID), func(_ string, found bool) (string, time.Duration, bool) {
		if found {
			alreadySent = true
			return "", 0, false
		}
		return "1", remaining, true
	})
	if err != nil {
		return false, err
	}
	if alreadySent {
		// Deduped: the limit reply was already delivered this window.
		return true, nil
	}

	text := fmt.Sprintf("Daily limit reached. Try again in %s.", FormatTTL(remaining))
	if _, err := n.messaging.SendText(ctx, chat, text); err != nil {
		return false, err
	}
	return true, nil
}

// remainingWindow measures time left in the current epoch-aligned window.
func (n *Notifier) remainingWindow() time.Duration {
	elapsed := time.Duration(n.now().UnixNano()) % n.window
	return n.window - elapsed
}

// FormatTTL renders a duration floor-rounded to the largest of hours,
// minutes or seconds.
func FormatTTL(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		s := int(d.Seconds())
		if s < 1 {
			s = 1
		}
		return fmt.Sprintf("%ds", s)
	}
}

var _ engine.CooldownNotifier = (*Notifier)(nil)
