package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTypingRefreshInterval matches the platform's typing-indicator
// decay (~5 s); refreshing at 4 s keeps the indicator lit.
const DefaultTypingRefreshInterval = 4 * time.Second

// TypingIndicator keeps a typing signal alive per (chat, thread) while at
// least one handler holds an acquisition. The first concurrent Acquire
// sends the signal and starts a refresh loop; further acquisitions only
// bump a counter. When the last holder releases, the loop is cancelled and
// release does not return until the loop has stopped, so no signal is sent
// after release completes.
type TypingIndicator struct {
	messaging Messaging
	interval  time.Duration

	mu       sync.Mutex
	sessions map[ChatRef]*typingSession
}

type typingSession struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
	first  chan error
}

// NewTypingIndicator creates a typing indicator. A non-positive interval
// falls back to the default.
func NewTypingIndicator(messaging Messaging, interval time.Duration) *TypingIndicator {
	if interval <= 0 {
		interval = DefaultTypingRefreshInterval
	}
	return &TypingIndicator{
		messaging: messaging,
		interval:  interval,
		sessions:  make(map[ChatRef]*typingSession),
	}
}

// closedErrCh yields nil immediately for acquisitions that joined an
// already-running session.
var closedErrCh = func() chan error {
	ch := make(chan error)
	close(ch)
	return ch
}()

// Acquire starts (or joins) the typing lifecycle for chat. It returns an
// idempotent release function and a channel that delivers the result of
// the initial typing send exactly once; joiners receive nil immediately.
func (t *TypingIndicator) Acquire(ctx context.Context, chat ChatRef) (release func(), first <-chan error) {
	t.mu.Lock()
	s, ok := t.sessions[chat]
	if ok {
		s.refs++
		t.mu.Unlock()
		var once sync.Once
		return func() { once.Do(func() { t.release(chat, s) }) }, closedErrCh
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s = &typingSession{
		refs:   1,
		cancel: cancel,
		done:   make(chan struct{}),
		first:  make(chan error, 1),
	}
	t.sessions[chat] = s
	t.mu.Unlock()
	go t.refreshLoop(loopCtx, chat, s)

	var once sync.Once
	return func() { once.Do(func() { t.release(chat, s) }) }, s.first
}

func (t *TypingIndicator) release(chat ChatRef, s *typingSession) {
	t.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last {
		delete(t.sessions, chat)
	}
	t.mu.Unlock()

	if last {
		s.cancel()
		<-s.done
	}
}

// refreshLoop sends the initial typing signal and re-sends it every
// interval until cancelled. Send failures are logged and swallowed.
func (t *TypingIndicator) refreshLoop(ctx context.Context, chat ChatRef, s *typingSession) {
	defer close(s.done)

	s.first <- t.messaging.SendTyping(ctx, chat)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.messaging.SendTyping(ctx, chat); err != nil {
				slog.Debug("typing: refresh signal failed", "chat_id", chat.ID, "error", err)
			}
		}
	}
}
