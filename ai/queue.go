package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/chatrelay/engine"
)

// Request is one assistant-reply request handed to the Requester.
type Request struct {
	UserID       string
	Text         string
	Turns        []engine.ConversationTurn
	LanguageCode string
	RequestID    string
}

// Response is a successful upstream reply.
type Response struct {
	Text      string
	RequestID string
}

// Requester issues a single attempt against one endpoint. Failed attempts
// return *UpstreamError (or a transport error) so the queue can classify
// them.
type Requester interface {
	Do(ctx context.Context, baseURL string, req *Request) (*Response, error)
}

// errEmptyReply is non-retryable: the upstream answered 2xx with no text.
var errEmptyReply = errors.New("ai: empty reply text from upstream")

// Queue is the request arbiter. It admits up to MaxConcurrency concurrent
// replies, queues up to MaxQueueSize waiters in strict FIFO order, bounds
// each request by RequestTimeout across all attempts, retries retryable
// failures with jittered exponential backoff and advances to the next
// endpoint after FailoverThreshold consecutive failures.
type Queue struct {
	cfg       Config
	requester Requester

	mu               sync.Mutex
	active           int
	waiters          []*waiter
	dropped          int64
	lastDrop         time.Time
	waitTotal        time.Duration
	waitCount        int64
	endpoint         int
	consecutiveFails int

	// Injected for deterministic tests.
	now   func() time.Time
	randf func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// NewQueue creates a queue around the given requester.
func NewQueue(cfg Config, requester Requester) *Queue {
	return &Queue{
		cfg:       cfg,
		requester: requester,
		now:       time.Now,
		randf:     rand.Float64,
		sleep:     sleepCtx,
	}
}

// Reply implements engine.AI. The returned metadata carries the request ID
// of the winning attempt.
func (q *Queue) Reply(ctx context.Context, userID, text string, turns []engine.ConversationTurn, languageCode string) (string, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
	defer cancel()

	p, err := q.acquire(ctx)
	if err != nil {
		return "", nil, err
	}
	defer p.release()

	req := &Request{
		UserID:       userID,
		Text:         text,
		Turns:        turns,
		LanguageCode: languageCode,
		RequestID:    uuid.NewString(),
	}

	var lastErr error
	for attempt := 0; attempt <= q.cfg.RetryMax; attempt++ {
		resp, err := q.requester.Do(ctx, q.currentBaseURL(), req)
		if err == nil {
			reply := strings.TrimSpace(resp.Text)
			if reply == "" {
				return "", nil, errEmptyReply
			}
			q.noteEndpointSuccess()
			meta := map[string]any{"requestId": req.RequestID}
			if resp.RequestID != "" {
				meta["requestId"] = resp.RequestID
			}
			return reply, meta, nil
		}
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("ai: reply timed out: %w", ctx.Err())
		}

		retryAfter := time.Duration(0)
		var ue *UpstreamError
		if errors.As(err, &ue) {
			if !ue.Retryable() {
				return "", nil, err
			}
			retryAfter = ue.RetryAfter
		}
		q.noteEndpointFailure()
		lastErr = err
		if attempt == q.cfg.RetryMax {
			break
		}

		delay := q.backoff(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		slog.Debug("ai: retrying request", "request_id", req.RequestID, "attempt", attempt+1, "delay", delay, "error", err)
		if err := q.sleep(ctx, delay); err != nil {
			return "", nil, fmt.Errorf("ai: reply timed out: %w", err)
		}
	}
	return "", nil, fmt.Errorf("ai: exhausted retries: %w", lastErr)
}

// permit is the unit of concurrent execution right. Release is mandatory on
// all paths and is a no-op the second time.
type permit struct {
	once sync.Once
	q    *Queue
}

func (p *permit) release() {
	p.once.Do(p.q.releaseSlot)
}

func (q *Queue) acquire(ctx context.Context) (*permit, error) {
	enqueuedAt := q.now()

	q.mu.Lock()
	if q.active < q.cfg.MaxConcurrency {
		q.active++
		q.waitCount++
		q.mu.Unlock()
		return &permit{q: q}, nil
	}
	if len(q.waiters) >= q.cfg.MaxQueueSize {
		q.dropped++
		q.lastDrop = q.now()
		q.mu.Unlock()
		slog.Warn("ai: queue full, dropping request", "max_queue", q.cfg.MaxQueueSize)
		return nil, ErrQueueFull
	}
	w := &waiter{ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		q.mu.Lock()
		q.waitTotal += q.now().Sub(enqueuedAt)
		q.waitCount++
		q.mu.Unlock()
		return &permit{q: q}, nil
	case <-ctx.Done():
		q.mu.Lock()
		if w.granted {
			// Lost the race against a grant: the slot is ours now, pass it
			// along before failing.
			q.mu.Unlock()
			p := &permit{q: q}
			p.release()
			return nil, ErrQueueTimeout
		}
		q.removeWaiterLocked(w)
		q.mu.Unlock()
		return nil, ErrQueueTimeout
	}
}

// releaseSlot transfers the slot to the head waiter, or frees it.
func (q *Queue) releaseSlot() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.granted = true
		close(w.ready)
		return
	}
	q.active--
}

func (q *Queue) removeWaiterLocked(target *waiter) {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// backoff computes base * 2^attempt * (1 + 0.2*rand).
func (q *Queue) backoff(attempt int) time.Duration {
	d := float64(q.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(d * (1 + 0.2*q.randf()))
}

func (q *Queue) currentBaseURL() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cfg.BaseURLs) == 0 {
		return ""
	}
	return q.cfg.BaseURLs[q.endpoint%len(q.cfg.BaseURLs)]
}

func (q *Queue) noteEndpointSuccess() {
	q.mu.Lock()
	q.consecutiveFails = 0
	q.mu.Unlock()
}

func (q *Queue) noteEndpointFailure() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consecutiveFails++
	if len(q.cfg.BaseURLs) > 1 && q.consecutiveFails >= q.cfg.FailoverThreshold {
		q.endpoint = (q.endpoint + 1) % len(q.cfg.BaseURLs)
		q.consecutiveFails = 0
		slog.Warn("ai: failing over to next endpoint", "endpoint", q.cfg.BaseURLs[q.endpoint])
	}
}

// QueueStats implements engine.QueueStatsProvider.
func (q *Queue) QueueStats() engine.QueueStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	var avgWait int64
	if q.waitCount > 0 {
		avgWait = (q.waitTotal / time.Duration(q.waitCount)).Milliseconds()
	}
	return engine.QueueStatsSnapshot{
		Active:           q.active,
		Queued:           len(q.waiters),
		MaxConcurrency:   q.cfg.MaxConcurrency,
		MaxQueue:         q.cfg.MaxQueueSize,
		DroppedSinceBoot: q.dropped,
		AvgWaitMs:        avgWait,
		LastDropAt:       q.lastDrop,
		ConfigSource:     q.cfg.Source,
	}
}

// EffectiveConfig returns the resolved configuration for diagnostics.
func (q *Queue) EffectiveConfig() Config {
	return q.cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ engine.AI                 = (*Queue)(nil)
	_ engine.QueueStatsProvider = (*Queue)(nil)
)
