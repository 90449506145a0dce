package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/chatrelay/engine"
)

// Typing action name on the platform.
const ActionTyping = "typing"

// Transport is the raw platform client. All identifiers are strings; the
// adapter owns any platform-specific encoding.
type Transport interface {
	SendMessage(ctx context.Context, chatID, threadID, text string) (messageID string, err error)
	EditMessageText(ctx context.Context, chatID, messageID, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	SendChatAction(ctx context.Context, chatID, threadID, action string) error
}

// DocumentTransport is an optional Transport capability for file uploads.
type DocumentTransport interface {
	SendDocument(ctx context.Context, chatID, threadID, filename string, data []byte) (messageID string, err error)
}

// Config tunes the attempt controller.
type Config struct {
	// MaxAttempts is the total tries per operation, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	// SendRate paces outbound calls globally (the platform enforces ~30
	// messages/s per bot). Nil disables pacing.
	SendRate *rate.Limiter
	// OnRetry is called with the operation name each time a retry is
	// scheduled. Nil disables reporting.
	OnRetry func(op string)
}

// DefaultConfig returns the production attempt policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   300 * time.Millisecond,
		SendRate:    rate.NewLimiter(rate.Limit(25), 25),
	}
}

// Dispatcher implements engine.Messaging over a Transport with retries,
// chunking and sanitization. SendTyping swallows errors after retries; the
// other operations surface them.
type Dispatcher struct {
	transport Transport
	cfg       Config

	// Injected for deterministic tests.
	randf func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. Zero-valued config fields fall back
// to defaults.
func NewDispatcher(transport Transport, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	return &Dispatcher{
		transport: transport,
		cfg:       cfg,
		randf:     rand.Float64,
		sleep:     sleepCtx,
	}
}

// SendTyping sends a best-effort typing signal. Errors are logged and
// swallowed after the retry budget.
func (d *Dispatcher) SendTyping(ctx context.Context, chat engine.ChatRef) error {
	if err := d.validateChat(chat); err != nil {
		return err
	}
	err := d.attempt(ctx, "sendTyping", func(ctx context.Context) error {
		return d.transport.SendChatAction(ctx, chat.ID, chat.ThreadID, ActionTyping)
	})
	if err != nil {
		slog.Warn("dispatch: typing signal failed, swallowing", "chat_id", chat.ID, "error", err)
	}
	return nil
}

// SendText sanitizes text, splits it into platform-sized chunks and sends
// them in order. It returns the message ID of the first chunk and stops on
// the first chunk failure.
func (d *Dispatcher) SendText(ctx context.Context, chat engine.ChatRef, text string) (string, error) {
	if err := d.validateChat(chat); err != nil {
		return "", err
	}
	chunks := splitChunks(sanitizeText(text))
	if len(chunks) > 1 {
		slog.Warn("dispatch: splitting long message", "chat_id", chat.ID, "chunks", len(chunks))
	}

	var firstID string
	for i, chunk := range chunks {
		var messageID string
		err := d.attempt(ctx, "sendText", func(ctx context.Context) error {
			id, err := d.transport.SendMessage(ctx, chat.ID, chat.ThreadID, chunk)
			if err != nil {
				return err
			}
			messageID = id
			return nil
		})
		if err != nil {
			if i > 0 {
				slog.Error("dispatch: chunk send failed mid-message", "chat_id", chat.ID, "chunk", i, "error", err)
			}
			return "", err
		}
		if i == 0 {
			firstID = messageID
		}
	}
	return firstID, nil
}

// EditMessageText edits a previously sent message. "Not modified" is
// treated as success.
func (d *Dispatcher) EditMessageText(ctx context.Context, chat engine.ChatRef, messageID, text string) error {
	if err := d.validateChat(chat); err != nil {
		return err
	}
	if err := validateID("message_id", messageID); err != nil {
		return err
	}
	err := d.attempt(ctx, "editMessageText", func(ctx context.Context) error {
		return d.transport.EditMessageText(ctx, chat.ID, messageID, sanitizeText(text))
	})
	if isIdempotentEdit(err) {
		return nil
	}
	return err
}

// DeleteMessage deletes a message; "already deleted" counts as success.
func (d *Dispatcher) DeleteMessage(ctx context.Context, chat engine.ChatRef, messageID string) error {
	if err := d.validateChat(chat); err != nil {
		return err
	}
	if err := validateID("message_id", messageID); err != nil {
		return err
	}
	err := d.attempt(ctx, "deleteMessage", func(ctx context.Context) error {
		return d.transport.DeleteMessage(ctx, chat.ID, messageID)
	})
	if isAlreadyDeleted(err) {
		return nil
	}
	return err
}

// SendDocument implements engine.DocumentUploader when the transport
// supports uploads.
func (d *Dispatcher) SendDocument(ctx context.Context, chat engine.ChatRef, filename string, data []byte) (string, error) {
	if err := d.validateChat(chat); err != nil {
		return "", err
	}
	dt, ok := d.transport.(DocumentTransport)
	if !ok {
		return "", fmt.Errorf("dispatch: transport does not support document upload")
	}
	var messageID string
	err := d.attempt(ctx, "sendDocument", func(ctx context.Context) error {
		id, err := dt.SendDocument(ctx, chat.ID, chat.ThreadID, filename, data)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	})
	return messageID, err
}

// attempt runs fn up to MaxAttempts times, waiting
// max(base*2^i*(1+0.2*rand), retry_after) between tries. Non-retryable
// statuses surface immediately.
func (d *Dispatcher) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < d.cfg.MaxAttempts; i++ {
		if d.cfg.SendRate != nil {
			if err := d.cfg.SendRate.Wait(ctx); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		hint := time.Duration(0)
		var se *StatusError
		if errors.As(err, &se) {
			if !se.Retryable() {
				return err
			}
			hint = se.RetryAfter
		}
		if i == d.cfg.MaxAttempts-1 {
			break
		}

		if d.cfg.OnRetry != nil {
			d.cfg.OnRetry(op)
		}
		delay := time.Duration(float64(d.cfg.BaseDelay) * math.Pow(2, float64(i)) * (1 + 0.2*d.randf()))
		if hint > delay {
			delay = hint
		}
		slog.Debug("dispatch: retrying operation", "op", op, "attempt", i+1, "delay", delay, "error", err)
		if err := d.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: exhausted retries: %w", op, lastErr)
}

func (d *Dispatcher) validateChat(chat engine.ChatRef) error {
	if err := validateID("chat_id", chat.ID); err != nil {
		return err
	}
	if chat.ThreadID != "" {
		if err := validateID("thread_id", chat.ThreadID); err != nil {
			return err
		}
	}
	return nil
}

func isAlreadyDeleted(err error) bool {
	var se *StatusError
	if err != nil && errors.As(err, &se) && se.Status == 400 {
		desc := strings.ToLower(se.Description)
		return strings.Contains(desc, "message to delete not found") ||
			strings.Contains(desc, "message can't be deleted")
	}
	return false
}

func isIdempotentEdit(err error) bool {
	var se *StatusError
	if err != nil && errors.As(err, &se) && se.Status == 400 {
		return strings.Contains(strings.ToLower(se.Description), "message is not modified")
	}
	return false
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
	_ engine.Messaging        = (*Dispatcher)(nil)
	_ engine.DocumentUploader = (*Dispatcher)(nil)
)
