package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultContextLimit is how many recent turns are fetched for the AI
// context window.
const DefaultContextLimit = 20

// DialogEngine composes the ports into the request processing pipeline for
// one inbound free-text message.
type DialogEngine struct {
	messaging    Messaging
	ai           AI
	storage      Storage
	rateLimit    RateLimiter
	typing       *TypingIndicator
	contextLimit int

	onStorageDegraded func(degraded bool)
}

// NewDialogEngine wires a dialog engine. All ports must be non-nil; use the
// Noop fallbacks (or compose.Build) for absent adapters. A nil typing
// indicator gets a default one.
func NewDialogEngine(messaging Messaging, ai AI, storage Storage, rateLimit RateLimiter, typing *TypingIndicator) *DialogEngine {
	if typing == nil {
		typing = NewTypingIndicator(messaging, DefaultTypingRefreshInterval)
	}
	return &DialogEngine{
		messaging:    messaging,
		ai:           ai,
		storage:      storage,
		rateLimit:    rateLimit,
		typing:       typing,
		contextLimit: DefaultContextLimit,
	}
}

// OnStorageDegradation registers fn to observe the utm fallback flag after
// each profile save, so the flag can be mirrored into a metrics gauge.
func (e *DialogEngine) OnStorageDegradation(fn func(degraded bool)) {
	e.onStorageDegraded = fn
}

// HandleMessage runs the orchestration state machine for one inbound
// message:
//
//	Received -> Limited | Proceed -> Typing + (Save / Record / Fetch)
//	-> AIRequested -> (AISucceeded | AIDegraded) -> ReplySent -> Recorded
//
// Persistence of the user turn happens before the AI call; the typing
// signal is dispatched before the AI call and always awaited before
// HandleMessage returns, even on error.
func (e *DialogEngine) HandleMessage(ctx context.Context, in *IncomingMessage) (*Result, error) {
	if e.rateLimit.CheckAndIncrement(ctx, in.User.UserID, "") == DecisionLimited {
		slog.Info("engine: rate limited", "user_id", in.User.UserID)
		return &Result{Status: StatusRateLimited}, nil
	}

	// Typing runs concurrently with persistence and keeps refreshing until
	// the handler finishes. The initial send result is awaited before the
	// AI call, or swallowed in cleanup when a primary error is in flight.
	releaseTyping, typingSent := e.typing.Acquire(ctx, in.Chat)
	defer releaseTyping()
	typingAwaited := false
	defer func() {
		if !typingAwaited {
			if terr := <-typingSent; terr != nil {
				slog.Debug("engine: typing signal failed during cleanup", "chat_id", in.Chat.ID, "error", terr)
			}
		}
	}()

	var (
		saveRes SaveUserResult
		recent  []StoredMessage
	)
	userTurn := &StoredMessage{
		UserID:    in.User.UserID,
		ChatID:    in.Chat.ID,
		ThreadID:  in.Chat.ThreadID,
		Role:      RoleUser,
		Text:      in.Text,
		Timestamp: in.ReceivedAt,
		Metadata:  userTurnMetadata(in),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := e.storage.SaveUser(gctx, &in.User)
		if err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		saveRes = res
		return nil
	})
	g.Go(func() error {
		if err := e.storage.AppendMessage(gctx, userTurn); err != nil {
			return fmt.Errorf("append user turn: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		msgs, err := e.storage.GetRecentMessages(gctx, in.User.UserID, e.contextLimit)
		if err != nil {
			return fmt.Errorf("get recent messages: %w", err)
		}
		recent = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if e.onStorageDegraded != nil {
		e.onStorageDegraded(saveRes.UTMDegraded)
	}
	if saveRes.UTMDegraded {
		slog.Warn("engine: storage running utm-degraded", "user_id", in.User.UserID)
	}

	// All three persisted; await the typing signal before issuing the AI
	// request so platform signals keep their order.
	if terr := <-typingSent; terr != nil {
		slog.Warn("engine: typing signal failed", "chat_id", in.Chat.ID, "error", terr)
	}
	typingAwaited = true

	turns := buildContext(recent, in)

	replyText, aiMeta, err := e.ai.Reply(ctx, in.User.UserID, in.Text, turns, in.User.LanguageCode)
	if err != nil {
		reason := overloadReason(err)
		if reason == "" {
			return nil, fmt.Errorf("ai reply: %w", err)
		}
		slog.Warn("engine: ai overloaded, degrading", "user_id", in.User.UserID, "reason", reason)
		replyText = overloadMessage(in.User.LanguageCode)
		aiMeta = map[string]any{"degraded": true, "reason": reason}
	}

	messageID, err := e.messaging.SendText(ctx, in.Chat, replyText)
	if err != nil {
		slog.Error("engine: failed to send reply", "chat_id", in.Chat.ID, "error", err)
		return nil, fmt.Errorf("send reply: %w", err)
	}

	assistantMeta := make(map[string]any, len(aiMeta)+1)
	for k, v := range aiMeta {
		assistantMeta[k] = v
	}
	if messageID != "" {
		assistantMeta["messageId"] = messageID
	}
	assistantTurn := &StoredMessage{
		UserID:    in.User.UserID,
		ChatID:    in.Chat.ID,
		ThreadID:  in.Chat.ThreadID,
		Role:      RoleAssistant,
		Text:      replyText,
		Timestamp: in.ReceivedAt,
		Metadata:  assistantMeta,
	}
	if err := e.storage.AppendMessage(ctx, assistantTurn); err != nil {
		return nil, fmt.Errorf("append assistant turn: %w", err)
	}

	return &Result{Status: StatusReplied, Text: replyText, MessageID: messageID}, nil
}

func userTurnMetadata(in *IncomingMessage) map[string]any {
	if in.MessageID == "" {
		return nil
	}
	return map[string]any{"messageId": in.MessageID}
}

// buildContext converts recent history to conversation turns, excluding the
// just-recorded incoming message. The incoming turn is identified by its
// messageId metadata when present, otherwise by a (role, text, timestamp)
// match.
func buildContext(recent []StoredMessage, in *IncomingMessage) []ConversationTurn {
	turns := make([]ConversationTurn, 0, len(recent))
	for i := range recent {
		m := &recent[i]
		if isIncomingEcho(m, in) {
			continue
		}
		turns = append(turns, ConversationTurn{Role: m.Role, Text: m.Text})
	}
	return turns
}

func isIncomingEcho(m *StoredMessage, in *IncomingMessage) bool {
	if in.MessageID != "" && m.Metadata != nil {
		if id, ok := m.Metadata["messageId"].(string); ok && id == in.MessageID {
			return true
		}
	}
	return m.Role == RoleUser && m.Text == in.Text && m.Timestamp.Equal(in.ReceivedAt)
}

// overloadReason returns the degradation reason for queue capacity errors,
// or "" when the error must propagate.
func overloadReason(err error) string {
	switch {
	case errors.Is(err, ErrAIQueueTimeout):
		return "AI_QUEUE_TIMEOUT"
	case errors.Is(err, ErrAIQueueDropped):
		return "AI_QUEUE_DROPPED"
	default:
		return ""
	}
}

// overloadMessage is the localized friendly reply used when the AI queue is
// saturated.
func overloadMessage(languageCode string) string {
	switch languageCode {
	case "ru":
		return "Сейчас слишком много запросов. Пожалуйста, попробуйте ещё раз через минуту."
	case "zh":
		return "当前请求过多，请稍后再试。"
	case "es":
		return "Hay demasiadas solicitudes en este momento. Inténtalo de nuevo en un minuto."
	default:
		return "I'm a bit overloaded right now. Please try again in a minute."
	}
}
