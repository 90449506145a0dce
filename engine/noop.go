package engine

import (
	"context"
	"log/slog"
	"time"
)

// No-op fallbacks for every port. Composition fills these in for any
// adapter the deployment does not configure, so the engine never has to
// nil-check its collaborators.

type NoopMessaging struct{}

func (NoopMessaging) SendTyping(_ context.Context, chat ChatRef) error {
	slog.Debug("noop messaging: sendTyping", "chat_id", chat.ID)
	return nil
}

func (NoopMessaging) SendText(_ context.Context, chat ChatRef, text string) (string, error) {
	slog.Debug("noop messaging: sendText", "chat_id", chat.ID, "len", len(text))
	return "", nil
}

func (NoopMessaging) EditMessageText(_ context.Context, _ ChatRef, _, _ string) error { return nil }

func (NoopMessaging) DeleteMessage(_ context.Context, _ ChatRef, _ string) error { return nil }

type NoopAI struct{}

func (NoopAI) Reply(_ context.Context, _, _ string, _ []ConversationTurn, _ string) (string, map[string]any, error) {
	return "", nil, ErrAIQueueDropped
}

type NoopStorage struct{}

func (NoopStorage) SaveUser(_ context.Context, _ *UserProfile) (SaveUserResult, error) {
	return SaveUserResult{}, nil
}

func (NoopStorage) AppendMessage(_ context.Context, _ *StoredMessage) error { return nil }

func (NoopStorage) GetRecentMessages(_ context.Context, _ string, _ int) ([]StoredMessage, error) {
	return nil, nil
}

type NoopRateLimiter struct{}

func (NoopRateLimiter) CheckAndIncrement(_ context.Context, _, _ string) Decision {
	return DecisionOK
}

type NoopKV struct{}

func (NoopKV) Get(_ context.Context, _ string) (string, bool, error) { return "", false, nil }

func (NoopKV) Set(_ context.Context, _, _ string, _ time.Duration) error { return nil }

func (NoopKV) Delete(_ context.Context, _ string) error { return nil }

func (NoopKV) Update(_ context.Context, _ string, _ func(string, bool) (string, time.Duration, bool)) error {
	return nil
}

var (
	_ Messaging   = NoopMessaging{}
	_ AI          = NoopAI{}
	_ Storage     = NoopStorage{}
	_ RateLimiter = NoopRateLimiter{}
	_ KV          = NoopKV{}
)
