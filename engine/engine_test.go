package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMessaging struct {
	mu          sync.Mutex
	typingCalls int
	typingErr   error
	sent        []string
	sendErr     error
	nextID      string
}

func (m *fakeMessaging) SendTyping(_ context.Context, _ ChatRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typingCalls++
	return m.typingErr
}

func (m *fakeMessaging) SendText(_ context.Context, _ ChatRef, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, text)
	return m.nextID, nil
}

func (m *fakeMessaging) EditMessageText(_ context.Context, _ ChatRef, _, _ string) error { return nil }
func (m *fakeMessaging) DeleteMessage(_ context.Context, _ ChatRef, _ string) error     { return nil }

func (m *fakeMessaging) typingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typingCalls
}

type fakeAI struct {
	mu    sync.Mutex
	calls []fakeAICall
	reply string
	err   error
}

type fakeAICall struct {
	userID string
	text   string
	turns  []ConversationTurn
}

func (a *fakeAI) Reply(_ context.Context, userID, text string, turns []ConversationTurn, _ string) (string, map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fakeAICall{userID: userID, text: text, turns: turns})
	if a.err != nil {
		return "", nil, a.err
	}
	return a.reply, map[string]any{"requestId": "req-1"}, nil
}

type fakeStorage struct {
	mu        sync.Mutex
	saveCalls int
	appended  []StoredMessage
	recent    []StoredMessage
	saveRes   SaveUserResult
}

func (s *fakeStorage) SaveUser(_ context.Context, _ *UserProfile) (SaveUserResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	return s.saveRes, nil
}

func (s *fakeStorage) AppendMessage(_ context.Context, msg *StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, *msg)
	return nil
}

func (s *fakeStorage) GetRecentMessages(_ context.Context, _ string, _ int) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent, nil
}

type fixedLimiter struct{ decision Decision }

func (l fixedLimiter) CheckAndIncrement(_ context.Context, _, _ string) Decision {
	return l.decision
}

func newIncoming() *IncomingMessage {
	return &IncomingMessage{
		User:       UserProfile{UserID: "u1"},
		Chat:       ChatRef{ID: "c1"},
		Text:       "hi",
		MessageID:  "m1",
		ReceivedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestHandleMessageHappyPath(t *testing.T) {
	messaging := &fakeMessaging{nextID: "sent-1"}
	aiPort := &fakeAI{reply: "hi-reply"}
	storage := &fakeStorage{}
	e := NewDialogEngine(messaging, aiPort, storage, fixedLimiter{DecisionOK}, NewTypingIndicator(messaging, time.Minute))

	result, err := e.HandleMessage(context.Background(), newIncoming())
	require.NoError(t, err)
	require.Equal(t, StatusReplied, result.Status)
	require.Equal(t, "hi-reply", result.Text)
	require.Equal(t, "sent-1", result.MessageID)

	require.Equal(t, 1, storage.saveCalls)
	require.Len(t, storage.appended, 2)
	require.Equal(t, RoleUser, storage.appended[0].Role)
	require.Equal(t, "m1", storage.appended[0].Metadata["messageId"])
	require.Equal(t, RoleAssistant, storage.appended[1].Role)
	require.Equal(t, "sent-1", storage.appended[1].Metadata["messageId"])

	require.Len(t, aiPort.calls, 1)
	require.Empty(t, aiPort.calls[0].turns)
	require.Equal(t, []string{"hi-reply"}, messaging.sent)
	require.Equal(t, 1, messaging.typingCount())
}

func TestHandleMessageRateLimited(t *testing.T) {
	messaging := &fakeMessaging{}
	aiPort := &fakeAI{reply: "unused"}
	storage := &fakeStorage{}
	e := NewDialogEngine(messaging, aiPort, storage, fixedLimiter{DecisionLimited}, NewTypingIndicator(messaging, time.Minute))

	result, err := e.HandleMessage(context.Background(), newIncoming())
	require.NoError(t, err)
	require.Equal(t, StatusRateLimited, result.Status)

	require.Zero(t, storage.saveCalls)
	require.Empty(t, storage.appended)
	require.Empty(t, aiPort.calls)
	require.Empty(t, messaging.sent)
	require.Zero(t, messaging.typingCount())
}

func TestHandleMessageAIOverloadDegrades(t *testing.T) {
	messaging := &fakeMessaging{nextID: "sent-2"}
	aiPort := &fakeAI{err: fmt.Errorf("queue: %w", ErrAIQueueTimeout)}
	storage := &fakeStorage{}
	e := NewDialogEngine(messaging, aiPort, storage, fixedLimiter{DecisionOK}, NewTypingIndicator(messaging, time.Minute))

	result, err := e.HandleMessage(context.Background(), newIncoming())
	require.NoError(t, err)
	require.Equal(t, StatusReplied, result.Status)
	require.Equal(t, overloadMessage(""), result.Text)

	assistant := storage.appended[1]
	require.Equal(t, true, assistant.Metadata["degraded"])
	require.Equal(t, "AI_QUEUE_TIMEOUT", assistant.Metadata["reason"])
}

func TestHandleMessageObservesStorageDegradation(t *testing.T) {
	messaging := &fakeMessaging{nextID: "sent-4"}
	aiPort := &fakeAI{reply: "ok"}
	storage := &fakeStorage{saveRes: SaveUserResult{UTMDegraded: true}}
	e := NewDialogEngine(messaging, aiPort, storage, fixedLimiter{DecisionOK}, NewTypingIndicator(messaging, time.Minute))

	var observed []bool
	e.OnStorageDegradation(func(degraded bool) { observed = append(observed, degraded) })

	_, err := e.HandleMessage(context.Background(), newIncoming())
	require.NoError(t, err)
	require.Equal(t, []bool{true}, observed)

	// Recovery is mirrored too, so a gauge can drop back to zero.
	storage.saveRes = SaveUserResult{}
	_, err = e.HandleMessage(context.Background(), newIncoming())
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, observed)
}

func TestHandleMessageAIErrorPropagates(t *testing.T) {
	messaging := &fakeMessaging{}
	aiPort := &fakeAI{err: fmt.Errorf("upstream exploded")}
	storage := &fakeStorage{}
	e := NewDialogEngine(messaging, aiPort, storage, fixedLimiter{DecisionOK}, NewTypingIndicator(messaging, time.Minute))

	_, err := e.HandleMessage(context.Background(), newIncoming())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ai reply")
	require.Empty(t, messaging.sent)
}

func TestHandleMessageTypingFailureIsSwallowed(t *testing.T) {
	messaging := &fakeMessaging{nextID: "sent-3", typingErr: fmt.Errorf("typing down")}
	aiPort := &fakeAI{reply: "still works"}
	storage := &fakeStorage{}
	e := NewDialogEngine(messaging, aiPort, storage, fixedLimiter{DecisionOK}, NewTypingIndicator(messaging, time.Minute))

	result, err := e.HandleMessage(context.Background(), newIncoming())
	require.NoError(t, err)
	require.Equal(t, StatusReplied, result.Status)
}

func TestBuildContextFiltersIncomingEcho(t *testing.T) {
	in := newIncoming()
	recent := []StoredMessage{
		{Role: RoleUser, Text: "earlier", Timestamp: in.ReceivedAt.Add(-time.Hour)},
		{Role: RoleAssistant, Text: "earlier-reply", Timestamp: in.ReceivedAt.Add(-time.Hour)},
		{Role: RoleUser, Text: "hi", Timestamp: in.ReceivedAt, Metadata: map[string]any{"messageId": "m1"}},
	}
	turns := buildContext(recent, in)
	require.Len(t, turns, 2)
	require.Equal(t, "earlier", turns[0].Text)
	require.Equal(t, "earlier-reply", turns[1].Text)
}

func TestBuildContextFiltersByRoleTextTimestamp(t *testing.T) {
	in := newIncoming()
	recent := []StoredMessage{
		// Same text at a different time stays.
		{Role: RoleUser, Text: "hi", Timestamp: in.ReceivedAt.Add(-time.Minute)},
		// The just-recorded echo without metadata is matched structurally.
		{Role: RoleUser, Text: "hi", Timestamp: in.ReceivedAt},
	}
	turns := buildContext(recent, in)
	require.Len(t, turns, 1)
}

func TestOverloadReason(t *testing.T) {
	require.Equal(t, "AI_QUEUE_TIMEOUT", overloadReason(fmt.Errorf("x: %w", ErrAIQueueTimeout)))
	require.Equal(t, "AI_QUEUE_DROPPED", overloadReason(fmt.Errorf("x: %w", ErrAIQueueDropped)))
	require.Empty(t, overloadReason(fmt.Errorf("other")))
}
