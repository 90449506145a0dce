package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatrelay/compose"
	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/internal/profile"
	"github.com/hrygo/chatrelay/webhook"
)

type fakeMessaging struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMessaging) SendTyping(context.Context, engine.ChatRef) error { return nil }

func (m *fakeMessaging) SendText(_ context.Context, _ engine.ChatRef, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return "sent-1", nil
}

func (m *fakeMessaging) EditMessageText(context.Context, engine.ChatRef, string, string) error {
	return nil
}
func (m *fakeMessaging) DeleteMessage(context.Context, engine.ChatRef, string) error { return nil }

func (m *fakeMessaging) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type fakeAI struct{ reply string }

func (a fakeAI) Reply(context.Context, string, string, []engine.ConversationTurn, string) (string, map[string]any, error) {
	return a.reply, nil, nil
}

type fixedLimiter struct{ decision engine.Decision }

func (l fixedLimiter) CheckAndIncrement(context.Context, string, string) engine.Decision {
	return l.decision
}

func newTestServer(t *testing.T, rateLimit engine.RateLimiter) (*Server, *fakeMessaging) {
	t.Helper()
	messaging := &fakeMessaging{}
	app := compose.Build(compose.Options{
		Messaging: messaging,
		AI:        fakeAI{reply: "relay says hi"},
		RateLimit: rateLimit,
	})
	s := New(Options{
		App:     app,
		Decoder: webhook.NewDecoder(engine.NoopKV{}, nil),
		Profile: &profile.Profile{
			WebhookSecret: "hook-secret",
			AdminToken:    "admin-token-long",
			ExportToken:   "export-token-long",
		},
	})
	return s, messaging
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func postWebhook(s *Server, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+secret, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return do(s, req)
}

const textUpdate = `{"update_id": 1, "message": {"message_id": 5, "from": {"id": 777}, "chat": {"id": -1002003004005006007}, "text": "hello"}}`

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookWrongSecret(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := postWebhook(s, "wrong", textUpdate)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookSecretNotConfigured(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.profile.WebhookSecret = ""
	rec := postWebhook(s, "anything", textUpdate)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := postWebhook(s, "hook-secret", `{"update_id": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookTextMessage(t *testing.T) {
	s, messaging := newTestServer(t, nil)
	rec := postWebhook(s, "hook-secret", textUpdate)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "sent-1", resp.MessageID)
	require.Equal(t, []string{"relay says hi"}, messaging.texts())
}

func TestWebhookIgnoredUpdate(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := postWebhook(s, "hook-secret", `{"update_id": 2, "edited_message": {"text": "x"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ignored", resp.Status)
}

func TestWebhookNonTextGetsCannedReply(t *testing.T) {
	s, messaging := newTestServer(t, nil)
	body := `{"update_id": 3, "message": {"message_id": 6, "from": {"id": 777}, "chat": {"id": 10}, "voice": {"duration": 2}}}`
	rec := postWebhook(s, "hook-secret", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{webhook.ReplyVoice}, messaging.texts())
}

func TestWebhookRateLimitedFallsBackToStaticText(t *testing.T) {
	s, messaging := newTestServer(t, fixedLimiter{decision: engine.DecisionLimited})
	rec := postWebhook(s, "hook-secret", textUpdate)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "rate_limited", resp.Status)
	require.Equal(t, []string{fallbackLimitText}, messaging.texts())
}

func TestAdminAuth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// No token at all.
	rec := do(s, httptest.NewRequest(http.MethodGet, "/admin/envz", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/admin/envz", nil)
	req.Header.Set("x-admin-token", "nope")
	require.Equal(t, http.StatusForbidden, do(s, req).Code)

	// Admin token via header.
	req = httptest.NewRequest(http.MethodGet, "/admin/envz", nil)
	req.Header.Set("x-admin-token", "admin-token-long")
	require.Equal(t, http.StatusOK, do(s, req).Code)

	// Admin token via query parameter.
	rec = do(s, httptest.NewRequest(http.MethodGet, "/admin/envz?token=admin-token-long", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExportTokenOnlyOpensExport(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// The dedicated export token is rejected everywhere else.
	req := httptest.NewRequest(http.MethodGet, "/admin/envz", nil)
	req.Header.Set("x-admin-token", "export-token-long")
	require.Equal(t, http.StatusForbidden, do(s, req).Code)

	// On the export route it passes auth; 503 because no exporter is wired.
	req = httptest.NewRequest(http.MethodGet, "/admin/export", nil)
	req.Header.Set("x-admin-token", "export-token-long")
	require.Equal(t, http.StatusServiceUnavailable, do(s, req).Code)
}

func TestEnvzMasksSecrets(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.profile.BotToken = "1234567890:AAElongtelegramtoken"
	req := httptest.NewRequest(http.MethodGet, "/admin/envz", nil)
	req.Header.Set("x-admin-token", "admin-token-long")
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "AAElongtelegramtoken")
	require.Contains(t, rec.Body.String(), "1234****")
}

func TestDiagBindings(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/diag?q=bindings", nil)
	req.Header.Set("x-admin-token", "admin-token-long")
	rec := do(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Bindings map[string]string `json:"bindings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "live", out.Bindings["messaging"])
	require.Equal(t, "live", out.Bindings["ai"])
	require.Equal(t, "noop", out.Bindings["storage"])
}

func TestDiagUnknownQuery(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/diag?q=bogus", nil)
	req.Header.Set("x-admin-token", "admin-token-long")
	require.Equal(t, http.StatusBadRequest, do(s, req).Code)
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "", maskSecret(""))
	require.Equal(t, "****", maskSecret("short"))
	require.Equal(t, "abcd****wxyz", maskSecret("abcdefghijklmnopqrstuvwxyz"))
}
