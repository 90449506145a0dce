package admin

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/store"
)

type sentMsg struct {
	chatID string
	text   string
}

type gateMessaging struct {
	mu      sync.Mutex
	sent    []sentMsg
	sendErr error
	docs    []string // filenames of uploaded documents
	docErr  error
}

func (m *gateMessaging) SendTyping(context.Context, engine.ChatRef) error { return nil }

func (m *gateMessaging) SendText(_ context.Context, chat engine.ChatRef, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, sentMsg{chatID: chat.ID, text: text})
	return "m1", nil
}

func (m *gateMessaging) EditMessageText(context.Context, engine.ChatRef, string, string) error {
	return nil
}
func (m *gateMessaging) DeleteMessage(context.Context, engine.ChatRef, string) error { return nil }

func (m *gateMessaging) SendDocument(_ context.Context, _ engine.ChatRef, filename string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docErr != nil {
		return "", m.docErr
	}
	m.docs = append(m.docs, filename)
	return "d1", nil
}

// pagedExporter serves totalRows synthetic rows, paginated the way the store
// does it.
type pagedExporter struct {
	totalRows int
	calls     int
	err       error
}

func (e *pagedExporter) ExportMessages(_ context.Context, _, _ time.Time, limit int, cursor int64) (*store.ExportPage, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"id", "user_id", "chat_id", "role", "text", "timestamp", "utm_source"})
	page := &store.ExportPage{}
	for id := cursor + 1; id <= int64(e.totalRows) && page.RowCount < limit; id++ {
		_ = w.Write([]string{strconv.FormatInt(id, 10), "u1", "c1", "user", "msg", "2024-01-01T00:00:00Z", "ads"})
		page.RowCount++
		page.NextCursor = id
	}
	w.Flush()
	page.CSV = buf.Bytes()
	page.UTMSources = []string{"ads"}
	if page.RowCount < limit {
		page.NextCursor = 0
	}
	return page, nil
}

func adminMessage(text string) *engine.IncomingMessage {
	return &engine.IncomingMessage{
		User: engine.UserProfile{UserID: "100", LanguageCode: "en"},
		Chat: engine.ChatRef{ID: "c100"},
		Text: text,
	}
}

func newTestGate(t *testing.T, kv *memKV, messaging *gateMessaging, exporter Exporter) *Gate {
	t.Helper()
	require.NoError(t, kv.Set(context.Background(), WhitelistKey, `{"whitelist":["100"]}`, 0))
	g := NewGate(Options{
		Whitelist: NewWhitelistCache(kv, 0),
		KV:        kv,
		Messaging: messaging,
		Exporter:  exporter,
		Status:    func() string { return "relay up, queue idle" },
	})
	clock := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	return g
}

func TestHandleCommandUnknownFallsThrough(t *testing.T) {
	g := newTestGate(t, newMemKV(), &gateMessaging{}, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/weather tomorrow"))
	require.NoError(t, err)
	require.False(t, res.Handled)

	res, err = g.HandleCommand(context.Background(), adminMessage("just chatting"))
	require.NoError(t, err)
	require.False(t, res.Handled)
}

func TestHandleCommandStart(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/start"))
	require.NoError(t, err)
	require.True(t, res.Handled)
	require.Equal(t, 200, res.Status)
	require.Len(t, messaging.sent, 1)
	require.Equal(t, welcomeMessage("en"), messaging.sent[0].text)
}

func TestHandleCommandStartLocalized(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, nil)
	in := adminMessage("/start")
	in.User.LanguageCode = "ru"

	_, err := g.HandleCommand(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, welcomeMessage("ru"), messaging.sent[0].text)
}

func TestHandleCommandNonAdminExportIsSilent(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, nil)
	in := adminMessage("/export")
	in.User.UserID = "999"

	res, err := g.HandleCommand(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Handled)
	require.Equal(t, 403, res.Status)
	require.Empty(t, messaging.sent, "probing users get no reply")
}

func TestHandleCommandNonAdminBroadcastReplies(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, nil)
	in := adminMessage("/broadcast hello")
	in.User.UserID = "999"

	res, err := g.HandleCommand(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Handled)
	require.Equal(t, 403, res.Status)
	require.Len(t, messaging.sent, 1)
	require.Equal(t, roleMismatchMessage("en"), messaging.sent[0].text)
}

func TestHandleCommandNonAdminAdminCommandReplies(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, nil)
	in := adminMessage("/admin status")
	in.User.UserID = "999"

	res, err := g.HandleCommand(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 403, res.Status)
	require.Len(t, messaging.sent, 1)
	require.Equal(t, roleMismatchMessage("en"), messaging.sent[0].text)
}

func TestHandleAdminStatus(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/admin status"))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "relay up, queue idle", res.Reply)
}

func TestHandleAdminUnknownSubcommand(t *testing.T) {
	g := newTestGate(t, newMemKV(), &gateMessaging{}, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/admin frobnicate"))
	require.NoError(t, err)
	require.Equal(t, 400, res.Status)
}

func TestExportHappyPath(t *testing.T) {
	kv := newMemKV()
	messaging := &gateMessaging{}
	exporter := &pagedExporter{totalRows: 10}
	g := newTestGate(t, kv, messaging, exporter)

	res, err := g.HandleCommand(context.Background(), adminMessage("/export 2024-01-01 2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Len(t, messaging.docs, 1)
	require.Contains(t, messaging.docs[0], "export-2024-01-01")
	require.Len(t, kv.keysWithPrefix("log:"), 1, "completed export leaves an audit record")
}

func TestExportPaginationAndTruncation(t *testing.T) {
	kv := newMemKV()
	messaging := &gateMessaging{}
	exporter := &pagedExporter{totalRows: 6000}
	g := newTestGate(t, kv, messaging, exporter)

	res, err := g.HandleCommand(context.Background(), adminMessage("/export 2024-01-01 2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Equal(t, 5, exporter.calls, "five full pages reach the row cap")
	require.Len(t, messaging.docs, 1)

	// The truncation notice is the only text message.
	require.Len(t, messaging.sent, 1)
	require.Contains(t, messaging.sent[0].text, "truncated at 5000")
}

func TestExportMergesPagesWithSingleHeader(t *testing.T) {
	kv := newMemKV()
	exporter := &pagedExporter{totalRows: 2500}
	g := newTestGate(t, kv, &gateMessaging{}, exporter)

	merged, rowCount, truncated, utmSources, err := g.collectExport(
		context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	require.Equal(t, 2500, rowCount)
	require.False(t, truncated)
	require.Equal(t, []string{"ads"}, utmSources)

	records, err := csv.NewReader(bytes.NewReader(merged)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2501, "one header plus all rows")
	require.Equal(t, "id", records[0][0])
	require.Equal(t, "1", records[1][0])
}

func TestExportEmptyRange(t *testing.T) {
	messaging := &gateMessaging{}
	g := newTestGate(t, newMemKV(), messaging, &pagedExporter{totalRows: 0})

	res, err := g.HandleCommand(context.Background(), adminMessage("/export 2024-01-01 2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Empty(t, messaging.docs)
	require.Contains(t, res.Reply, "No messages")
}

func TestExportInvalidRange(t *testing.T) {
	kv := newMemKV()
	g := newTestGate(t, kv, &gateMessaging{}, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/export 2024-02-01 2024-01-01"))
	require.NoError(t, err)
	require.Equal(t, 400, res.Status)
	require.Len(t, kv.keysWithPrefix("admin-error:"), 1)
}

func TestExportCooldownNoticeOncePerWindow(t *testing.T) {
	kv := newMemKV()
	messaging := &gateMessaging{}
	g := newTestGate(t, kv, messaging, &pagedExporter{totalRows: 1})
	ctx := context.Background()
	cmd := adminMessage("/export 2024-01-01 2024-02-01")

	res, err := g.HandleCommand(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)

	// Second attempt inside the window: blocked, with one notice.
	res, err = g.HandleCommand(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, 429, res.Status)
	noticeCount := 0
	for _, s := range messaging.sent {
		if s.text == "Please wait 60 seconds between exports." {
			noticeCount++
		}
	}
	require.Equal(t, 1, noticeCount)

	// Third attempt: still blocked, still just the one notice.
	res, err = g.HandleCommand(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, 429, res.Status)
	noticeCount = 0
	for _, s := range messaging.sent {
		if s.text == "Please wait 60 seconds between exports." {
			noticeCount++
		}
	}
	require.Equal(t, 1, noticeCount)
}

func TestExportBackendFailure(t *testing.T) {
	kv := newMemKV()
	messaging := &gateMessaging{}
	g := newTestGate(t, kv, messaging, &pagedExporter{err: errTest("storage down")})

	res, err := g.HandleCommand(context.Background(), adminMessage("/export 2024-01-01 2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, 502, res.Status)
	require.Len(t, kv.keysWithPrefix("admin-error:"), 1)
}

func TestExportScopedRateLimit(t *testing.T) {
	kv := newMemKV()
	g := newTestGate(t, kv, &gateMessaging{}, &pagedExporter{totalRows: 1})
	g.rateLimit = limitedLimiter{}

	res, err := g.HandleCommand(context.Background(), adminMessage("/export 2024-01-01 2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, 429, res.Status)
	require.Len(t, kv.keysWithPrefix("admin-error:"), 1)
}

type limitedLimiter struct{}

func (limitedLimiter) CheckAndIncrement(context.Context, string, string) engine.Decision {
	return engine.DecisionLimited
}

func TestRecordErrorDedupsPerWindow(t *testing.T) {
	kv := newMemKV()
	g := newTestGate(t, kv, &gateMessaging{}, nil)
	ctx := context.Background()

	g.recordError(ctx, "100", "/export", 502, "boom")
	g.recordError(ctx, "100", "/export", 502, "boom again")
	require.Len(t, kv.keysWithPrefix("admin-error:"), 1, "same user+command dedups")

	g.recordError(ctx, "100", "/broadcast", 502, "different command")
	require.Len(t, kv.keysWithPrefix("admin-error:"), 2)
}

func TestRecordErrorIgnoresBenignCodes(t *testing.T) {
	kv := newMemKV()
	g := newTestGate(t, kv, &gateMessaging{}, nil)

	g.recordError(context.Background(), "100", "/export", 200, "fine")
	g.recordError(context.Background(), "100", "/export", 404, "not telemetry-worthy")
	require.Empty(t, kv.keysWithPrefix("admin-error:"))
}

func TestRecordErrorInvalidatesWhitelistOn403(t *testing.T) {
	kv := newMemKV()
	require.NoError(t, kv.Set(context.Background(), WhitelistKey, `{"whitelist":["100"]}`, 0))
	whitelist := NewWhitelistCache(kv, time.Hour)
	g := NewGate(Options{Whitelist: whitelist, KV: kv, Messaging: &gateMessaging{}})

	require.True(t, whitelist.IsAdmin(context.Background(), "100"))
	reads := kv.getCalls

	g.recordError(context.Background(), "100", "/export", 403, "denied")
	require.True(t, whitelist.IsAdmin(context.Background(), "100"))
	require.Greater(t, kv.getCalls, reads, "cache was dropped and refetched")
}

func TestBroadcastUsage(t *testing.T) {
	g := newTestGate(t, newMemKV(), &gateMessaging{}, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/broadcast"))
	require.NoError(t, err)
	require.Equal(t, 400, res.Status)
	require.Contains(t, res.Reply, "Usage")
}

func TestBroadcastFanOut(t *testing.T) {
	kv := newMemKV()
	messaging := &gateMessaging{}
	g := newTestGate(t, kv, messaging, nil)
	ctx := context.Background()

	require.NoError(t, AddRecipient(ctx, kv, "c1"))
	require.NoError(t, AddRecipient(ctx, kv, "c2"))
	require.NoError(t, AddRecipient(ctx, kv, "c1"), "duplicate add is a no-op")
	ids, err := Recipients(ctx, kv)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, ids)

	res, err := g.HandleCommand(ctx, adminMessage("/broadcast hello everyone"))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Contains(t, res.Reply, "2/2")

	delivered := map[string]bool{}
	for _, s := range messaging.sent {
		if s.text == "hello everyone" {
			delivered[s.chatID] = true
		}
	}
	require.True(t, delivered["c1"])
	require.True(t, delivered["c2"])
}

func TestBroadcastNoRecipients(t *testing.T) {
	g := newTestGate(t, newMemKV(), &gateMessaging{}, nil)

	res, err := g.HandleCommand(context.Background(), adminMessage("/broadcast hello"))
	require.NoError(t, err)
	require.Equal(t, 200, res.Status)
	require.Contains(t, res.Reply, "No broadcast recipients")
}

func TestBroadcastTotalFailure(t *testing.T) {
	kv := newMemKV()
	messaging := &gateMessaging{sendErr: errTest("network down")}
	g := newTestGate(t, kv, messaging, nil)
	ctx := context.Background()

	require.NoError(t, AddRecipient(ctx, kv, "c1"))
	res, err := g.HandleCommand(ctx, adminMessage("/broadcast hello"))
	require.NoError(t, err)
	require.Equal(t, 502, res.Status)
}

func TestRemoveRecipient(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()

	require.NoError(t, AddRecipient(ctx, kv, "c1"))
	require.NoError(t, AddRecipient(ctx, kv, "c2"))
	require.NoError(t, RemoveRecipient(ctx, kv, "c1"))
	ids, err := Recipients(ctx, kv)
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, ids)
}
