package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/chatrelay/admin"
	"github.com/hrygo/chatrelay/engine"
)

// prefixDeleter is the optional KV capability backing /admin/known-users/clear.
type prefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// handleExport streams one CSV page. Pagination state travels in the
// x-next-cursor response header; observed utm sources in x-utm-sources.
func (s *Server) handleExport(c echo.Context) error {
	if s.exporter == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "export not wired")
	}

	now := time.Now().UTC()
	to := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	from := to.Add(-31 * 24 * time.Hour)
	var err error
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		to = parsed.Add(24 * time.Hour)
	}
	if from.After(to.Add(-24 * time.Hour)) {
		return echo.NewHTTPError(http.StatusBadRequest, "from is after to")
	}

	limit := 1000
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 5000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	var cursor int64
	if raw := c.QueryParam("cursor"); raw != "" {
		if cursor, err = strconv.ParseInt(raw, 10, 64); err != nil || cursor < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
		}
	}

	page, err := s.exporter.ExportMessages(c.Request().Context(), from, to, limit, cursor)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}

	if page.NextCursor != 0 {
		c.Response().Header().Set("x-next-cursor", strconv.FormatInt(page.NextCursor, 10))
	}
	if len(page.UTMSources) > 0 {
		raw, _ := json.Marshal(page.UTMSources)
		c.Response().Header().Set("x-utm-sources", string(raw))
	}
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", page.CSV)
}

// handleSelftest probes the wired collaborators with a KV round-trip.
func (s *Server) handleSelftest(c echo.Context) error {
	ctx := c.Request().Context()
	checks := map[string]string{}

	key := "selftest:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := s.app.KV.Set(ctx, key, "1", time.Minute); err != nil {
		checks["kv"] = "write failed: " + err.Error()
	} else if _, found, err := s.app.KV.Get(ctx, key); err != nil || !found {
		checks["kv"] = "readback failed"
	} else {
		checks["kv"] = "ok"
		_ = s.app.KV.Delete(ctx, key)
	}

	if _, err := s.app.Storage.GetRecentMessages(ctx, "selftest", 1); err != nil {
		checks["storage"] = err.Error()
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusInternalServerError
		}
	}
	return c.JSON(status, checks)
}

// handleAccess reports the current admin whitelist view.
func (s *Server) handleAccess(c echo.Context) error {
	ctx := c.Request().Context()
	raw, found, err := s.app.KV.Get(ctx, admin.WhitelistKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "whitelist read failed")
	}
	out := map[string]any{"configured": found}
	if found {
		var payload struct {
			Whitelist []any `json:"whitelist"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			out["count"] = len(payload.Whitelist)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDiag(c echo.Context) error {
	ctx := c.Request().Context()
	switch q := c.QueryParam("q"); q {
	case "bindings":
		out := map[string]any{"bindings": s.app.Bindings()}
		if s.decoder != nil {
			if snap := s.decoder.Keeper().Last(); snap != nil {
				out["lastWebhook"] = map[string]any{
					"updateId":   snap.UpdateID,
					"chatIdRaw":  snap.ChatIDRaw,
					"chatIdUsed": snap.ChatIDUsed,
					"route":      snap.Route,
					"receivedAt": snap.ReceivedAt,
				}
			}
		}
		return c.JSON(http.StatusOK, out)

	case "telegram.getMe":
		if s.bot == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "telegram transport not wired")
		}
		return c.JSON(http.StatusOK, s.bot.Me())

	case "ai-queue":
		provider, ok := s.app.AI.(engine.QueueStatsProvider)
		if !ok {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "ai queue not wired")
		}
		stats := provider.QueueStats()
		return c.JSON(http.StatusOK, map[string]any{
			"active":           stats.Active,
			"queued":           stats.Queued,
			"maxConcurrency":   stats.MaxConcurrency,
			"maxQueue":         stats.MaxQueue,
			"droppedSinceBoot": stats.DroppedSinceBoot,
			"avgWaitMs":        stats.AvgWaitMs,
			"lastDropAt":       stats.LastDropAt,
			"configSource":     stats.ConfigSource,
		})

	case "export-rate":
		userID := c.QueryParam("userId")
		if userID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "userId required")
		}
		raw, found, err := s.app.KV.Get(ctx, "rate-limit:"+userID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "cooldown read failed")
		}
		out := map[string]any{"active": found}
		if found {
			out["entry"] = json.RawMessage(raw)
		}
		return c.JSON(http.StatusOK, out)

	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown diag query %q", q))
	}
}

// handleKnownUsersClear drops per-user transient state: rate counters,
// cooldown notices, start dedup keys and the whitelist cache.
func (s *Server) handleKnownUsersClear(c echo.Context) error {
	deleter, ok := s.app.KV.(prefixDeleter)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "kv does not support prefix deletes")
	}
	ctx := c.Request().Context()
	total := int64(0)
	for _, prefix := range []string{"rate:", "rate-limit:", "dedup:start:"} {
		n, err := deleter.DeletePrefix(ctx, prefix)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "prefix delete failed")
		}
		total += n
	}
	if s.whitelist != nil {
		s.whitelist.Invalidate("")
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": total})
}

// handleStorageStress writes and reads back a burst of synthetic messages
// to exercise the storage retry path under load.
func (s *Server) handleStorageStress(c echo.Context) error {
	iterations := 25
	if raw := c.QueryParam("n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid n")
		}
		iterations = n
	}

	ctx := c.Request().Context()
	userID := fmt.Sprintf("stress-%d", time.Now().UnixNano())
	started := time.Now()
	for i := 0; i < iterations; i++ {
		msg := &engine.StoredMessage{
			UserID:    userID,
			ChatID:    "stress",
			Role:      engine.RoleSystem,
			Text:      fmt.Sprintf("stress probe %d", i),
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]any{"probe": i},
		}
		if err := s.app.Storage.AppendMessage(ctx, msg); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]any{
				"completed": i,
				"error":     err.Error(),
			})
		}
	}
	msgs, _ := s.app.Storage.GetRecentMessages(ctx, userID, iterations)
	return c.JSON(http.StatusOK, map[string]any{
		"written":   iterations,
		"readBack":  len(msgs),
		"elapsedMs": time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleRecipientsList(c echo.Context) error {
	ids, err := admin.Recipients(c.Request().Context(), s.app.KV)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "recipient list unavailable")
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"recipients": ids})
}

func (s *Server) handleRecipientsAdd(c echo.Context) error {
	var body struct {
		ChatID string `json:"chatId"`
	}
	if err := c.Bind(&body); err != nil || body.ChatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chatId required")
	}
	if err := admin.AddRecipient(c.Request().Context(), s.app.KV, body.ChatID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to add recipient")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecipientsRemove(c echo.Context) error {
	chatID := c.QueryParam("chatId")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chatId required")
	}
	if err := admin.RemoveRecipient(c.Request().Context(), s.app.KV, chatID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to remove recipient")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
