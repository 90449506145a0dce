package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Retention windows for the telemetry keys.
const (
	errorRecordTTL = 10 * 24 * time.Hour
	errorRateTTL   = 60 * time.Second
	auditTTL       = 30 * 24 * time.Hour
)

// errorRecord is the persisted admin failure entry.
type errorRecord struct {
	UserID  string `json:"userId"`
	Command string `json:"command"`
	Code    int    `json:"code"`
	When    string `json:"when"`
	Desc    string `json:"desc,omitempty"`
}

// recordError persists one admin-error entry, deduplicated per
// (user, command) over the rate window. Status 400/403 also invalidates the
// whitelist cache since a stale admin set is the usual cause.
func (g *Gate) recordError(ctx context.Context, userID, command string, code int, desc string) {
	if code != 400 && code != 403 && code != 429 && code < 500 {
		return
	}

	rateKey := "admin-error-rate:" + userID + ":" + command
	fresh := false
	err := g.kv.Update(ctx, rateKey, func(_ string, found bool) (string, time.Duration, bool) {
		if found {
			return "", 0, false
		}
		fresh = true
		return "1", errorRateTTL, true
	})
	if err != nil {
		slog.Warn("admin: error-rate key update failed", "user_id", userID, "error", err)
	}

	if fresh {
		now := g.now().UTC()
		rec := errorRecord{
			UserID:  userID,
			Command: command,
			Code:    code,
			When:    now.Format(time.RFC3339),
			Desc:    desc,
		}
		raw, _ := json.Marshal(rec)
		key := "admin-error:" + userID + ":" + now.Format("20060102150405")
		if err := g.kv.Set(ctx, key, string(raw), errorRecordTTL); err != nil {
			slog.Warn("admin: failed to persist error record", "key", key, "error", err)
		}
	}

	if code == 400 || code == 403 {
		g.whitelist.Invalidate(userID)
	}
}

// auditExport writes the 30 day retention record of a completed export.
func (g *Gate) auditExport(ctx context.Context, userID, chatID string, from, to time.Time, rowCount int, utmSources []string) {
	entry := map[string]any{
		"userId":   userID,
		"chatId":   chatID,
		"from":     from.UTC().Format("2006-01-02"),
		"to":       to.UTC().Format("2006-01-02"),
		"rowCount": rowCount,
	}
	if len(utmSources) > 0 {
		entry["utmSources"] = utmSources
	}
	raw, _ := json.Marshal(entry)
	key := "log:" + g.now().UTC().Format(time.RFC3339) + ":" + userID
	if err := g.kv.Set(ctx, key, string(raw), auditTTL); err != nil {
		slog.Warn("admin: failed to persist export audit", "key", key, "error", err)
	}
}
