package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// RecipientsKey holds the broadcast recipient list as a JSON array of chat
// IDs (strings).
const RecipientsKey = "broadcast:recipients"

// Recipients reads the broadcast recipient list from KV.
func Recipients(ctx context.Context, kv engine.KV) ([]string, error) {
	raw, found, err := kv.Get(ctx, RecipientsKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("admin: recipients payload malformed: %w", err)
	}
	return ids, nil
}

// AddRecipient appends a chat ID to the recipient list if absent.
func AddRecipient(ctx context.Context, kv engine.KV, chatID string) error {
	return mutateRecipients(ctx, kv, func(ids []string) []string {
		for _, id := range ids {
			if id == chatID {
				return ids
			}
		}
		return append(ids, chatID)
	})
}

// RemoveRecipient deletes a chat ID from the recipient list.
func RemoveRecipient(ctx context.Context, kv engine.KV, chatID string) error {
	return mutateRecipients(ctx, kv, func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if id != chatID {
				out = append(out, id)
			}
		}
		return out
	})
}

func mutateRecipients(ctx context.Context, kv engine.KV, mutate func([]string) []string) error {
	return kv.Update(ctx, RecipientsKey, func(old string, found bool) (string, time.Duration, bool) {
		var ids []string
		if found {
			_ = json.Unmarshal([]byte(old), &ids)
		}
		raw, _ := json.Marshal(mutate(ids))
		return string(raw), 0, true
	})
}

// handleBroadcast fans the text out to every stored recipient. Partial
// failures are counted, not fatal.
func (g *Gate) handleBroadcast(ctx context.Context, in *engine.IncomingMessage, args string) (*CommandResult, error) {
	if args == "" {
		reply := "Usage: /broadcast <text>"
		g.reply(ctx, in, "/broadcast", reply)
		return &CommandResult{Handled: true, Status: 400, Reply: reply}, nil
	}

	recipients, err := Recipients(ctx, g.kv)
	if err != nil {
		slog.Error("admin: failed to load broadcast recipients", "error", err)
		g.reply(ctx, in, "/broadcast", "Broadcast failed: recipient list unavailable.")
		g.recordError(ctx, in.User.UserID, "/broadcast", 502, err.Error())
		return &CommandResult{Handled: true, Status: 502}, nil
	}
	if len(recipients) == 0 {
		reply := "No broadcast recipients configured."
		g.reply(ctx, in, "/broadcast", reply)
		return &CommandResult{Handled: true, Status: 200, Reply: reply}, nil
	}

	sent, failed := 0, 0
	for _, chatID := range recipients {
		if _, err := g.messaging.SendText(ctx, engine.ChatRef{ID: chatID}, args); err != nil {
			failed++
			slog.Warn("admin: broadcast delivery failed", "chat_id", chatID, "error", err)
			continue
		}
		sent++
	}

	reply := fmt.Sprintf("Broadcast delivered to %d/%d recipients.", sent, len(recipients))
	g.reply(ctx, in, "/broadcast", reply)
	status := 200
	if failed > 0 && sent == 0 {
		status = 502
	}
	return &CommandResult{Handled: true, Status: status, Reply: reply}, nil
}
