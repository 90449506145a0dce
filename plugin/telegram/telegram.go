// Package telegram implements the dispatch.Transport over the Telegram Bot
// API. Identifiers stay strings end to end: requests are issued through the
// raw params surface so chat and thread IDs are never routed through int64.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/chatrelay/dispatch"
)

// Transport is a Telegram-backed dispatch transport.
type Transport struct {
	bot *tgbotapi.BotAPI
}

// NewTransport creates a Telegram transport. The token is validated against
// getMe at construction.
func NewTransport(botToken string) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &Transport{bot: bot}, nil
}

// SendMessage sends a text message and returns the platform message ID.
func (t *Transport) SendMessage(_ context.Context, chatID, threadID, text string) (string, error) {
	params := tgbotapi.Params{"chat_id": chatID, "text": text}
	params.AddNonEmpty("message_thread_id", threadID)
	resp, err := t.bot.MakeRequest("sendMessage", params)
	if err != nil {
		return "", wrapAPIError(err)
	}
	var result struct {
		MessageID json.Number `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("telegram: failed to decode sendMessage result: %w", err)
	}
	return result.MessageID.String(), nil
}

// EditMessageText replaces the text of a sent message.
func (t *Transport) EditMessageText(_ context.Context, chatID, messageID, text string) error {
	params := tgbotapi.Params{"chat_id": chatID, "message_id": messageID, "text": text}
	_, err := t.bot.MakeRequest("editMessageText", params)
	return wrapAPIError(err)
}

// DeleteMessage removes a sent message.
func (t *Transport) DeleteMessage(_ context.Context, chatID, messageID string) error {
	params := tgbotapi.Params{"chat_id": chatID, "message_id": messageID}
	_, err := t.bot.MakeRequest("deleteMessage", params)
	return wrapAPIError(err)
}

// SendChatAction sends a chat action ("typing", ...).
func (t *Transport) SendChatAction(_ context.Context, chatID, threadID, action string) error {
	params := tgbotapi.Params{"chat_id": chatID, "action": action}
	params.AddNonEmpty("message_thread_id", threadID)
	_, err := t.bot.MakeRequest("sendChatAction", params)
	return wrapAPIError(err)
}

// SendDocument uploads a file to the chat.
func (t *Transport) SendDocument(_ context.Context, chatID, threadID, filename string, data []byte) (string, error) {
	params := tgbotapi.Params{"chat_id": chatID}
	params.AddNonEmpty("message_thread_id", threadID)
	files := []tgbotapi.RequestFile{{
		Name: "document",
		Data: tgbotapi.FileBytes{Name: filename, Bytes: data},
	}}
	resp, err := t.bot.UploadFiles("sendDocument", params, files)
	if err != nil {
		return "", wrapAPIError(err)
	}
	var result struct {
		MessageID json.Number `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("telegram: failed to decode sendDocument result: %w", err)
	}
	return result.MessageID.String(), nil
}

// Me returns the bot identity cached at construction (diagnostics).
func (t *Transport) Me() map[string]any {
	return map[string]any{
		"id":       t.bot.Self.ID,
		"username": t.bot.Self.UserName,
		"is_bot":   t.bot.Self.IsBot,
	}
}

// wrapAPIError maps tgbotapi errors into dispatch status errors so the
// attempt controller can classify them. retry_after is honored when the
// platform supplies it.
func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &dispatch.StatusError{
			Status:      apiErr.Code,
			Description: apiErr.Message,
			RetryAfter:  time.Duration(apiErr.RetryAfter) * time.Second,
		}
	}
	return &dispatch.StatusError{Status: 0, Description: err.Error()}
}

var (
	_ dispatch.Transport         = (*Transport)(nil)
	_ dispatch.DocumentTransport = (*Transport)(nil)
)
