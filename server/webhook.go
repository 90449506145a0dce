package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/webhook"
)

// fallbackLimitText is sent when the cooldown notifier fails or declines.
const fallbackLimitText = "Daily limit reached. Please come back tomorrow."

type webhookResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
}

func (s *Server) handleWebhook(c echo.Context) error {
	started := time.Now()
	status, messageID, err := s.processWebhook(c)
	if s.metrics != nil {
		label := status
		if err != nil {
			label = "error"
		}
		s.metrics.ObserveWebhook(label, time.Since(started).Seconds())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, webhookResponse{Status: status, MessageID: messageID})
}

func (s *Server) processWebhook(c echo.Context) (status, messageID string, err error) {
	if s.profile.WebhookSecret == "" {
		return "", "", echo.NewHTTPError(http.StatusInternalServerError, "webhook secret not configured")
	}
	if c.Param("secret") != s.profile.WebhookSecret {
		return "", "", echo.NewHTTPError(http.StatusForbidden, "invalid webhook secret")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	ctx := c.Request().Context()
	decoded, err := s.decoder.Decode(ctx, body)
	if err != nil {
		if errors.Is(err, webhook.ErrUnsafeTelegramID) {
			return "", "", echo.NewHTTPError(http.StatusBadRequest, "unsafe platform id")
		}
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "invalid update body")
	}

	switch decoded.Kind {
	case webhook.KindHandled:
		return "ignored", "", nil

	case webhook.KindNonText:
		if _, err := s.app.Messaging.SendText(ctx, decoded.Chat, decoded.Reply); err != nil {
			slog.Warn("server: non-text reply failed", "chat_id", decoded.Chat.ID, "error", err)
		}
		return "ok", "", nil

	case webhook.KindMessage:
		if decoded.Route == webhook.RouteCommand && s.gate != nil {
			res, err := s.gate.HandleCommand(ctx, decoded.Message)
			if err != nil {
				return "", "", echo.NewHTTPError(http.StatusInternalServerError, "command handling failed")
			}
			if res.Handled {
				return "ok", "", nil
			}
		}
		return s.runEngine(ctx, decoded.Message)
	}
	return "ignored", "", nil
}

func (s *Server) runEngine(ctx context.Context, in *engine.IncomingMessage) (string, string, error) {
	result, err := s.app.Engine.HandleMessage(ctx, in)
	if err != nil {
		slog.Error("server: engine failed", "user_id", in.User.UserID, "error", err)
		return "", "", echo.NewHTTPError(http.StatusInternalServerError, "message handling failed")
	}

	if result.Status == engine.StatusRateLimited {
		s.notifyRateLimited(ctx, in)
		return "rate_limited", "", nil
	}
	return "ok", result.MessageID, nil
}

func (s *Server) notifyRateLimited(ctx context.Context, in *engine.IncomingMessage) {
	if s.app.Notifier != nil {
		handled, err := s.app.Notifier.NotifyRateLimited(ctx, in.User.UserID, in.Chat)
		if err == nil && handled {
			return
		}
		if err != nil {
			slog.Warn("server: cooldown notifier failed, falling back", "user_id", in.User.UserID, "error", err)
		}
	}
	if _, err := s.app.Messaging.SendText(ctx, in.Chat, fallbackLimitText); err != nil {
		slog.Warn("server: fallback limit text failed", "chat_id", in.Chat.ID, "error", err)
	}
}
