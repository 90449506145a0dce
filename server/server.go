// Package server exposes the HTTP surface: the platform webhook, the admin
// routes and the metrics scrape endpoint, built on echo.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/chatrelay/admin"
	"github.com/hrygo/chatrelay/compose"
	"github.com/hrygo/chatrelay/internal/profile"
	"github.com/hrygo/chatrelay/internal/version"
	"github.com/hrygo/chatrelay/metrics"
	"github.com/hrygo/chatrelay/webhook"
)

// BotIdentity is the optional diagnostics probe of the chat-platform
// transport ("who am I").
type BotIdentity interface {
	Me() map[string]any
}

// Server hosts the HTTP surface over a wired application.
type Server struct {
	e       *echo.Echo
	app     *compose.App
	gate    *admin.Gate
	decoder *webhook.Decoder

	profile   *profile.Profile
	exporter  admin.Exporter
	metrics   *metrics.Exporter
	whitelist *admin.WhitelistCache
	bot       BotIdentity
	startedAt time.Time
}

// Options carries the collaborators the routes serve. Gate, Exporter,
// Metrics, Whitelist and Bot are optional; their routes degrade gracefully.
type Options struct {
	App       *compose.App
	Gate      *admin.Gate
	Decoder   *webhook.Decoder
	Profile   *profile.Profile
	Exporter  admin.Exporter
	Metrics   *metrics.Exporter
	Whitelist *admin.WhitelistCache
	Bot       BotIdentity
}

// New builds the server and registers all routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		e:         e,
		app:       opts.App,
		gate:      opts.Gate,
		decoder:   opts.Decoder,
		profile:   opts.Profile,
		exporter:  opts.Exporter,
		metrics:   opts.Metrics,
		whitelist: opts.Whitelist,
		bot:       opts.Bot,
		startedAt: time.Now(),
	}

	e.GET("/healthz", s.handleHealthz)
	e.POST("/webhook/:secret", s.handleWebhook)

	adminGroup := e.Group("/admin", s.adminAuth)
	adminGroup.GET("/export", s.handleExport)
	adminGroup.GET("/selftest", s.handleSelftest)
	adminGroup.GET("/envz", s.handleEnvz)
	adminGroup.GET("/access", s.handleAccess)
	adminGroup.GET("/diag", s.handleDiag)
	adminGroup.GET("/known-users/clear", s.handleKnownUsersClear)
	adminGroup.POST("/d1-stress", s.handleStorageStress)
	adminGroup.GET("/broadcast/recipients", s.handleRecipientsList)
	adminGroup.POST("/broadcast/recipients", s.handleRecipientsAdd)
	adminGroup.DELETE("/broadcast/recipients", s.handleRecipientsRemove)

	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	return s.e.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// adminAuth accepts the token via x-admin-token header or ?token=. The
// export route additionally accepts its dedicated token.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get("x-admin-token")
		if token == "" {
			token = c.QueryParam("token")
		}
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing admin token")
		}
		if tokenEqual(token, s.profile.AdminToken) {
			return next(c)
		}
		if s.profile.ExportToken != "" && c.Path() == "/admin/export" && tokenEqual(token, s.profile.ExportToken) {
			return next(c)
		}
		return echo.NewHTTPError(http.StatusForbidden, "invalid admin token")
	}
}

func tokenEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleEnvz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"mode":          s.profile.Mode,
		"version":       version.GetCurrentVersion(s.profile.Mode),
		"gitCommit":     version.GitCommit,
		"buildTime":     version.BuildTime,
		"dsn":           s.profile.DSN,
		"botToken":      maskSecret(s.profile.BotToken),
		"webhookSecret": maskSecret(s.profile.WebhookSecret),
		"aiApiKey":      maskSecret(s.profile.AIAPIKey),
		"aiBaseUrls":    s.profile.AIBaseURLs,
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
