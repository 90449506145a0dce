// Package profile holds the process configuration, resolved from flags and
// environment at startup.
package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the relay server.
type Profile struct {
	Mode    string
	Addr    string
	Port    int
	Data    string
	DSN     string
	Version string

	// Telegram
	BotToken      string
	WebhookSecret string

	// LLM endpoint(s), OpenAI-compatible protocol.
	AIAPIKey   string
	AIBaseURLs []string
	AIModel    string

	// Admin HTTP surface.
	AdminToken  string
	ExportToken string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Values already
// set by flags are kept.
func (p *Profile) FromEnv() {
	if p.Mode == "" {
		p.Mode = getEnvOrDefault("CHATRELAY_MODE", "dev")
	}
	if p.Addr == "" {
		p.Addr = getEnvOrDefault("CHATRELAY_ADDR", "")
	}
	if p.Port == 0 {
		p.Port = getEnvOrDefaultInt("CHATRELAY_PORT", 8080)
	}
	if p.Data == "" {
		p.Data = getEnvOrDefault("CHATRELAY_DATA", ".")
	}
	if p.DSN == "" {
		p.DSN = getEnvOrDefault("CHATRELAY_DSN", "")
	}

	p.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", p.BotToken)
	p.WebhookSecret = getEnvOrDefault("WEBHOOK_SECRET", p.WebhookSecret)

	p.AIAPIKey = getEnvOrDefault("AI_API_KEY", p.AIAPIKey)
	p.AIModel = getEnvOrDefault("AI_MODEL", p.AIModel)
	if urls := os.Getenv("AI_BASE_URLS"); urls != "" {
		p.AIBaseURLs = p.AIBaseURLs[:0]
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				p.AIBaseURLs = append(p.AIBaseURLs, u)
			}
		}
	}

	p.AdminToken = getEnvOrDefault("ADMIN_TOKEN", p.AdminToken)
	p.ExportToken = getEnvOrDefault("EXPORT_TOKEN", p.ExportToken)
}

// Validate normalizes the profile and fills derived defaults.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if !filepath.IsAbs(p.Data) {
		absDir, err := filepath.Abs(p.Data)
		if err != nil {
			return errors.Wrapf(err, "unable to resolve data folder %s", p.Data)
		}
		p.Data = absDir
	}
	p.Data = strings.TrimRight(p.Data, "\\/")
	if _, err := os.Stat(p.Data); err != nil {
		return errors.Wrapf(err, "unable to access data folder %s", p.Data)
	}

	if p.DSN == "" {
		p.DSN = filepath.Join(p.Data, "chatrelay.db")
	}
	return nil
}
