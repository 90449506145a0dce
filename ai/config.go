package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// ConfigKey is the KV key holding a JSON queue configuration override.
const ConfigKey = "AI_QUEUE_CONFIG"

// Config sources, in resolution order.
const (
	SourceKV      = "kv"
	SourceEnv     = "env"
	SourceDefault = "default"
)

// Config bounds the queue and its retry behavior.
type Config struct {
	MaxConcurrency    int
	MaxQueueSize      int
	RequestTimeout    time.Duration
	RetryMax          int
	RetryBaseDelay    time.Duration
	FailoverThreshold int
	BaseURLs          []string

	// Source records where the effective config came from: kv, env or
	// default. Diagnostic only.
	Source string
}

// DefaultConfig is the built-in queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    2,
		MaxQueueSize:      10,
		RequestTimeout:    20 * time.Second,
		RetryMax:          2,
		RetryBaseDelay:    500 * time.Millisecond,
		FailoverThreshold: 3,
		Source:            SourceDefault,
	}
}

// configJSON is the wire shape of the KV override; durations are plain
// millisecond integers there.
type configJSON struct {
	MaxConcurrency    *int     `json:"maxConcurrency"`
	MaxQueueSize      *int     `json:"maxQueueSize"`
	RequestTimeoutMs  *int64   `json:"requestTimeoutMs"`
	RetryMax          *int     `json:"retryMax"`
	RetryBaseDelayMs  *int64   `json:"retryBaseDelayMs"`
	FailoverThreshold *int     `json:"endpointFailoverThreshold"`
	BaseURLs          []string `json:"baseUrls"`
}

// LoadConfig resolves the effective queue config: KV override first, then
// environment variables, then defaults. KV read failures fall through to
// the next source.
func LoadConfig(ctx context.Context, kv engine.KV) Config {
	cfg := DefaultConfig()
	if fromEnv(&cfg) {
		cfg.Source = SourceEnv
	}

	if kv == nil {
		return cfg
	}
	raw, found, err := kv.Get(ctx, ConfigKey)
	if err != nil {
		slog.Warn("ai: failed to read queue config from kv", "error", err)
		return cfg
	}
	if !found {
		return cfg
	}
	var j configJSON
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		slog.Warn("ai: malformed queue config in kv", "error", err)
		return cfg
	}
	applyJSON(&cfg, &j)
	cfg.Source = SourceKV
	return cfg
}

func applyJSON(cfg *Config, j *configJSON) {
	if j.MaxConcurrency != nil {
		cfg.MaxConcurrency = *j.MaxConcurrency
	}
	if j.MaxQueueSize != nil {
		cfg.MaxQueueSize = *j.MaxQueueSize
	}
	if j.RequestTimeoutMs != nil {
		cfg.RequestTimeout = time.Duration(*j.RequestTimeoutMs) * time.Millisecond
	}
	if j.RetryMax != nil {
		cfg.RetryMax = *j.RetryMax
	}
	if j.RetryBaseDelayMs != nil {
		cfg.RetryBaseDelay = time.Duration(*j.RetryBaseDelayMs) * time.Millisecond
	}
	if j.FailoverThreshold != nil {
		cfg.FailoverThreshold = *j.FailoverThreshold
	}
	if len(j.BaseURLs) > 0 {
		cfg.BaseURLs = j.BaseURLs
	}
}

func fromEnv(cfg *Config) bool {
	changed := false
	if v, ok := envInt("AI_QUEUE_MAX_CONCURRENCY"); ok {
		cfg.MaxConcurrency = v
		changed = true
	}
	if v, ok := envInt("AI_QUEUE_MAX_SIZE"); ok {
		cfg.MaxQueueSize = v
		changed = true
	}
	if v, ok := envInt("AI_QUEUE_REQUEST_TIMEOUT_MS"); ok {
		cfg.RequestTimeout = time.Duration(v) * time.Millisecond
		changed = true
	}
	if v, ok := envInt("AI_QUEUE_RETRY_MAX"); ok {
		cfg.RetryMax = v
		changed = true
	}
	if v, ok := envInt("AI_QUEUE_RETRY_BASE_DELAY_MS"); ok {
		cfg.RetryBaseDelay = time.Duration(v) * time.Millisecond
		changed = true
	}
	if v, ok := envInt("AI_QUEUE_FAILOVER_THRESHOLD"); ok {
		cfg.FailoverThreshold = v
		changed = true
	}
	if v := os.Getenv("AI_BASE_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.BaseURLs = append(cfg.BaseURLs, u)
			}
		}
		changed = true
	}
	return changed
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ai: ignoring non-numeric env value", "name", name, "value", v)
		return 0, false
	}
	return n, true
}
