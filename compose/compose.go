// Package compose wires concrete adapters (or no-op fallbacks) into one
// runnable application: the dialog engine, the toggle-aware rate limit and
// the notifier. The server package builds its routes on the result.
package compose

import (
	"time"

	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/ratelimit"
)

// Options lists the adapters to wire. Nil fields fall back to no-ops.
type Options struct {
	Messaging engine.Messaging
	AI        engine.AI
	Storage   engine.Storage
	RateLimit engine.RateLimiter
	KV        engine.KV
	Notifier  engine.CooldownNotifier

	// ToggleRefresh caches the LIMITS_ENABLED read; zero uses the default.
	ToggleRefresh time.Duration
	// TypingRefresh is the typing re-send interval; zero uses the default.
	TypingRefresh time.Duration
}

// App is the wired application.
type App struct {
	Engine *engine.DialogEngine
	Typing *engine.TypingIndicator

	Messaging engine.Messaging
	AI        engine.AI
	Storage   engine.Storage
	KV        engine.KV
	Notifier  engine.CooldownNotifier

	// RateLimit is the toggle-aware gate the engine consumes; RawRateLimit
	// bypasses the toggle for admin scopes.
	RateLimit    engine.RateLimiter
	RawRateLimit engine.RateLimiter

	bindings map[string]string
}

// Build fills missing ports with no-ops and wires the engine.
func Build(opts Options) *App {
	app := &App{bindings: map[string]string{}}

	app.Messaging = opts.Messaging
	if app.Messaging == nil {
		app.Messaging = engine.NoopMessaging{}
	}
	app.AI = opts.AI
	if app.AI == nil {
		app.AI = engine.NoopAI{}
	}
	app.Storage = opts.Storage
	if app.Storage == nil {
		app.Storage = engine.NoopStorage{}
	}
	app.KV = opts.KV
	if app.KV == nil {
		app.KV = engine.NoopKV{}
	}

	app.RawRateLimit = opts.RateLimit
	if app.RawRateLimit == nil {
		if opts.KV != nil {
			app.RawRateLimit = ratelimit.NewCounterLimiter(opts.KV, ratelimit.Config{})
		} else {
			app.RawRateLimit = engine.NoopRateLimiter{}
		}
	}
	app.RateLimit = app.RawRateLimit
	if opts.KV != nil {
		app.RateLimit = ratelimit.NewToggle(app.RawRateLimit, opts.KV, opts.ToggleRefresh)
	}

	app.Notifier = opts.Notifier
	if app.Notifier == nil && opts.KV != nil && opts.Messaging != nil {
		app.Notifier = ratelimit.NewNotifier(opts.Messaging, opts.KV, 0)
	}

	app.Typing = engine.NewTypingIndicator(app.Messaging, opts.TypingRefresh)
	app.Engine = engine.NewDialogEngine(app.Messaging, app.AI, app.Storage, app.RateLimit, app.Typing)

	app.bindings["messaging"] = bindingLabel(opts.Messaging != nil)
	app.bindings["ai"] = bindingLabel(opts.AI != nil)
	app.bindings["storage"] = bindingLabel(opts.Storage != nil)
	app.bindings["kv"] = bindingLabel(opts.KV != nil)
	app.bindings["rateLimit"] = bindingLabel(opts.RateLimit != nil || opts.KV != nil)
	app.bindings["notifier"] = bindingLabel(app.Notifier != nil)
	return app
}

// Bindings reports which ports run live adapters vs no-op fallbacks, for
// the diagnostics endpoint.
func (a *App) Bindings() map[string]string {
	out := make(map[string]string, len(a.bindings))
	for k, v := range a.bindings {
		out[k] = v
	}
	return out
}

func bindingLabel(live bool) string {
	if live {
		return "live"
	}
	return "noop"
}
