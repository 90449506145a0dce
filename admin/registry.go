// Package admin implements the command gate: registry and role matching,
// whitelist cache, export cooldown and pagination, broadcast fan-out and
// error telemetry.
package admin

import (
	"context"
	"strings"
)

// Role of a user with respect to a scoped command.
type Role string

const (
	RoleNone  Role = ""
	RoleAdmin Role = "admin"
)

// DetermineCommandRole resolves a user's role for a scoped command. The
// default implementation consults the whitelist cache; tests inject their
// own.
type DetermineCommandRole func(ctx context.Context, userID, command string) Role

// Registry tracks which commands exist and which require a role.
type Registry struct {
	global map[string]bool
	scoped map[string]Role
}

// NewRegistry returns the production command set: /start for everyone,
// the admin commands scoped.
func NewRegistry() *Registry {
	return &Registry{
		global: map[string]bool{
			"/start": true,
		},
		scoped: map[string]Role{
			"/admin":     RoleAdmin,
			"/export":    RoleAdmin,
			"/broadcast": RoleAdmin,
		},
	}
}

// Lookup splits text into command and arguments and classifies the command.
// known=false means the text is not a registered command.
func (r *Registry) Lookup(text string) (cmd, args string, required Role, known bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", RoleNone, false
	}
	cmd, args, _ = strings.Cut(text, " ")
	// Strip the bot-mention suffix form "/cmd@botname".
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(args)
	if r.global[cmd] {
		return cmd, args, RoleNone, true
	}
	if role, ok := r.scoped[cmd]; ok {
		return cmd, args, role, true
	}
	return cmd, args, RoleNone, false
}
