package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/store"
)

// Export limits.
const (
	exportPageSize   = 1000
	exportRowLimit   = 5000
	exportCooldown   = 60 * time.Second
	exportDateLayout = "2006-01-02"
)

// Exporter is the storage surface the export command consumes.
type Exporter interface {
	ExportMessages(ctx context.Context, from, to time.Time, limit int, cursor int64) (*store.ExportPage, error)
}

// CommandResult is the outcome of one gated command. Status carries an
// HTTP-style code for the webhook response and telemetry; Handled=false
// means the text was not a known command and the dialog engine should run.
type CommandResult struct {
	Handled bool
	Status  int
	Reply   string
}

// Gate routes slash commands: registry match, role enforcement, cooldowns,
// export assembly and broadcast fan-out.
type Gate struct {
	registry  *Registry
	whitelist *WhitelistCache
	kv        engine.KV
	messaging engine.Messaging
	exporter  Exporter
	rateLimit engine.RateLimiter
	role      DetermineCommandRole
	status    func() string
	now       func() time.Time
}

// Options configures the gate. Role defaults to a whitelist lookup; Status
// supplies the /admin status text.
type Options struct {
	Whitelist *WhitelistCache
	KV        engine.KV
	Messaging engine.Messaging
	Exporter  Exporter
	RateLimit engine.RateLimiter
	Role      DetermineCommandRole
	Status    func() string
}

func NewGate(opts Options) *Gate {
	g := &Gate{
		registry:  NewRegistry(),
		whitelist: opts.Whitelist,
		kv:        opts.KV,
		messaging: opts.Messaging,
		exporter:  opts.Exporter,
		rateLimit: opts.RateLimit,
		role:      opts.Role,
		status:    opts.Status,
		now:       time.Now,
	}
	if g.rateLimit == nil {
		g.rateLimit = engine.NoopRateLimiter{}
	}
	if g.role == nil {
		g.role = func(ctx context.Context, userID, _ string) Role {
			if g.whitelist != nil && g.whitelist.IsAdmin(ctx, userID) {
				return RoleAdmin
			}
			return RoleNone
		}
	}
	return g
}

// HandleCommand processes one inbound command message.
func (g *Gate) HandleCommand(ctx context.Context, in *engine.IncomingMessage) (*CommandResult, error) {
	cmd, args, required, known := g.registry.Lookup(in.Text)
	if !known {
		return &CommandResult{Handled: false}, nil
	}

	if required != RoleNone {
		role := g.role(ctx, in.User.UserID, cmd)
		if role != required {
			if cmd == "/export" {
				// Silent for probing users.
				return &CommandResult{Handled: true, Status: 403}, nil
			}
			reply := roleMismatchMessage(in.User.LanguageCode)
			g.reply(ctx, in, cmd, reply)
			return &CommandResult{Handled: true, Status: 403, Reply: reply}, nil
		}
	}

	switch cmd {
	case "/start":
		reply := welcomeMessage(in.User.LanguageCode)
		g.reply(ctx, in, cmd, reply)
		return &CommandResult{Handled: true, Status: 200, Reply: reply}, nil
	case "/admin":
		return g.handleAdmin(ctx, in, args)
	case "/export":
		return g.handleExport(ctx, in, args)
	case "/broadcast":
		return g.handleBroadcast(ctx, in, args)
	}
	return &CommandResult{Handled: false}, nil
}

func (g *Gate) handleAdmin(ctx context.Context, in *engine.IncomingMessage, args string) (*CommandResult, error) {
	var reply string
	switch args {
	case "":
		reply = "Admin commands: /admin status, /export [from] [to], /broadcast <text>"
	case "status":
		reply = "chatrelay is up."
		if g.status != nil {
			reply = g.status()
		}
	default:
		reply = fmt.Sprintf("Unknown admin subcommand: %q", args)
		g.reply(ctx, in, "/admin", reply)
		return &CommandResult{Handled: true, Status: 400, Reply: reply}, nil
	}
	g.reply(ctx, in, "/admin", reply)
	return &CommandResult{Handled: true, Status: 200, Reply: reply}, nil
}

// cooldownEntry guards the export command. NoticeSentAt keeps the
// "wait 60 seconds" message to one per window.
type cooldownEntry struct {
	ExpiresAt    int64 `json:"expiresAt"`
	NoticeSentAt int64 `json:"noticeSentAt,omitempty"`
}

func (g *Gate) handleExport(ctx context.Context, in *engine.IncomingMessage, args string) (*CommandResult, error) {
	from, to, err := parseExportRange(args, g.now().UTC())
	if err != nil {
		reply := "Invalid export range. Usage: /export [yyyy-mm-dd] [yyyy-mm-dd]"
		g.reply(ctx, in, "/export", reply)
		g.recordError(ctx, in.User.UserID, "/export", 400, err.Error())
		return &CommandResult{Handled: true, Status: 400, Reply: reply}, nil
	}

	if g.rateLimit.CheckAndIncrement(ctx, in.User.UserID, "admin_export") == engine.DecisionLimited {
		g.recordError(ctx, in.User.UserID, "/export", 429, "admin export scope exhausted")
		return &CommandResult{Handled: true, Status: 429}, nil
	}

	proceed, notice := g.checkCooldown(ctx, in.User.UserID)
	if !proceed {
		if notice {
			g.reply(ctx, in, "/export", "Please wait 60 seconds between exports.")
		}
		return &CommandResult{Handled: true, Status: 429}, nil
	}

	csv, rowCount, truncated, utmSources, err := g.collectExport(ctx, from, to)
	if err != nil {
		slog.Error("admin: export failed", "user_id", in.User.UserID, "error", err)
		g.reply(ctx, in, "/export", "Export failed, please try again later.")
		g.recordError(ctx, in.User.UserID, "/export", 502, err.Error())
		return &CommandResult{Handled: true, Status: 502}, nil
	}

	if rowCount == 0 {
		reply := "No messages in the requested range."
		g.reply(ctx, in, "/export", reply)
		return &CommandResult{Handled: true, Status: 200, Reply: reply}, nil
	}

	uploader, ok := g.messaging.(engine.DocumentUploader)
	if !ok {
		g.recordError(ctx, in.User.UserID, "/export", 502, "no document upload capability")
		return &CommandResult{Handled: true, Status: 502}, nil
	}
	filename := fmt.Sprintf("export-%s-%s.csv", from.Format(exportDateLayout), to.Format(exportDateLayout))
	if _, err := uploader.SendDocument(ctx, in.Chat, filename, csv); err != nil {
		slog.Error("admin: export upload failed", "user_id", in.User.UserID, "error", err)
		g.recordError(ctx, in.User.UserID, "/export", 502, err.Error())
		return &CommandResult{Handled: true, Status: 502}, nil
	}
	if truncated {
		g.reply(ctx, in, "/export", fmt.Sprintf("Export truncated at %d rows. Narrow the date range for the rest.", exportRowLimit))
	}

	g.auditExport(ctx, in.User.UserID, in.Chat.ID, from, to, rowCount, utmSources)
	return &CommandResult{Handled: true, Status: 200}, nil
}

// checkCooldown enforces the 60 second export cooldown. proceed=false with
// notice=true means this hit should produce the single per-window notice.
func (g *Gate) checkCooldown(ctx context.Context, userID string) (proceed, notice bool) {
	key := "rate-limit:" + userID
	nowNano := g.now().UnixNano()
	err := g.kv.Update(ctx, key, func(old string, found bool) (string, time.Duration, bool) {
		var entry cooldownEntry
		if found {
			_ = json.Unmarshal([]byte(old), &entry)
		}
		if found && entry.ExpiresAt > nowNano {
			if entry.NoticeSentAt == 0 {
				notice = true
				entry.NoticeSentAt = nowNano
				raw, _ := json.Marshal(entry)
				return string(raw), 0, true
			}
			return "", 0, false
		}
		proceed = true
		raw, _ := json.Marshal(cooldownEntry{ExpiresAt: nowNano + exportCooldown.Nanoseconds()})
		return string(raw), exportCooldown, true
	})
	if err != nil {
		slog.Warn("admin: export cooldown check failed, proceeding", "user_id", userID, "error", err)
		return true, false
	}
	return proceed, notice
}

// collectExport runs the paged export loop and merges pages into one CSV,
// keeping the first page's header.
func (g *Gate) collectExport(ctx context.Context, from, to time.Time) (csv []byte, rowCount int, truncated bool, utmSources []string, err error) {
	var (
		cursor  int64
		merged  []byte
		seenUTM = map[string]bool{}
	)
	for rowCount < exportRowLimit {
		pageSize := exportPageSize
		if remaining := exportRowLimit - rowCount; remaining < pageSize {
			pageSize = remaining
		}
		page, err := g.exporter.ExportMessages(ctx, from, to, pageSize, cursor)
		if err != nil {
			return nil, 0, false, nil, err
		}
		merged = appendCSVPage(merged, page.CSV)
		rowCount += page.RowCount
		for _, utm := range page.UTMSources {
			if !seenUTM[utm] {
				seenUTM[utm] = true
				utmSources = append(utmSources, utm)
			}
		}
		if page.NextCursor == 0 {
			return merged, rowCount, false, utmSources, nil
		}
		cursor = page.NextCursor
	}
	return merged, rowCount, true, utmSources, nil
}

// appendCSVPage merges a page into the accumulator, stripping the header
// line on every page but the first.
func appendCSVPage(merged, page []byte) []byte {
	if len(merged) == 0 {
		return append(merged, page...)
	}
	for i, c := range page {
		if c == '\n' {
			return append(merged, page[i+1:]...)
		}
	}
	return merged
}

// parseExportRange parses "/export [from] [to]". Missing from defaults to
// 31 days back; missing to defaults to tomorrow (so today is included).
// from must not exceed to; to is exclusive at day granularity.
func parseExportRange(args string, now time.Time) (from, to time.Time, err error) {
	fields := strings.Fields(args)
	to = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	from = to.Add(-31 * 24 * time.Hour)
	if len(fields) > 2 {
		return from, to, fmt.Errorf("too many arguments")
	}
	if len(fields) >= 1 {
		from, err = time.Parse(exportDateLayout, fields[0])
		if err != nil {
			return from, to, fmt.Errorf("invalid from date %q", fields[0])
		}
	}
	if len(fields) == 2 {
		parsedTo, err := time.Parse(exportDateLayout, fields[1])
		if err != nil {
			return from, to, fmt.Errorf("invalid to date %q", fields[1])
		}
		// from=to exports one day.
		to = parsedTo.Add(24 * time.Hour)
	}
	if from.After(to.Add(-24 * time.Hour)) {
		return from, to, fmt.Errorf("from is after to")
	}
	return from, to, nil
}

// reply sends text to the command's chat. Failures are never surfaced to
// the webhook caller; they feed the telemetry path instead.
func (g *Gate) reply(ctx context.Context, in *engine.IncomingMessage, cmd, text string) {
	if _, err := g.messaging.SendText(ctx, in.Chat, text); err != nil {
		slog.Warn("admin: command reply failed", "command", cmd, "user_id", in.User.UserID, "error", err)
		g.recordError(ctx, in.User.UserID, cmd, statusOf(err), err.Error())
	}
}

func statusOf(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 502
}

func roleMismatchMessage(languageCode string) string {
	switch languageCode {
	case "ru":
		return "Эта команда доступна только администраторам."
	default:
		return "This command is restricted to administrators."
	}
}

func welcomeMessage(languageCode string) string {
	switch languageCode {
	case "ru":
		return "Привет! Напишите сообщение, и я отвечу."
	default:
		return "Hi! Send me a message and I'll reply."
	}
}
