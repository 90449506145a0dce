package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/chatrelay/engine"
)

// Outcome kinds emitted by Decode.
type Kind string

const (
	// KindHandled means the request is fully resolved here; the engine does
	// not run. Reply may carry a prebuilt response text.
	KindHandled Kind = "handled"
	// KindMessage carries an IncomingMessage with a route label for the
	// dispatcher between the admin gate and the dialog engine.
	KindMessage Kind = "message"
	// KindNonText carries chat coordinates and a canned reply for
	// voice/media updates.
	KindNonText Kind = "non_text"
)

// Routes for KindMessage.
const (
	RouteText    = "text"
	RouteCommand = "command"
)

// Canned replies for non-text updates.
const (
	ReplyVoice = "🔇 👉📝"
	ReplyMedia = "🖼️❌ 👉📝"
)

// startDedupTTL suppresses duplicate /start deliveries of the same update.
const startDedupTTL = 60 * time.Second

// Decoded is the outcome of decoding one update body.
type Decoded struct {
	Kind     Kind
	Route    string
	Reply    string
	Message  *engine.IncomingMessage
	Chat     engine.ChatRef
	UpdateID string
	Snapshot Snapshot
}

// flexID accepts a JSON string or number and keeps the textual form.
// After QuoteBigInts large integers arrive as strings already; small ones
// are still numbers and are stringified here.
type flexID struct {
	value   string
	present bool
}

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f.value, f.present = s, true
		return nil
	}
	f.value, f.present = string(data), true
	return nil
}

type rawUpdate struct {
	UpdateID flexID      `json:"update_id"`
	Message  *rawMessage `json:"message"`
}

type rawMessage struct {
	MessageID flexID   `json:"message_id"`
	From      *rawUser `json:"from"`
	Chat      *rawChat `json:"chat"`
	ThreadID  flexID   `json:"message_thread_id"`
	Date      int64    `json:"date"`
	Text      string   `json:"text"`

	Voice     json.RawMessage `json:"voice"`
	VideoNote json.RawMessage `json:"video_note"`
	Photo     json.RawMessage `json:"photo"`
	Document  json.RawMessage `json:"document"`
	Video     json.RawMessage `json:"video"`
	Audio     json.RawMessage `json:"audio"`
	Sticker   json.RawMessage `json:"sticker"`
	Animation json.RawMessage `json:"animation"`
}

type rawUser struct {
	ID           flexID `json:"id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
	IsBot        bool   `json:"is_bot"`
}

type rawChat struct {
	ID flexID `json:"id"`
}

// Decoder turns raw update bodies into routing outcomes. The KV store backs
// /start deduplication; the keeper retains the last snapshot for diag.
type Decoder struct {
	kv     engine.KV
	keeper *SnapshotKeeper
	now    func() time.Time
}

func NewDecoder(kv engine.KV, keeper *SnapshotKeeper) *Decoder {
	if keeper == nil {
		keeper = &SnapshotKeeper{}
	}
	return &Decoder{kv: kv, keeper: keeper, now: time.Now}
}

// Keeper exposes the snapshot keeper for the diagnostics routes.
func (d *Decoder) Keeper() *SnapshotKeeper { return d.keeper }

// Decode parses body (already big-int safe via QuoteBigInts) and classifies
// the update. It returns an error only for malformed JSON or an ID safety
// violation.
func (d *Decoder) Decode(ctx context.Context, body []byte) (*Decoded, error) {
	var upd rawUpdate
	if err := json.Unmarshal(QuoteBigInts(body), &upd); err != nil {
		return nil, fmt.Errorf("webhook: invalid update body: %w", err)
	}

	snap := Snapshot{UpdateID: upd.UpdateID.value, ReceivedAt: d.now()}

	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		// Edits, channel posts, bot echoes: acknowledged, not processed.
		d.keeper.Record(snap)
		return &Decoded{Kind: KindHandled, UpdateID: upd.UpdateID.value, Snapshot: snap}, nil
	}

	if msg.Chat.ID.present {
		snap.ChatIDRaw = msg.Chat.ID.value
		snap.ChatIDUsed = msg.Chat.ID.value
	}
	if err := snap.Verify(); err != nil {
		d.keeper.Record(snap)
		return nil, err
	}

	chat := engine.ChatRef{ID: msg.Chat.ID.value, ThreadID: msg.ThreadID.value}
	out := &Decoded{Chat: chat, UpdateID: upd.UpdateID.value}

	switch {
	case msg.Voice != nil || msg.VideoNote != nil:
		out.Kind, out.Reply = KindNonText, ReplyVoice
	case msg.Photo != nil || msg.Document != nil || msg.Video != nil ||
		msg.Audio != nil || msg.Sticker != nil || msg.Animation != nil:
		out.Kind, out.Reply = KindNonText, ReplyMedia
	case msg.Text == "":
		out.Kind = KindHandled
	default:
		out.Kind = KindMessage
		out.Route = RouteText
		if strings.HasPrefix(msg.Text, "/") {
			out.Route = RouteCommand
		}
		out.Message = d.buildIncoming(msg, chat)

		if isStartCommand(msg.Text) && d.duplicateStart(ctx, upd.UpdateID.value) {
			out.Kind, out.Route, out.Message = KindHandled, "", nil
		}
	}

	snap.Route = out.Route
	out.Snapshot = snap
	d.keeper.Record(snap)
	return out, nil
}

func (d *Decoder) buildIncoming(msg *rawMessage, chat engine.ChatRef) *engine.IncomingMessage {
	user := engine.UserProfile{
		UserID:       msg.From.ID.value,
		Username:     msg.From.Username,
		FirstName:    msg.From.FirstName,
		LastName:     msg.From.LastName,
		LanguageCode: msg.From.LanguageCode,
	}
	// Deep-link payload on /start carries the acquisition source.
	if payload, ok := startPayload(msg.Text); ok {
		user.UTMSource = &payload
	}

	receivedAt := d.now().UTC()
	if msg.Date > 0 {
		receivedAt = time.Unix(msg.Date, 0).UTC()
	}
	return &engine.IncomingMessage{
		User:       user,
		Chat:       chat,
		Text:       msg.Text,
		MessageID:  msg.MessageID.value,
		ReceivedAt: receivedAt,
	}
}

// duplicateStart reports whether this /start update was already seen in the
// dedup window. KV failure counts as not duplicate.
func (d *Decoder) duplicateStart(ctx context.Context, updateID string) bool {
	if updateID == "" {
		return false
	}
	key := "dedup:start:" + updateID
	duplicate := false
	err := d.kv.Update(ctx, key, func(_ string, found bool) (string, time.Duration, bool) {
		if found {
			duplicate = true
			return "", 0, false
		}
		return "1", startDedupTTL, true
	})
	if err != nil {
		slog.Warn("webhook: start dedup check failed", "update_id", updateID, "error", err)
		return false
	}
	if duplicate {
		slog.Info("webhook: suppressed duplicate /start", "update_id", updateID)
	}
	return duplicate
}

func isStartCommand(text string) bool {
	return text == "/start" || strings.HasPrefix(text, "/start ")
}

func startPayload(text string) (string, bool) {
	if !strings.HasPrefix(text, "/start ") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, "/start "))
	return payload, payload != ""
}
