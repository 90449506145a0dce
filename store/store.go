package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/chatrelay/engine"
)

// DefaultUTMRecheckInterval is how many degraded save attempts pass between
// schema probes for the utm_source column.
const DefaultUTMRecheckInterval = 25

// Store implements engine.Storage over a SQL database with the retry
// controller and utm_source schema degradation.
type Store struct {
	db                 *sql.DB
	utmRecheckInterval int
	randf              func() float64
	now                func() time.Time

	utmMu           sync.Mutex
	utmDegraded     bool
	savesSinceProbe int
}

// New creates a store. recheckInterval <= 0 falls back to the default.
func New(db *sql.DB, recheckInterval int) *Store {
	if recheckInterval <= 0 {
		recheckInterval = DefaultUTMRecheckInterval
	}
	return &Store{
		db:                 db,
		utmRecheckInterval: recheckInterval,
		randf:              defaultRand,
		now:                time.Now,
	}
}

// SaveUser upserts the user by user_id. utm_source is write-once-wins: a
// stored non-null value survives a null (or different) incoming one. When
// the utm_source column is missing from the schema the store degrades to
// the reduced column set and periodically probes for the column's return.
func (s *Store) SaveUser(ctx context.Context, user *engine.UserProfile) (engine.SaveUserResult, error) {
	metadata, err := canonicalMetadata(user.Metadata)
	if err != nil {
		return engine.SaveUserResult{UTMDegraded: s.isUTMDegraded()}, err
	}

	err = s.withRetry(ctx, "save user", func() error {
		if s.utmUsable(ctx) {
			err := s.saveUserFull(ctx, user, metadata)
			if err != nil && isMissingUTMColumn(err) {
				slog.Warn("store: no such column utm_source, disabling usage")
				s.setUTMDegraded(true)
				return s.saveUserReduced(ctx, user, metadata)
			}
			return err
		}
		return s.saveUserReduced(ctx, user, metadata)
	})
	return engine.SaveUserResult{UTMDegraded: s.isUTMDegraded()}, err
}

func (s *Store) saveUserFull(ctx context.Context, user *engine.UserProfile, metadata string) error {
	query := `
		INSERT INTO users (user_id, username, first_name, last_name, language_code, utm_source, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			utm_source = COALESCE(users.utm_source, excluded.utm_source),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	now := s.now().Unix()
	var utm any
	if user.UTMSource != nil {
		utm = *user.UTMSource
	}
	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.FirstName, user.LastName,
		user.LanguageCode, utm, metadata, now, now,
	)
	return err
}

func (s *Store) saveUserReduced(ctx context.Context, user *engine.UserProfile, metadata string) error {
	query := `
		INSERT INTO users (user_id, username, first_name, last_name, language_code, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.FirstName, user.LastName,
		user.LanguageCode, metadata, now, now,
	)
	return err
}

// utmUsable reports whether the full statement should be used, running the
// periodic schema probe while degraded. The probe counter resets on every
// probe regardless of outcome.
func (s *Store) utmUsable(ctx context.Context) bool {
	s.utmMu.Lock()
	defer s.utmMu.Unlock()
	if !s.utmDegraded {
		return true
	}
	s.savesSinceProbe++
	if s.savesSinceProbe < s.utmRecheckInterval-1 {
		return false
	}
	s.savesSinceProbe = 0
	if s.probeUTMColumn(ctx) {
		slog.Info("store: utm_source column restored, re-enabling usage")
		s.utmDegraded = false
		return true
	}
	return false
}

// probeUTMColumn introspects the users table for utm_source.
func (s *Store) probeUTMColumn(ctx context.Context) bool {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(users)`)
	if err != nil {
		slog.Warn("store: utm schema probe failed", "error", err)
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == "utm_source" {
			return true
		}
	}
	return false
}

func (s *Store) setUTMDegraded(v bool) {
	s.utmMu.Lock()
	s.utmDegraded = v
	s.savesSinceProbe = 0
	s.utmMu.Unlock()
}

func (s *Store) isUTMDegraded() bool {
	s.utmMu.Lock()
	defer s.utmMu.Unlock()
	return s.utmDegraded
}

func isMissingUTMColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such column") && strings.Contains(msg, "utm_source") ||
		strings.Contains(msg, "has no column named utm_source")
}

// AppendMessage inserts one conversation turn. Messages whose canonical
// metadata already exists for the user are treated as duplicates and
// skipped, making the operation idempotent.
func (s *Store) AppendMessage(ctx context.Context, msg *engine.StoredMessage) error {
	metadata, err := canonicalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "append message", func() error {
		if metadata != "" {
			var existing int64
			err := s.db.QueryRowContext(ctx,
				`SELECT id FROM messages WHERE user_id = ? AND metadata = ? LIMIT 1`,
				msg.UserID, metadata,
			).Scan(&existing)
			if err == nil {
				slog.Debug("store: skipping duplicate message", "user_id", msg.UserID, "id", existing)
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		query := `
			INSERT INTO messages (user_id, chat_id, thread_id, role, text, timestamp, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			msg.UserID, msg.ChatID, msg.ThreadID, msg.Role, msg.Text,
			msg.Timestamp.UTC().UnixNano(), metadata, s.now().Unix(),
		)
		return err
	})
}

// GetRecentMessages returns at most limit messages for the user, ascending
// by timestamp. Backend failure degrades to an empty slice.
func (s *Store) GetRecentMessages(ctx context.Context, userID string, limit int) ([]engine.StoredMessage, error) {
	query := `
		SELECT id, user_id, chat_id, thread_id, role, text, timestamp, metadata
		FROM messages
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		slog.Error("store: failed to load recent messages", "user_id", userID, "error", err)
		return []engine.StoredMessage{}, nil
	}
	defer rows.Close()

	var msgs []engine.StoredMessage
	for rows.Next() {
		var (
			m        engine.StoredMessage
			threadID sql.NullString
			ts       int64
			metadata sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChatID, &threadID, &m.Role, &m.Text, &ts, &metadata); err != nil {
			slog.Error("store: failed to scan message row", "user_id", userID, "error", err)
			return []engine.StoredMessage{}, nil
		}
		m.ThreadID = threadID.String
		m.Timestamp = time.Unix(0, ts).UTC()
		m.Metadata = parseMetadata(metadata.String)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error("store: failed to iterate message rows", "user_id", userID, "error", err)
		return []engine.StoredMessage{}, nil
	}

	// Newest-first from the query; callers want ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

var _ engine.Storage = (*Store)(nil)
