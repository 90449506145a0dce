package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/chatrelay/engine"
	"github.com/hrygo/chatrelay/store/db/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection, or every query sees its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db))
	return db
}

func newTestStore(t *testing.T, db *sql.DB, recheckInterval int) *Store {
	t.Helper()
	s := New(db, recheckInterval)
	s.randf = func() float64 { return 0 }
	return s
}

func strptr(s string) *string { return &s }

func userUTM(t *testing.T, db *sql.DB, userID string) sql.NullString {
	t.Helper()
	var utm sql.NullString
	err := db.QueryRow(`SELECT utm_source FROM users WHERE user_id = ?`, userID).Scan(&utm)
	require.NoError(t, err)
	return utm
}

func TestSaveUserUpsert(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	res, err := s.SaveUser(ctx, &engine.UserProfile{UserID: "u1", Username: "alice"})
	require.NoError(t, err)
	require.False(t, res.UTMDegraded)

	_, err = s.SaveUser(ctx, &engine.UserProfile{UserID: "u1", Username: "alice2"})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	require.Equal(t, 1, count)
	var username string
	require.NoError(t, db.QueryRow(`SELECT username FROM users WHERE user_id = 'u1'`).Scan(&username))
	require.Equal(t, "alice2", username)
}

func TestSaveUserUTMSourceWriteOnce(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	_, err := s.SaveUser(ctx, &engine.UserProfile{UserID: "u1", UTMSource: strptr("ads")})
	require.NoError(t, err)
	require.Equal(t, "ads", userUTM(t, db, "u1").String)

	// A later save without a source must not erase the stored one.
	_, err = s.SaveUser(ctx, &engine.UserProfile{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "ads", userUTM(t, db, "u1").String)

	// Nor may a different source overwrite it.
	_, err = s.SaveUser(ctx, &engine.UserProfile{UserID: "u1", UTMSource: strptr("newsletter")})
	require.NoError(t, err)
	require.Equal(t, "ads", userUTM(t, db, "u1").String)
}

func TestSaveUserUTMSourceFillsNullLater(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	_, err := s.SaveUser(ctx, &engine.UserProfile{UserID: "u1"})
	require.NoError(t, err)
	require.False(t, userUTM(t, db, "u1").Valid)

	_, err = s.SaveUser(ctx, &engine.UserProfile{UserID: "u1", UTMSource: strptr("ads")})
	require.NoError(t, err)
	require.Equal(t, "ads", userUTM(t, db, "u1").String)
}

// migrateWithoutUTM builds the schema as an older deployment would have it,
// before the utm_source column existed.
func migrateWithoutUTM(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE users (
			user_id TEXT PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			language_code TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	require.NoError(t, err)
	return db
}

func TestSaveUserDegradesAndRecoversUTMColumn(t *testing.T) {
	db := migrateWithoutUTM(t)
	s := newTestStore(t, db, 3)
	ctx := context.Background()

	// First save hits the missing column, degrades, and still persists.
	res, err := s.SaveUser(ctx, &engine.UserProfile{UserID: "u1", UTMSource: strptr("ads")})
	require.NoError(t, err)
	require.True(t, res.UTMDegraded)
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	require.Equal(t, 1, count)

	// Column comes back (an operator restores the schema).
	_, err = db.Exec(`ALTER TABLE users ADD COLUMN utm_source TEXT`)
	require.NoError(t, err)

	// Still inside the probe interval: reduced path, no utm written.
	res, err = s.SaveUser(ctx, &engine.UserProfile{UserID: "u2", UTMSource: strptr("ads")})
	require.NoError(t, err)
	require.True(t, res.UTMDegraded)
	require.False(t, userUTM(t, db, "u2").Valid)

	// The next save triggers the probe, finds the column, and re-enables it.
	res, err = s.SaveUser(ctx, &engine.UserProfile{UserID: "u3", UTMSource: strptr("ads")})
	require.NoError(t, err)
	require.False(t, res.UTMDegraded)
	require.Equal(t, "ads", userUTM(t, db, "u3").String)
}

func TestAppendMessageDeduplicatesByMetadata(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	msg := &engine.StoredMessage{
		UserID:    "u1",
		ChatID:    "c1",
		Role:      engine.RoleUser,
		Text:      "hi",
		Timestamp: time.Now(),
		Metadata:  map[string]any{"messageId": "m1"},
	}
	require.NoError(t, s.AppendMessage(ctx, msg))
	require.NoError(t, s.AppendMessage(ctx, msg))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestAppendMessageMetadataKeyOrderIrrelevant(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	base := engine.StoredMessage{UserID: "u1", ChatID: "c1", Role: engine.RoleUser, Text: "hi", Timestamp: time.Now()}
	a := base
	a.Metadata = map[string]any{"messageId": "m1", "source": "webhook"}
	b := base
	b.Metadata = map[string]any{"source": "webhook", "messageId": "m1"}
	require.NoError(t, s.AppendMessage(ctx, &a))
	require.NoError(t, s.AppendMessage(ctx, &b))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestAppendMessageEmptyMetadataNeverDedups(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	msg := engine.StoredMessage{UserID: "u1", ChatID: "c1", Role: engine.RoleUser, Text: "hi", Timestamp: time.Now()}
	m1, m2 := msg, msg
	require.NoError(t, s.AppendMessage(ctx, &m1))
	require.NoError(t, s.AppendMessage(ctx, &m2))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestGetRecentMessagesAscendingWithLimit(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(ctx, &engine.StoredMessage{
			UserID: "u1", ChatID: "c1", Role: engine.RoleUser,
			Text: text, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := s.GetRecentMessages(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0].Text)
	require.Equal(t, "three", msgs[1].Text)
	require.Equal(t, base.Add(2*time.Minute), msgs[1].Timestamp)
}

func TestGetRecentMessagesDegradesToEmpty(t *testing.T) {
	db := newTestDB(t)
	s := newTestStore(t, db, 0)
	_, err := db.Exec(`DROP TABLE messages`)
	require.NoError(t, err)

	msgs, err := s.GetRecentMessages(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.NotNil(t, msgs)
	require.Empty(t, msgs)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		msg       string
		retryable bool
	}{
		{"database is locked", true},
		{"connection reset by peer", true},
		{"i/o timeout", true},
		{"SQLITE_CONSTRAINT: UNIQUE constraint failed", false},
		{"no such table: messages", false},
		{"no such column: utm_source", false},
		{"table users has no column named utm_source", false},
		{"near \"SELEC\": syntax error", false},
		{"database disk image is malformed", false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.retryable, isRetryable(errTest(tc.msg)), "message %q", tc.msg)
	}
	require.False(t, isRetryable(nil))
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestCanonicalMetadata(t *testing.T) {
	a, err := canonicalMetadata(map[string]any{"b": 2, "a": map[string]any{"y": 1, "x": 2}})
	require.NoError(t, err)
	b, err := canonicalMetadata(map[string]any{"a": map[string]any{"x": 2, "y": 1}, "b": 2})
	require.NoError(t, err)
	require.Equal(t, a, b)

	empty, err := canonicalMetadata(nil)
	require.NoError(t, err)
	require.Equal(t, "", empty)
}
