package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/chatrelay/engine"
)

// KVStore implements engine.KV on the kv table with lazy expiry: reads of
// expired entries delete them and report not found.
type KVStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewKV creates a KV store over db.
func NewKV(db *sql.DB) *KVStore {
	return &KVStore{db: db, now: time.Now}
}

func (k *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value     string
		expiresAt sql.NullInt64
	)
	err := k.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "kv get failed")
	}
	if expiresAt.Valid && expiresAt.Int64 <= k.now().UnixNano() {
		// Expired entry; drop it on the way out.
		_, _ = k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

func (k *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = k.now().Add(ttl).UnixNano()
	}
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return errors.Wrap(err, "kv set failed")
}

func (k *KVStore) Delete(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrap(err, "kv delete failed")
}

// DeletePrefix removes every key with the given prefix and returns the
// number of deleted entries.
func (k *KVStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := k.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key GLOB ?`, escapeGlob(prefix)+"*",
	)
	if err != nil {
		return 0, errors.Wrap(err, "kv delete prefix failed")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "kv delete prefix failed")
}

// Update runs fn against the current entry inside a transaction. A zero ttl
// keeps the existing expiry on an existing key; on a fresh key it means no
// expiry.
func (k *KVStore) Update(ctx context.Context, key string, fn func(old string, found bool) (next string, ttl time.Duration, keep bool)) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "kv update failed")
	}
	defer tx.Rollback()

	var (
		value     string
		expiresAt sql.NullInt64
		found     = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return errors.Wrap(err, "kv update failed")
	}
	if found && expiresAt.Valid && expiresAt.Int64 <= k.now().UnixNano() {
		value, found = "", false
		expiresAt = sql.NullInt64{}
	}

	next, ttl, keep := fn(value, found)
	if !keep {
		return nil
	}

	newExpiry := expiresAt
	if ttl > 0 {
		newExpiry = sql.NullInt64{Int64: k.now().Add(ttl).UnixNano(), Valid: true}
	} else if !found {
		newExpiry = sql.NullInt64{}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, next, nullableInt(newExpiry))
	if err != nil {
		return errors.Wrap(err, "kv update failed")
	}
	return errors.Wrap(tx.Commit(), "kv update failed")
}

func nullableInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}

// escapeGlob neutralizes GLOB metacharacters in a literal prefix.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']':
			out = append(out, '[', s[i], ']')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

var _ engine.KV = (*KVStore)(nil)
