// Package sqlitekv implements kv.Store on the SQLite tables created by
// db.InitSchema. Expiry is evaluated lazily whenever a key is touched.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stupiduntilnot/verabot/internal/kv"
)

// Store is a kv.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an opened database whose schema is already initialized.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ kv.Store = (*Store)(nil)

func (s *Store) ListAppend(ctx context.Context, key, value string, capacity int, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("list append %s: %w", key, err)
		}
		if capacity > 0 {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM kv_lists WHERE key = ? AND id NOT IN (
					SELECT id FROM kv_lists WHERE key = ? ORDER BY id DESC LIMIT ?
				)`, key, key, capacity)
			if err != nil {
				return fmt.Errorf("list trim %s: %w", key, err)
			}
		}
		if ttl > 0 {
			return s.setExpiry(ctx, tx, key, ttl)
		}
		return nil
	})
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		var n int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n); err != nil {
			return fmt.Errorf("list len %s: %w", key, err)
		}
		from, to, ok := normalizeRange(start, stop, n)
		if !ok {
			return nil
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT value FROM kv_lists WHERE key = ? ORDER BY id LIMIT ? OFFSET ?`,
			key, to-from+1, from)
		if err != nil {
			return fmt.Errorf("list range %s: %w", key, err)
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) ListRemove(ctx context.Context, key, value string, count int64) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		limit := count
		if limit <= 0 {
			limit = -1
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM kv_lists WHERE id IN (
				SELECT id FROM kv_lists WHERE key = ? AND value = ? ORDER BY id LIMIT ?
			)`, key, value, limit)
		if err != nil {
			return fmt.Errorf("list remove %s: %w", key, err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_values WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return kv.ErrNotFound
		}
		return err
	})
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv_values (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		if ttl > 0 {
			return s.setExpiry(ctx, tx, key, ttl)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM kv_expiry WHERE key = ?`, key)
		return err
	})
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var next int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_values WHERE key = ?`, key).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			next = 1
		case err != nil:
			return err
		default:
			cur, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				return fmt.Errorf("incr %s: value is not an integer", key)
			}
			next = cur + 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv_values (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, strconv.FormatInt(next, 10))
		return err
	})
	return next, err
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if err := deleteKey(ctx, tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM kv_lists WHERE key = ?) OR EXISTS(SELECT 1 FROM kv_values WHERE key = ?)`,
			key, key).Scan(&exists)
		if err != nil || exists == 0 {
			return err
		}
		if ttl <= 0 {
			return deleteKey(ctx, tx, key)
		}
		return s.setExpiry(ctx, tx, key, ttl)
	})
}

// Close is a no-op; the database handle belongs to the caller.
func (s *Store) Close() error { return nil }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) setExpiry(ctx context.Context, tx *sql.Tx, key string, ttl time.Duration) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv_expiry (key, expires_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, s.now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) purgeExpired(ctx context.Context, tx *sql.Tx, key string) error {
	var expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT expires_at FROM kv_expiry WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if expiresAt > s.now().UnixMilli() {
		return nil
	}
	return deleteKey(ctx, tx, key)
}

func deleteKey(ctx context.Context, tx *sql.Tx, key string) error {
	for _, q := range []string{
		`DELETE FROM kv_lists WHERE key = ?`,
		`DELETE FROM kv_values WHERE key = ?`,
		`DELETE FROM kv_expiry WHERE key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// normalizeRange maps Redis-style inclusive indexes onto [0, n).
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
