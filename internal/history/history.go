// Package history keeps a short, per-user conversation log on top of a
// kv.Store list. Storage failures are logged and swallowed: callers always
// get a usable (possibly empty) result.
package history

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/verabot/internal/context"
	"github.com/stupiduntilnot/verabot/internal/kv"
)

const (
	keyNamespace = "chat_history"

	DefaultCap = 20
	DefaultTTL = 24 * time.Hour
)

// Store is the per-user history log.
type Store struct {
	kv     kv.Store
	cap    int
	ttl    time.Duration
	logger *zap.Logger
}

// New returns a Store. Non-positive cap or ttl select the defaults.
func New(store kv.Store, capacity int, ttl time.Duration, logger *zap.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: store, cap: capacity, ttl: ttl, logger: logger.Named("history")}
}

// Append adds msg to the user's log, evicting the oldest entries beyond the
// cap and refreshing the idle expiry.
func (s *Store) Append(ctx context.Context, userID int64, msg ctxpkg.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode history message", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if err := s.kv.ListAppend(ctx, kv.Key(keyNamespace, userID), string(raw), s.cap, s.ttl); err != nil {
		s.logger.Error("append history", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Read returns the last limit messages in chronological order.
func (s *Store) Read(ctx context.Context, userID int64, limit int) []ctxpkg.Message {
	if limit <= 0 {
		return []ctxpkg.Message{}
	}
	raws, err := s.kv.ListRange(ctx, kv.Key(keyNamespace, userID), int64(-limit), -1)
	if err != nil {
		s.logger.Error("read history", zap.Int64("user_id", userID), zap.Error(err))
		return []ctxpkg.Message{}
	}
	out := make([]ctxpkg.Message, 0, len(raws))
	for _, raw := range raws {
		var m ctxpkg.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.logger.Warn("skip undecodable history entry", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out
}

// Clear drops the user's log. Clearing an empty log is not an error.
func (s *Store) Clear(ctx context.Context, userID int64) {
	if err := s.kv.Delete(ctx, kv.Key(keyNamespace, userID)); err != nil {
		s.logger.Error("clear history", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Cap reports the maximum retained length.
func (s *Store) Cap() int { return s.cap }
