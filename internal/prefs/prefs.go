// Package prefs stores small per-user preferences such as the persona
// variant and the chat model override.
package prefs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/verabot/internal/kv"
)

// Preference keys.
const (
	Mode  = "user_mode"
	Model = "user_model"
)

// Store reads and writes preferences with per-key defaults.
type Store struct {
	kv       kv.Store
	defaults map[string]string
	logger   *zap.Logger
}

func New(store kv.Store, defaults map[string]string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Store{kv: store, defaults: d, logger: logger.Named("prefs")}
}

// Get returns the stored value or the key's default. Storage errors are
// logged and yield the default.
func (s *Store) Get(ctx context.Context, userID int64, key string) string {
	v, err := s.kv.Get(ctx, kv.Key(key, userID))
	if err == nil && v != "" {
		return v
	}
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		s.logger.Error("read preference", zap.Int64("user_id", userID), zap.String("key", key), zap.Error(err))
	}
	return s.defaults[key]
}

// Set stores a preference without expiry.
func (s *Store) Set(ctx context.Context, userID int64, key, value string) error {
	return s.kv.Set(ctx, kv.Key(key, userID), value, 0)
}

// Reset removes the stored value so the default applies again.
func (s *Store) Reset(ctx context.Context, userID int64, key string) error {
	return s.kv.Delete(ctx, kv.Key(key, userID))
}
