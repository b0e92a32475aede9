// Package kv defines the key-value primitives the bot persists through:
// capped lists, scalar values, counters and key expiry. Keys are plain
// strings namespaced per user, e.g. "chat_history:42".
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is implemented by every storage backend.
type Store interface {
	// ListAppend appends value to the list at key, trims the list to its
	// newest capacity entries (capacity <= 0 keeps everything) and, when
	// ttl > 0, resets the key's expiry. The effects are applied atomically.
	ListAppend(ctx context.Context, key, value string, capacity int, ttl time.Duration) error
	// ListRange returns list entries between start and stop inclusive.
	// Negative indexes count from the tail, -1 being the last entry.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// ListRemove removes up to count entries equal to value, oldest first.
	// count == 0 removes all of them. It returns the number removed.
	ListRemove(ctx context.Context, key, value string, count int64) (int64, error)

	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 clears any previous expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the integer at key, starting from zero.
	Incr(ctx context.Context, key string) (int64, error)

	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// Key joins a namespace and a user id: Key("notes", 42) == "notes:42".
func Key(namespace string, userID int64) string {
	return fmt.Sprintf("%s:%d", namespace, userID)
}
