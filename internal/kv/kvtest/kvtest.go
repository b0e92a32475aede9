// Package kvtest is a conformance suite shared by kv.Store implementations.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/verabot/internal/kv"
)

// Factory returns a fresh empty store and a function that moves the
// store's clock forward.
type Factory func(t *testing.T) (store kv.Store, advance func(time.Duration))

// Run exercises every kv.Store primitive.
func Run(t *testing.T, newStore Factory) {
	t.Run("ListAppendCapsOldestFirst", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 7; i++ {
			require.NoError(t, s.ListAppend(ctx, "l", fmt.Sprint(i), 5, 0))
		}
		got, err := s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "4", "5", "6", "7"}, got)
	})

	t.Run("ListRangeNegativeIndexes", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		for _, v := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.ListAppend(ctx, "l", v, 0, 0))
		}
		got, err := s.ListRange(ctx, "l", -2, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, got)

		got, err = s.ListRange(ctx, "l", -10, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, got)

		got, err = s.ListRange(ctx, "missing", -5, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ListRemoveSingleOccurrence", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		for _, v := range []string{"x", "y", "x"} {
			require.NoError(t, s.ListAppend(ctx, "l", v, 0, 0))
		}
		n, err := s.ListRemove(ctx, "l", "x", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		got, err := s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"y", "x"}, got)

		n, err = s.ListRemove(ctx, "l", "nope", 1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ListExpiresAfterTTL", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.ListAppend(ctx, "l", "a", 0, time.Hour))
		advance(30 * time.Minute)
		require.NoError(t, s.ListAppend(ctx, "l", "b", 0, time.Hour))
		advance(45 * time.Minute)
		got, err := s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got, "append must refresh the ttl")

		advance(2 * time.Hour)
		got, err = s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("GetSetAndMissing", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		_, err := s.Get(ctx, "k")
		assert.True(t, errors.Is(err, kv.ErrNotFound))

		require.NoError(t, s.Set(ctx, "k", "v1", 0))
		require.NoError(t, s.Set(ctx, "k", "v2", 0))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
	})

	t.Run("SetWithTTL", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
		advance(2 * time.Minute)
		_, err := s.Get(ctx, "k")
		assert.True(t, errors.Is(err, kv.ErrNotFound))
	})

	t.Run("IncrIsMonotonic", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			got, err := s.Incr(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.ListAppend(ctx, "l", "a", 0, 0))
		_, err := s.Incr(ctx, "c")
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "l", "c"))
		require.NoError(t, s.Delete(ctx, "l", "c", "never-existed"))

		got, err := s.ListRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
		n, err := s.Incr(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "counter restarts after delete")
	})

	t.Run("ExpireExistingKey", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", "v", 0))
		require.NoError(t, s.Expire(ctx, "k", time.Minute))
		require.NoError(t, s.Expire(ctx, "absent", time.Minute))
		advance(time.Hour)
		_, err := s.Get(ctx, "k")
		assert.True(t, errors.Is(err, kv.ErrNotFound))
	})
}
