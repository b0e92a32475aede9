package prefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/verabot/internal/kv"
	"github.com/stupiduntilnot/verabot/internal/kv/rediskv"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(rediskv.New(client), map[string]string{Mode: "cute"}, nil)
}

func TestGet_DefaultWhenUnset(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, "cute", s.Get(context.Background(), 1, Mode))
	assert.Equal(t, "", s.Get(context.Background(), 1, Model))
}

func TestSetGetReset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, 1, Mode, "pro"))
	assert.Equal(t, "pro", s.Get(ctx, 1, Mode))
	assert.Equal(t, "cute", s.Get(ctx, 2, Mode))

	require.NoError(t, s.Reset(ctx, 1, Mode))
	assert.Equal(t, "cute", s.Get(ctx, 1, Mode))
}

type brokenKV struct{ kv.Store }

func (brokenKV) Get(context.Context, string) (string, error) {
	return "", errors.New("timeout")
}
func (brokenKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("timeout")
}

func TestGet_BackendErrorFallsBackToDefault(t *testing.T) {
	s := New(brokenKV{}, map[string]string{Mode: "cute"}, nil)
	assert.Equal(t, "cute", s.Get(context.Background(), 1, Mode))
	assert.Error(t, s.Set(context.Background(), 1, Mode, "pro"))
}
