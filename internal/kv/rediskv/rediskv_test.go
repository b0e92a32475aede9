package rediskv

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stupiduntilnot/verabot/internal/kv"
	"github.com/stupiduntilnot/verabot/internal/kv/kvtest"
)

func TestStoreConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) (kv.Store, func(time.Duration)) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return New(client), mr.FastForward
	})
}
