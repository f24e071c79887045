package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeduper(t *testing.T, ttl time.Duration) (*Deduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, nil)
	t.Cleanup(func() { _ = client.Close() })
	return NewDeduper(client, ttl), mr
}

func TestDeduper(t *testing.T) {
	ctx := context.Background()

	t.Run("首次领取成功，重复领取失败", func(t *testing.T) {
		d, mr := newTestDeduper(t, time.Hour)

		ok, err := d.Claim(ctx, "msg-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = d.Claim(ctx, "msg-1")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.True(t, mr.Exists(notificationKeyPrefix+"msg-1"))
		assert.Equal(t, time.Hour, mr.TTL(notificationKeyPrefix+"msg-1"))
	})

	t.Run("释放后可以重新领取", func(t *testing.T) {
		d, _ := newTestDeduper(t, time.Hour)

		ok, err := d.Claim(ctx, "msg-2")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, d.Release(ctx, "msg-2"))

		ok, err = d.Claim(ctx, "msg-2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("过期后可以重新领取", func(t *testing.T) {
		d, mr := newTestDeduper(t, time.Minute)

		ok, err := d.Claim(ctx, "msg-3")
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Minute)

		ok, err = d.Claim(ctx, "msg-3")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
