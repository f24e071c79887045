package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merit-Systems/x402email/internal/storage/memory"
)

func TestStoreDeduper(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("过期记录被清理后可以再次认领", func(t *testing.T) {
		store := memory.NewStore()
		current := base
		d := NewStoreDeduper(store, 24*time.Hour)
		d.now = func() time.Time { return current }

		claimed, err := d.Claim(ctx, "sns-old")
		require.NoError(t, err)
		assert.True(t, claimed)

		current = base.Add(23 * time.Hour)
		claimed, err = d.Claim(ctx, "sns-new")
		require.NoError(t, err)
		assert.True(t, claimed)

		current = base.Add(25 * time.Hour)
		n, err := d.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		claimed, err = d.Claim(ctx, "sns-new")
		require.NoError(t, err)
		assert.False(t, claimed, "未过期的记录仍然去重")

		claimed, err = d.Claim(ctx, "sns-old")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("ttl 为零时不清理", func(t *testing.T) {
		store := memory.NewStore()
		d := NewStoreDeduper(store, 0)
		_, err := d.Claim(ctx, "sns-1")
		require.NoError(t, err)

		n, err := d.Prune(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
