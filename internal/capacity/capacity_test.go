package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	e := New()

	tests := []struct {
		count int64
		want  bool
	}{
		{0, true},
		{498, true},
		{499, true},
		{500, false},
		{501, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Allow(tt.count), "count=%d", tt.count)
	}

	assert.True(t, Enforcer{}.Allow(499), "零值使用默认上限")
	assert.False(t, Enforcer{Limit: 3}.Allow(3))
}

func TestUsage(t *testing.T) {
	e := New()

	t.Run("低于阈值没有提示", func(t *testing.T) {
		u := e.Usage(100)
		assert.Equal(t, int64(400), u.Remaining)
		assert.False(t, u.NearLimit)
		assert.Empty(t, u.Warning)
	})

	t.Run("达到百分之八十给出提示", func(t *testing.T) {
		u := e.Usage(400)
		assert.True(t, u.NearLimit)
		assert.Contains(t, u.Warning, "nearly full")
	})

	t.Run("已满", func(t *testing.T) {
		u := e.Usage(500)
		assert.Equal(t, int64(0), u.Remaining)
		assert.Contains(t, u.Warning, "full (500/500)")
	})

	t.Run("超出上限时剩余为零", func(t *testing.T) {
		assert.Equal(t, int64(0), e.Usage(501).Remaining)
	})
}
