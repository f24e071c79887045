package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merit-Systems/x402email/internal/domain"
)

type fakeRefs struct {
	counts map[string]int64
	err    error
}

func (f *fakeRefs) CountBlobReferences(_ context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[key], nil
}

type failingStore struct {
	*MemoryStore
	getErr    error
	deleteErr error
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryStore.Delete(ctx, key)
}

func TestManagerFetch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "inbound/a", []byte("raw")))
	m := NewManager(store, &fakeRefs{}, nil)

	t.Run("读取成功", func(t *testing.T) {
		data, err := m.Fetch(ctx, "inbound/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("raw"), data)
	})

	t.Run("对象不存在", func(t *testing.T) {
		_, err := m.Fetch(ctx, "inbound/missing")
		assert.Equal(t, domain.KindContentUnavailable, domain.KindOf(err))
	})

	t.Run("存储故障", func(t *testing.T) {
		broken := NewManager(&failingStore{MemoryStore: store, getErr: errors.New("timeout")}, &fakeRefs{}, nil)
		_, err := broken.Fetch(ctx, "inbound/a")
		assert.Equal(t, domain.KindUpstreamTransportFailure, domain.KindOf(err))
	})
}

func TestManagerRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("仍有引用时不删除", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, "k", []byte("x")))
		m := NewManager(store, &fakeRefs{counts: map[string]int64{"k": 1}}, nil)

		deleted, err := m.Release(ctx, "k")
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.True(t, store.Has("k"))
	})

	t.Run("无引用时删除", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, "k", []byte("x")))
		m := NewManager(store, &fakeRefs{}, nil)

		deleted, err := m.Release(ctx, "k")
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.False(t, store.Has("k"))
	})

	t.Run("计数失败时不删除", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, "k", []byte("x")))
		m := NewManager(store, &fakeRefs{err: errors.New("db down")}, nil)

		_, err := m.Release(ctx, "k")
		assert.Error(t, err)
		assert.True(t, store.Has("k"))
	})

	t.Run("删除失败不向上返回", func(t *testing.T) {
		store := &failingStore{MemoryStore: NewMemoryStore(), deleteErr: errors.New("denied")}
		m := NewManager(store, &fakeRefs{}, nil)

		deleted, err := m.Release(ctx, "k")
		require.NoError(t, err)
		assert.True(t, deleted)
	})

	t.Run("批量释放去重", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, "a", []byte("x")))
		require.NoError(t, store.Put(ctx, "b", []byte("x")))
		require.NoError(t, store.Put(ctx, "c", []byte("x")))
		m := NewManager(store, &fakeRefs{counts: map[string]int64{"c": 2}}, nil)

		n := m.ReleaseAll(ctx, []string{"a", "a", "b", "c"})
		assert.Equal(t, 2, n)
		assert.False(t, store.Has("a"))
		assert.False(t, store.Has("b"))
		assert.True(t, store.Has("c"))
	})
}

func TestFilesystemStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "inbound/2026/msg-1", []byte("raw message")))

	data, err := store.Get(ctx, "inbound/2026/msg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw message"), data)

	require.NoError(t, store.Delete(ctx, "inbound/2026/msg-1"))
	_, err = store.Get(ctx, "inbound/2026/msg-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "inbound/2026/msg-1"), ErrNotFound)

	_, err = store.Get(ctx, "../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
