// Package blob 管理入站原始邮件的存储对象。
//
// 对象由上游写入，由本服务读取和删除。同一对象可能被多封保留邮件引用，
// 只有引用计数为零时才会真正删除。
package blob

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/monitoring"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("blob not found")

// Store 原始邮件对象存储
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// ReferenceCounter 统计保留邮件对对象的引用
type ReferenceCounter interface {
	CountBlobReferences(ctx context.Context, blobKey string) (int64, error)
}

// Manager 负责对象的读取和生命周期
type Manager struct {
	store Store
	refs  ReferenceCounter
	log   *zap.Logger
}

// NewManager 创建 Manager
func NewManager(store Store, refs ReferenceCounter, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, refs: refs, log: log.Named("blob")}
}

// Store 返回底层存储
func (m *Manager) Store() Store {
	return m.store
}

// Fetch 读取原始邮件
//
// 对象不存在返回 ContentUnavailable，其它失败返回 UpstreamTransportFailure。
func (m *Manager) Fetch(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, domain.Validationf("blob key is required")
	}
	data, err := m.store.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, domain.ContentUnavailable(err, "message content is no longer available")
	}
	return nil, domain.UpstreamFailure(err, "failed to fetch message content")
}

// Delete 尽力删除对象，失败只记录日志
func (m *Manager) Delete(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		m.log.Warn("failed to delete blob", zap.String("key", key), zap.Error(err))
		monitoring.RecordBlobDelete("failed")
		return
	}
	monitoring.RecordBlobDelete("deleted")
}

// Release 在没有保留邮件引用时删除对象，返回是否执行了删除
func (m *Manager) Release(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	n, err := m.refs.CountBlobReferences(ctx, key)
	if err != nil {
		return false, fmt.Errorf("count references for %s: %w", key, err)
	}
	if n > 0 {
		m.log.Debug("blob still referenced", zap.String("key", key), zap.Int64("references", n))
		return false, nil
	}
	m.Delete(ctx, key)
	return true, nil
}

// ReleaseAll 对一组 key 去重后逐个释放，返回删除数量
func (m *Manager) ReleaseAll(ctx context.Context, keys []string) int {
	seen := make(map[string]struct{}, len(keys))
	deleted := 0
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		ok, err := m.Release(ctx, key)
		if err != nil {
			m.log.Warn("failed to release blob", zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted
}
