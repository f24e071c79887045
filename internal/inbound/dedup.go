package inbound

import (
	"context"
	"time"
)

// Deduper 按 SNS MessageId 去重
type Deduper interface {
	// Claim 首次出现返回 true
	Claim(ctx context.Context, messageID string) (bool, error)
	// Release 撤销认领，允许重投递再次处理
	Release(ctx context.Context, messageID string) error
}

// NotificationStore 持久化去重记录的存储
type NotificationStore interface {
	ClaimNotification(ctx context.Context, messageID string, at time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, messageID string) error
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)
}

// StoreDeduper 基于 processed_notifications 表去重
type StoreDeduper struct {
	store NotificationStore
	ttl   time.Duration
	now   func() time.Time
}

// NewStoreDeduper 创建基于存储的去重器，记录保留 ttl 后由 Prune 清理
func NewStoreDeduper(store NotificationStore, ttl time.Duration) *StoreDeduper {
	return &StoreDeduper{store: store, ttl: ttl, now: time.Now}
}

func (d *StoreDeduper) Claim(ctx context.Context, messageID string) (bool, error) {
	return d.store.ClaimNotification(ctx, messageID, d.now().UTC())
}

func (d *StoreDeduper) Release(ctx context.Context, messageID string) error {
	return d.store.ReleaseNotification(ctx, messageID)
}

// Prune 删除超过 ttl 的去重记录，ttl 不大于 0 时不清理
func (d *StoreDeduper) Prune(ctx context.Context) (int64, error) {
	if d.ttl <= 0 {
		return 0, nil
	}
	return d.store.PruneNotifications(ctx, d.now().UTC().Add(-d.ttl))
}

// noDedup 关闭去重时使用
type noDedup struct{}

func (noDedup) Claim(context.Context, string) (bool, error) { return true, nil }
func (noDedup) Release(context.Context, string) error       { return nil }
