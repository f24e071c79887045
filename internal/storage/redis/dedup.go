package redis

import (
	"context"
	"fmt"
	"time"
)

const notificationKeyPrefix = "x402email:sns:"

// Deduper 基于 SET NX 的入站通知去重，记录在 TTL 后自动过期
type Deduper struct {
	client *Client
	ttl    time.Duration
}

// NewDeduper 创建去重器，ttl 应覆盖上游的最长重投窗口
func NewDeduper(client *Client, ttl time.Duration) *Deduper {
	return &Deduper{client: client, ttl: ttl}
}

// Claim 首次出现返回 true
func (d *Deduper) Claim(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.rdb.SetNX(ctx, notificationKeyPrefix+messageID, time.Now().UTC().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", messageID, err)
	}
	return ok, nil
}

// Release 删除去重记录，允许重投时重新处理
func (d *Deduper) Release(ctx context.Context, messageID string) error {
	if err := d.client.rdb.Del(ctx, notificationKeyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("release notification %s: %w", messageID, err)
	}
	return nil
}
