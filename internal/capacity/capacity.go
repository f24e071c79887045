// Package capacity 限制单个邮箱保留的邮件数量。
package capacity

import "fmt"

const (
	// DefaultLimit 每个邮箱最多保留的邮件数
	DefaultLimit = 500
	// DefaultWarnRatio 达到上限的该比例时给出提示
	DefaultWarnRatio = 0.8
)

// Enforcer 保留容量策略，不做自动淘汰
type Enforcer struct {
	Limit     int
	WarnRatio float64
}

// Usage 容量使用情况，只在读取时计算
type Usage struct {
	Count     int64  `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int64  `json:"remaining"`
	NearLimit bool   `json:"nearLimit"`
	Warning   string `json:"warning,omitempty"`
}

// New 创建默认策略
func New() Enforcer {
	return Enforcer{Limit: DefaultLimit, WarnRatio: DefaultWarnRatio}
}

func (e Enforcer) limit() int {
	if e.Limit <= 0 {
		return DefaultLimit
	}
	return e.Limit
}

// Allow 当前数量为 count 时能否再保留一封
func (e Enforcer) Allow(count int64) bool {
	return count < int64(e.limit())
}

// Usage 计算使用情况
func (e Enforcer) Usage(count int64) Usage {
	limit := e.limit()
	ratio := e.WarnRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultWarnRatio
	}

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}

	u := Usage{
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		NearLimit: float64(count) >= float64(limit)*ratio,
	}
	switch {
	case remaining == 0:
		u.Warning = fmt.Sprintf("Inbox is full (%d/%d). New messages are not being retained; delete messages to free space.", count, limit)
	case u.NearLimit:
		u.Warning = fmt.Sprintf("Inbox is nearly full (%d/%d). Messages beyond %d will not be retained.", count, limit, limit)
	}
	return u
}
