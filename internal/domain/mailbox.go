package domain

import (
	"time"
)

// RootMailbox 表示根域名下按时长租用的收件箱（user@<rootDomain>）。
type RootMailbox struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username       string     `json:"username" gorm:"type:varchar(30);uniqueIndex;not null"`
	OwnerWallet    string     `json:"ownerWallet" gorm:"type:varchar(42);index;not null"`
	ForwardTo      *string    `json:"forwardTo,omitempty" gorm:"type:varchar(254)"`
	RetainMessages bool       `json:"retainMessages" gorm:"not null"`
	Active         bool       `json:"active" gorm:"not null;index"`
	ExpiresAt      time.Time  `json:"expiresAt" gorm:"not null;index"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastReminderAt *time.Time `json:"lastReminderAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"` // 主动取消后不可再续费

	// 累计支付，用于按实际单价计算取消退款
	PaidAmount float64 `json:"paidAmount" gorm:"not null;default:0"`
	PaidDays   int     `json:"paidDays" gorm:"not null;default:0"`
}

// TableName 固定表名，原生 SQL 直接引用。
func (RootMailbox) TableName() string {
	return "root_mailboxes"
}

// Deliverable 判断邮箱在 now 时刻是否可以接收邮件。
func (m *RootMailbox) Deliverable(now time.Time) bool {
	return m.Active && m.ExpiresAt.After(now)
}

// Cancelled 是否已被所有者取消
func (m *RootMailbox) Cancelled() bool {
	return m.CancelledAt != nil
}

// HasForward 是否配置了转发地址
func (m *RootMailbox) HasForward() bool {
	return m.ForwardTo != nil && *m.ForwardTo != ""
}

// RootMailboxPatch 描述收件箱的可变字段，nil 表示不修改。
type RootMailboxPatch struct {
	ForwardTo      *string // 空字符串表示清除转发
	RetainMessages *bool
}
