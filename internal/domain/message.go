package domain

import "time"

// MaxSubjectLength RFC 2822 单行长度上限，同时作为主题截断长度
const MaxSubjectLength = 998

// MailboxKind 区分保留邮件所属的邮箱类型，两类邮件存放在不同的表中。
type MailboxKind string

const (
	KindRootMailbox    MailboxKind = "root"
	KindSubdomainInbox MailboxKind = "subdomain"
)

// Table 返回该类型邮件所在的表名
func (k MailboxKind) Table() string {
	if k == KindSubdomainInbox {
		return "subdomain_messages"
	}
	return "inbox_messages"
}

// MessageKinds 按固定顺序列出全部邮件表，引用计数需要覆盖所有表
var MessageKinds = []MailboxKind{KindRootMailbox, KindSubdomainInbox}

// RetainedMessage 表示一封被保留的入站邮件的元数据，正文保存在 blob 存储中。
//
// 同一结构体分别落在 inbox_messages 和 subdomain_messages 两张表，
// 索引由迁移单独创建以避免重名。
type RetainedMessage struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID  string    `json:"mailboxId" gorm:"type:varchar(36);not null"`
	BlobKey    string    `json:"-" gorm:"type:varchar(512);not null"`
	FromEmail  string    `json:"fromEmail" gorm:"type:varchar(254)"`
	Subject    string    `json:"subject" gorm:"type:varchar(998)"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"not null"`
	Read       bool      `json:"read" gorm:"not null"`
}

// MessageQuery 邮件列表分页参数，按 (ReceivedAt, ID) 倒序
type MessageQuery struct {
	Before   *time.Time // 游标：只返回更早的邮件
	BeforeID string     // 与 Before 组成游标，接收时间相同时按 ID 继续
	Limit    int
}

// Precedes 判断邮件在排序中是否位于游标之后
func (q MessageQuery) Precedes(m *RetainedMessage) bool {
	if q.Before == nil {
		return true
	}
	if q.BeforeID == "" || !m.ReceivedAt.Equal(*q.Before) {
		return m.ReceivedAt.Before(*q.Before)
	}
	return m.ID < q.BeforeID
}

// ProcessedNotification 记录已处理的上游通知，用于去重。
type ProcessedNotification struct {
	MessageID   string    `gorm:"primaryKey;type:varchar(128)"`
	ProcessedAt time.Time `gorm:"not null"`
}

// TableName 固定表名
func (ProcessedNotification) TableName() string {
	return "processed_notifications"
}

// TruncateSubject 截断主题到 MaxSubjectLength 个字符
func TruncateSubject(subject string) string {
	runes := []rune(subject)
	if len(runes) <= MaxSubjectLength {
		return subject
	}
	return string(runes[:MaxSubjectLength])
}
