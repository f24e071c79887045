package storage

import (
	"context"
	"time"

	"github.com/Merit-Systems/x402email/internal/domain"
)

// 所有方法在记录不存在时返回 domain.ErrNotFound，唯一性冲突返回 domain.ErrConflict，
// 容量上限返回 domain.ErrLimit。

// RootMailboxRepository 定义根域名收件箱的数据存取操作。
type RootMailboxRepository interface {
	// CreateRootMailbox 创建收件箱；同名收件箱已存在或同名子域名属于其他钱包时返回 ErrConflict。
	CreateRootMailbox(ctx context.Context, mailbox *domain.RootMailbox) error
	GetRootMailbox(ctx context.Context, username string) (*domain.RootMailbox, error)
	UpdateRootMailbox(ctx context.Context, username string, patch domain.RootMailboxPatch) (*domain.RootMailbox, error)
	ListRootMailboxesByOwner(ctx context.Context, wallet string) ([]domain.RootMailbox, error)
}

// LedgerRepository 定义到期账本需要的原子操作。
type LedgerRepository interface {
	// ExtendRootMailbox 原子地执行 expiresAt = max(expiresAt, now) + days 并激活，返回新的到期时间。
	// 已取消的收件箱返回 ErrConflict。
	// 同一语句中累加 paidAmount 与 paidDays。
	ExtendRootMailbox(ctx context.Context, username string, days int, price float64, now time.Time) (time.Time, error)
	// DeactivateRootMailbox 仅当收件箱仍处于激活状态时将其停用，返回是否命中。
	DeactivateRootMailbox(ctx context.Context, username string, now time.Time) (bool, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	ListReminderCandidates(ctx context.Context, now time.Time, window, interval time.Duration) ([]domain.RootMailbox, error)
	MarkReminded(ctx context.Context, mailboxID string, at time.Time) error
}

// SubdomainRepository 定义子域名、签名钱包和子域名收件箱的数据存取操作。
type SubdomainRepository interface {
	CreateSubdomain(ctx context.Context, subdomain *domain.Subdomain) error
	GetSubdomain(ctx context.Context, name string) (*domain.Subdomain, error)
	UpdateSubdomain(ctx context.Context, name string, patch domain.SubdomainPatch) (*domain.Subdomain, error)
	ListSubdomainsByOwner(ctx context.Context, wallet string) ([]domain.Subdomain, error)

	// AddSigner 幂等添加；超过 limit 返回 ErrLimit。
	AddSigner(ctx context.Context, subdomainID, wallet string, limit int) (*domain.Signer, error)
	RemoveSigner(ctx context.Context, subdomainID, wallet string) error
	ListSigners(ctx context.Context, subdomainID string) ([]domain.Signer, error)
	IsSigner(ctx context.Context, subdomainID, wallet string) (bool, error)

	// CreateSubdomainInbox 本地部分重复返回 ErrConflict，超过 limit 返回 ErrLimit。
	CreateSubdomainInbox(ctx context.Context, inbox *domain.SubdomainInbox, limit int) error
	GetSubdomainInbox(ctx context.Context, subdomainID, localPart string) (*domain.SubdomainInbox, error)
	ListSubdomainInboxes(ctx context.Context, subdomainID string) ([]domain.SubdomainInbox, error)
	UpdateSubdomainInbox(ctx context.Context, inboxID string, patch domain.SubdomainInboxPatch) (*domain.SubdomainInbox, error)
	// DeleteSubdomainInbox 级联删除保留邮件，返回被删邮件引用的 blob key（可能重复）。
	DeleteSubdomainInbox(ctx context.Context, inboxID string) ([]string, error)
}

// MessageRepository 定义保留邮件的数据存取操作。
type MessageRepository interface {
	SaveMessage(ctx context.Context, kind domain.MailboxKind, message *domain.RetainedMessage) error
	CountMessages(ctx context.Context, kind domain.MailboxKind, mailboxID string) (int64, error)
	ListMessages(ctx context.Context, kind domain.MailboxKind, mailboxID string, query domain.MessageQuery) ([]domain.RetainedMessage, error)
	GetMessage(ctx context.Context, kind domain.MailboxKind, mailboxID, messageID string) (*domain.RetainedMessage, error)
	MarkMessageRead(ctx context.Context, kind domain.MailboxKind, messageID string) error
	// DeleteMessage 删除单封邮件并返回其 blob key。
	DeleteMessage(ctx context.Context, kind domain.MailboxKind, mailboxID, messageID string) (string, error)
	// CountBlobReferences 统计两张邮件表中引用该 key 的记录数。
	CountBlobReferences(ctx context.Context, blobKey string) (int64, error)
}

// NotificationRepository 入站通知去重。
type NotificationRepository interface {
	// ClaimNotification 首次出现返回 true，重复投递返回 false。
	ClaimNotification(ctx context.Context, messageID string, at time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, messageID string) error
	// PruneNotifications 删除 before 之前的记录，返回删除条数。
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	RootMailboxRepository
	LedgerRepository
	SubdomainRepository
	MessageRepository
	NotificationRepository

	Ping(ctx context.Context) error
	Close() error
}
