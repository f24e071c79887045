package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Merit-Systems/x402email/internal/domain"
)

// uniqueViolation PostgreSQL 唯一约束冲突错误码
const uniqueViolation = "23505"

// extendSQL 单条语句完成续费：以 max(expires_at, now) 为起点延长，并发续费会串行叠加。
// 支付累计与到期时间在同一行锁内更新。
const extendSQL = `UPDATE root_mailboxes SET expires_at = GREATEST(expires_at, ?) + (? * INTERVAL '1 day'), paid_amount = paid_amount + ?, paid_days = paid_days + ?, active = true WHERE username = ? AND cancelled_at IS NULL RETURNING expires_at`

// deactivateSQL 仅停用仍处于激活状态的收件箱
const deactivateSQL = `UPDATE root_mailboxes SET active = false, cancelled_at = ? WHERE username = ? AND active = true`

// namespaceLockSQL 收件箱用户名与子域名共用一个命名空间，按名称加事务级锁串行化两类创建
const namespaceLockSQL = `SELECT pg_advisory_xact_lock(hashtext(?))`

// pruneNotificationsSQL 清理过期的去重记录
const pruneNotificationsSQL = `DELETE FROM processed_notifications WHERE processed_at < ?`

const deactivateExpiredSQL = `UPDATE root_mailboxes SET active = false WHERE active = true AND expires_at < ?`

const countBlobReferencesSQL = `SELECT (SELECT COUNT(*) FROM inbox_messages WHERE blob_key = ?) + (SELECT COUNT(*) FROM subdomain_messages WHERE blob_key = ?) AS total`

// messageIndexes 两张邮件表共用一个结构体，索引名需要按表区分
var messageIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_inbox_messages_mailbox_received ON inbox_messages (mailbox_id, received_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_messages_blob_key ON inbox_messages (blob_key)`,
	`CREATE INDEX IF NOT EXISTS idx_subdomain_messages_mailbox_received ON subdomain_messages (mailbox_id, received_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_subdomain_messages_blob_key ON subdomain_messages (blob_key)`,
}

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store PostgreSQL 存储实现
type Store struct {
	db *gorm.DB
}

// NewStore 连接数据库并执行迁移
func NewStore(dsn string, pool PoolConfig) (*Store, error) {
	store, err := Open(postgres.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Open 使用指定的 GORM dialector 创建存储实例，不执行迁移
func Open(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&domain.RootMailbox{},
		&domain.Subdomain{},
		&domain.Signer{},
		&domain.SubdomainInbox{},
		&domain.ProcessedNotification{},
	); err != nil {
		return err
	}
	for _, kind := range domain.MessageKinds {
		if err := s.db.Table(kind.Table()).AutoMigrate(&domain.RetainedMessage{}); err != nil {
			return fmt.Errorf("migrate %s: %w", kind.Table(), err)
		}
	}
	for _, stmt := range messageIndexes {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// translate 把驱动错误映射为 domain 哨兵错误
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// ========== Root Mailbox ==========

// CreateRootMailbox 持有名称锁检查跨命名空间唯一性后插入
func (s *Store) CreateRootMailbox(ctx context.Context, mailbox *domain.RootMailbox) error {
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockName(tx, mailbox.Username); err != nil {
			return err
		}
		var sub domain.Subdomain
		err := tx.Where("name = ?", mailbox.Username).First(&sub).Error
		switch {
		case err == nil:
			if !domain.SameWallet(sub.OwnerWallet, mailbox.OwnerWallet) {
				return domain.ErrConflict
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return translate(tx.Create(mailbox).Error)
	})
}

// lockName 事务结束时自动释放
func lockName(tx *gorm.DB, name string) error {
	if err := tx.Exec(namespaceLockSQL, name).Error; err != nil {
		return fmt.Errorf("lock name %s: %w", name, err)
	}
	return nil
}

// GetRootMailbox 按用户名查询收件箱
func (s *Store) GetRootMailbox(ctx context.Context, username string) (*domain.RootMailbox, error) {
	var mailbox domain.RootMailbox
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&mailbox).Error; err != nil {
		return nil, translate(err)
	}
	return &mailbox, nil
}

// UpdateRootMailbox 更新转发与保留设置
func (s *Store) UpdateRootMailbox(ctx context.Context, username string, patch domain.RootMailboxPatch) (*domain.RootMailbox, error) {
	updates := map[string]interface{}{}
	if patch.ForwardTo != nil {
		if *patch.ForwardTo == "" {
			updates["forward_to"] = nil
		} else {
			updates["forward_to"] = *patch.ForwardTo
		}
	}
	if patch.RetainMessages != nil {
		updates["retain_messages"] = *patch.RetainMessages
	}

	if len(updates) > 0 {
		result := s.db.WithContext(ctx).Model(&domain.RootMailbox{}).Where("username = ?", username).Updates(updates)
		if result.Error != nil {
			return nil, translate(result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, domain.ErrNotFound
		}
	}
	return s.GetRootMailbox(ctx, username)
}

// ListRootMailboxesByOwner 返回钱包名下的全部收件箱
func (s *Store) ListRootMailboxesByOwner(ctx context.Context, wallet string) ([]domain.RootMailbox, error) {
	var mailboxes []domain.RootMailbox
	err := s.db.WithContext(ctx).Where("owner_wallet = ?", strings.ToLower(wallet)).Order("username").Find(&mailboxes).Error
	return mailboxes, translate(err)
}

// ========== Ledger ==========

// ExtendRootMailbox 通过 UPDATE ... RETURNING 一次往返完成续费
func (s *Store) ExtendRootMailbox(ctx context.Context, username string, days int, price float64, now time.Time) (time.Time, error) {
	var rows []struct {
		ExpiresAt time.Time
	}
	if err := s.db.WithContext(ctx).Raw(extendSQL, now, days, price, days, username).Scan(&rows).Error; err != nil {
		return time.Time{}, translate(err)
	}
	if len(rows) == 1 {
		return rows[0].ExpiresAt, nil
	}

	// 未命中：区分不存在与已取消
	mailbox, err := s.GetRootMailbox(ctx, username)
	if err != nil {
		return time.Time{}, err
	}
	if mailbox.Cancelled() {
		return time.Time{}, domain.ErrConflict
	}
	return time.Time{}, fmt.Errorf("extend %s: no row updated", username)
}

// DeactivateRootMailbox 条件停用收件箱
func (s *Store) DeactivateRootMailbox(ctx context.Context, username string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(deactivateSQL, now, username)
	if result.Error != nil {
		return false, translate(result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	if _, err := s.GetRootMailbox(ctx, username); err != nil {
		return false, err
	}
	return false, nil
}

// DeactivateExpired 停用所有已过期的收件箱
func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Exec(deactivateExpiredSQL, now)
	return result.RowsAffected, translate(result.Error)
}

// ListReminderCandidates 返回即将到期且最近未提醒的收件箱
func (s *Store) ListReminderCandidates(ctx context.Context, now time.Time, window, interval time.Duration) ([]domain.RootMailbox, error) {
	var mailboxes []domain.RootMailbox
	err := s.db.WithContext(ctx).
		Where("active = ? AND expires_at > ? AND expires_at < ?", true, now, now.Add(window)).
		Where("last_reminder_at IS NULL OR last_reminder_at < ?", now.Add(-interval)).
		Order("expires_at").
		Find(&mailboxes).Error
	return mailboxes, translate(err)
}

// MarkReminded 记录提醒时间
func (s *Store) MarkReminded(ctx context.Context, mailboxID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.RootMailbox{}).Where("id = ?", mailboxID).Update("last_reminder_at", at)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ========== Subdomain ==========

// CreateSubdomain 持有名称锁检查跨命名空间唯一性后插入
func (s *Store) CreateSubdomain(ctx context.Context, subdomain *domain.Subdomain) error {
	if subdomain.ID == "" {
		subdomain.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockName(tx, subdomain.Name); err != nil {
			return err
		}
		var mailbox domain.RootMailbox
		err := tx.Where("username = ?", subdomain.Name).First(&mailbox).Error
		switch {
		case err == nil:
			if !domain.SameWallet(mailbox.OwnerWallet, subdomain.OwnerWallet) {
				return domain.ErrConflict
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return translate(tx.Create(subdomain).Error)
	})
}

// GetSubdomain 按名称查询子域名
func (s *Store) GetSubdomain(ctx context.Context, name string) (*domain.Subdomain, error) {
	var sub domain.Subdomain
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// UpdateSubdomain 更新子域名设置
func (s *Store) UpdateSubdomain(ctx context.Context, name string, patch domain.SubdomainPatch) (*domain.Subdomain, error) {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if patch.CatchAllForwardTo != nil {
		if *patch.CatchAllForwardTo == "" {
			updates["catch_all_forward_to"] = nil
		} else {
			updates["catch_all_forward_to"] = *patch.CatchAllForwardTo
		}
	}
	if patch.DNSVerified != nil {
		updates["dns_verified"] = *patch.DNSVerified
	}
	if patch.SESVerified != nil {
		updates["ses_verified"] = *patch.SESVerified
	}

	result := s.db.WithContext(ctx).Model(&domain.Subdomain{}).Where("name = ?", name).Updates(updates)
	if result.Error != nil {
		return nil, translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrNotFound
	}
	return s.GetSubdomain(ctx, name)
}

// ListSubdomainsByOwner 返回钱包名下的子域名
func (s *Store) ListSubdomainsByOwner(ctx context.Context, wallet string) ([]domain.Subdomain, error) {
	var subs []domain.Subdomain
	err := s.db.WithContext(ctx).Where("owner_wallet = ?", strings.ToLower(wallet)).Order("name").Find(&subs).Error
	return subs, translate(err)
}

// AddSigner 幂等添加签名钱包，并发插入依赖唯一索引兜底
func (s *Store) AddSigner(ctx context.Context, subdomainID, wallet string, limit int) (*domain.Signer, error) {
	wallet = strings.ToLower(wallet)
	var signer domain.Signer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("subdomain_id = ? AND wallet = ?", subdomainID, wallet).First(&signer).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var count int64
		if err := tx.Model(&domain.Signer{}).Where("subdomain_id = ?", subdomainID).Count(&count).Error; err != nil {
			return err
		}
		if limit > 0 && count >= int64(limit) {
			return domain.ErrLimit
		}

		signer = domain.Signer{
			ID:          uuid.NewString(),
			SubdomainID: subdomainID,
			Wallet:      wallet,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&signer).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &signer, nil
}

// RemoveSigner 删除签名钱包
func (s *Store) RemoveSigner(ctx context.Context, subdomainID, wallet string) error {
	result := s.db.WithContext(ctx).Where("subdomain_id = ? AND wallet = ?", subdomainID, strings.ToLower(wallet)).Delete(&domain.Signer{})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSigners 列出签名钱包
func (s *Store) ListSigners(ctx context.Context, subdomainID string) ([]domain.Signer, error) {
	var signers []domain.Signer
	err := s.db.WithContext(ctx).Where("subdomain_id = ?", subdomainID).Order("created_at").Find(&signers).Error
	return signers, translate(err)
}

// IsSigner 判断钱包是否为签名钱包
func (s *Store) IsSigner(ctx context.Context, subdomainID, wallet string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Signer{}).
		Where("subdomain_id = ? AND wallet = ?", subdomainID, strings.ToLower(wallet)).
		Count(&count).Error
	return count > 0, translate(err)
}

// CreateSubdomainInbox 计数与插入在同一事务中完成
func (s *Store) CreateSubdomainInbox(ctx context.Context, inbox *domain.SubdomainInbox, limit int) error {
	if inbox.ID == "" {
		inbox.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.SubdomainInbox{}).Where("subdomain_id = ?", inbox.SubdomainID).Count(&count).Error; err != nil {
			return err
		}
		if limit > 0 && count >= int64(limit) {
			return domain.ErrLimit
		}
		return translate(tx.Create(inbox).Error)
	})
}

// GetSubdomainInbox 按本地部分查询子域名收件箱
func (s *Store) GetSubdomainInbox(ctx context.Context, subdomainID, localPart string) (*domain.SubdomainInbox, error) {
	var inbox domain.SubdomainInbox
	err := s.db.WithContext(ctx).Where("subdomain_id = ? AND local_part = ?", subdomainID, localPart).First(&inbox).Error
	if err != nil {
		return nil, translate(err)
	}
	return &inbox, nil
}

// ListSubdomainInboxes 列出子域名下的收件箱
func (s *Store) ListSubdomainInboxes(ctx context.Context, subdomainID string) ([]domain.SubdomainInbox, error) {
	var inboxes []domain.SubdomainInbox
	err := s.db.WithContext(ctx).Where("subdomain_id = ?", subdomainID).Order("local_part").Find(&inboxes).Error
	return inboxes, translate(err)
}

// UpdateSubdomainInbox 更新子域名收件箱
func (s *Store) UpdateSubdomainInbox(ctx context.Context, inboxID string, patch domain.SubdomainInboxPatch) (*domain.SubdomainInbox, error) {
	updates := map[string]interface{}{}
	if patch.ForwardTo != nil {
		if *patch.ForwardTo == "" {
			updates["forward_to"] = nil
		} else {
			updates["forward_to"] = *patch.ForwardTo
		}
	}
	if patch.RetainMessages != nil {
		updates["retain_messages"] = *patch.RetainMessages
	}
	if patch.Active != nil {
		updates["active"] = *patch.Active
	}

	db := s.db.WithContext(ctx)
	if len(updates) > 0 {
		result := db.Model(&domain.SubdomainInbox{}).Where("id = ?", inboxID).Updates(updates)
		if result.Error != nil {
			return nil, translate(result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, domain.ErrNotFound
		}
	}

	var inbox domain.SubdomainInbox
	if err := db.Where("id = ?", inboxID).First(&inbox).Error; err != nil {
		return nil, translate(err)
	}
	return &inbox, nil
}

// DeleteSubdomainInbox 事务内级联删除邮件与收件箱
func (s *Store) DeleteSubdomainInbox(ctx context.Context, inboxID string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		table := domain.KindSubdomainInbox.Table()
		if err := tx.Table(table).Where("mailbox_id = ?", inboxID).Pluck("blob_key", &keys).Error; err != nil {
			return err
		}
		if err := tx.Table(table).Where("mailbox_id = ?", inboxID).Delete(&domain.RetainedMessage{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", inboxID).Delete(&domain.SubdomainInbox{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return keys, nil
}

// ========== Messages ==========

// SaveMessage 保存保留邮件
func (s *Store) SaveMessage(ctx context.Context, kind domain.MailboxKind, message *domain.RetainedMessage) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return translate(s.db.WithContext(ctx).Table(kind.Table()).Create(message).Error)
}

// CountMessages 统计邮箱当前的保留邮件数
func (s *Store) CountMessages(ctx context.Context, kind domain.MailboxKind, mailboxID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(kind.Table()).Where("mailbox_id = ?", mailboxID).Count(&count).Error
	return count, translate(err)
}

// ListMessages 按接收时间倒序分页
func (s *Store) ListMessages(ctx context.Context, kind domain.MailboxKind, mailboxID string, query domain.MessageQuery) ([]domain.RetainedMessage, error) {
	db := s.db.WithContext(ctx).Table(kind.Table()).Where("mailbox_id = ?", mailboxID)
	switch {
	case query.Before != nil && query.BeforeID != "":
		db = db.Where("(received_at, id) < (?, ?)", *query.Before, query.BeforeID)
	case query.Before != nil:
		db = db.Where("received_at < ?", *query.Before)
	}
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}

	var messages []domain.RetainedMessage
	err := db.Order("received_at DESC, id DESC").Find(&messages).Error
	return messages, translate(err)
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(ctx context.Context, kind domain.MailboxKind, mailboxID, messageID string) (*domain.RetainedMessage, error) {
	var message domain.RetainedMessage
	err := s.db.WithContext(ctx).Table(kind.Table()).
		Where("id = ? AND mailbox_id = ?", messageID, mailboxID).
		First(&message).Error
	if err != nil {
		return nil, translate(err)
	}
	return &message, nil
}

// MarkMessageRead 标记已读
func (s *Store) MarkMessageRead(ctx context.Context, kind domain.MailboxKind, messageID string) error {
	return translate(s.db.WithContext(ctx).Table(kind.Table()).Where("id = ?", messageID).Update("read", true).Error)
}

// DeleteMessage 删除单封邮件并返回 blob key
func (s *Store) DeleteMessage(ctx context.Context, kind domain.MailboxKind, mailboxID, messageID string) (string, error) {
	var deleted []domain.RetainedMessage
	result := s.db.WithContext(ctx).Table(kind.Table()).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "blob_key"}}}).
		Where("id = ? AND mailbox_id = ?", messageID, mailboxID).
		Delete(&deleted)
	if result.Error != nil {
		return "", translate(result.Error)
	}
	if result.RowsAffected == 0 || len(deleted) == 0 {
		return "", domain.ErrNotFound
	}
	return deleted[0].BlobKey, nil
}

// CountBlobReferences 单条语句统计两张表的引用
func (s *Store) CountBlobReferences(ctx context.Context, blobKey string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(countBlobReferencesSQL, blobKey, blobKey).Scan(&total).Error
	return total, translate(err)
}

// ========== Notifications ==========

// ClaimNotification 插入去重记录，主键冲突说明已处理过
func (s *Store) ClaimNotification(ctx context.Context, messageID string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.ProcessedNotification{MessageID: messageID, ProcessedAt: at})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseNotification 删除去重记录
func (s *Store) ReleaseNotification(ctx context.Context, messageID string) error {
	return translate(s.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&domain.ProcessedNotification{}).Error)
}

// PruneNotifications 删除 before 之前的去重记录，返回删除条数
func (s *Store) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Exec(pruneNotificationsSQL, before)
	return result.RowsAffected, translate(result.Error)
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
