package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Merit-Systems/x402email/internal/domain"
)

// Store 使用内存保存全部数据，主要用于开发验证和测试。
//
// 所有操作持有同一把锁，因此到期账本的条件更新天然是原子的。
type Store struct {
	mu sync.RWMutex

	mailboxes  map[string]*domain.RootMailbox // username -> mailbox
	subdomains map[string]*domain.Subdomain   // name -> subdomain
	signers    map[string]map[string]*domain.Signer
	inboxes    map[string]*domain.SubdomainInbox // inboxID -> inbox

	// kind -> messageID -> message
	messages map[domain.MailboxKind]map[string]*domain.RetainedMessage

	notifications map[string]time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:  make(map[string]*domain.RootMailbox),
		subdomains: make(map[string]*domain.Subdomain),
		signers:    make(map[string]map[string]*domain.Signer),
		inboxes:    make(map[string]*domain.SubdomainInbox),
		messages: map[domain.MailboxKind]map[string]*domain.RetainedMessage{
			domain.KindRootMailbox:    make(map[string]*domain.RetainedMessage),
			domain.KindSubdomainInbox: make(map[string]*domain.RetainedMessage),
		},
		notifications: make(map[string]time.Time),
	}
}

// ========== Root Mailbox ==========

// CreateRootMailbox 创建收件箱并检查跨命名空间唯一性
func (s *Store) CreateRootMailbox(_ context.Context, mailbox *domain.RootMailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mailboxes[mailbox.Username]; exists {
		return domain.ErrConflict
	}
	if sub, exists := s.subdomains[mailbox.Username]; exists && !domain.SameWallet(sub.OwnerWallet, mailbox.OwnerWallet) {
		return domain.ErrConflict
	}
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	copied := *mailbox
	s.mailboxes[mailbox.Username] = &copied
	return nil
}

// GetRootMailbox 按用户名查询收件箱
func (s *Store) GetRootMailbox(_ context.Context, username string) (*domain.RootMailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *mb
	return &copied, nil
}

// UpdateRootMailbox 更新转发与保留设置
func (s *Store) UpdateRootMailbox(_ context.Context, username string, patch domain.RootMailboxPatch) (*domain.RootMailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.ForwardTo != nil {
		if *patch.ForwardTo == "" {
			mb.ForwardTo = nil
		} else {
			v := *patch.ForwardTo
			mb.ForwardTo = &v
		}
	}
	if patch.RetainMessages != nil {
		mb.RetainMessages = *patch.RetainMessages
	}
	copied := *mb
	return &copied, nil
}

// ListRootMailboxesByOwner 返回钱包名下的全部收件箱
func (s *Store) ListRootMailboxesByOwner(_ context.Context, wallet string) ([]domain.RootMailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RootMailbox, 0)
	for _, mb := range s.mailboxes {
		if domain.SameWallet(mb.OwnerWallet, wallet) {
			result = append(result, *mb)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

// ========== Ledger ==========

// ExtendRootMailbox 在锁内完成读取与写入，效果与单条条件 UPDATE 相同
func (s *Store) ExtendRootMailbox(_ context.Context, username string, days int, price float64, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[username]
	if !ok {
		return time.Time{}, domain.ErrNotFound
	}
	if mb.Cancelled() {
		return time.Time{}, domain.ErrConflict
	}
	base := mb.ExpiresAt
	if now.After(base) {
		base = now
	}
	mb.ExpiresAt = base.AddDate(0, 0, days)
	mb.PaidAmount += price
	mb.PaidDays += days
	mb.Active = true
	return mb.ExpiresAt, nil
}

// DeactivateRootMailbox 条件停用：只有激活中的收件箱才会被修改
func (s *Store) DeactivateRootMailbox(_ context.Context, username string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[username]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !mb.Active {
		return false, nil
	}
	mb.Active = false
	at := now
	mb.CancelledAt = &at
	return true, nil
}

// DeactivateExpired 停用所有已过期但仍激活的收件箱
func (s *Store) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, mb := range s.mailboxes {
		if mb.Active && mb.ExpiresAt.Before(now) {
			mb.Active = false
			count++
		}
	}
	return count, nil
}

// ListReminderCandidates 返回即将到期且最近未提醒的收件箱
func (s *Store) ListReminderCandidates(_ context.Context, now time.Time, window, interval time.Duration) ([]domain.RootMailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	horizon := now.Add(window)
	remindedBefore := now.Add(-interval)

	result := make([]domain.RootMailbox, 0)
	for _, mb := range s.mailboxes {
		if !mb.Active || !mb.ExpiresAt.After(now) || !mb.ExpiresAt.Before(horizon) {
			continue
		}
		if mb.LastReminderAt != nil && !mb.LastReminderAt.Before(remindedBefore) {
			continue
		}
		result = append(result, *mb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

// MarkReminded 记录提醒时间
func (s *Store) MarkReminded(_ context.Context, mailboxID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mb := range s.mailboxes {
		if mb.ID == mailboxID {
			t := at
			mb.LastReminderAt = &t
			return nil
		}
	}
	return domain.ErrNotFound
}

// ========== Subdomain ==========

// CreateSubdomain 创建子域名并检查跨命名空间唯一性
func (s *Store) CreateSubdomain(_ context.Context, subdomain *domain.Subdomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subdomains[subdomain.Name]; exists {
		return domain.ErrConflict
	}
	if mb, exists := s.mailboxes[subdomain.Name]; exists && !domain.SameWallet(mb.OwnerWallet, subdomain.OwnerWallet) {
		return domain.ErrConflict
	}
	if subdomain.ID == "" {
		subdomain.ID = uuid.NewString()
	}
	copied := *subdomain
	s.subdomains[subdomain.Name] = &copied
	return nil
}

// GetSubdomain 按名称查询子域名
func (s *Store) GetSubdomain(_ context.Context, name string) (*domain.Subdomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subdomains[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

// UpdateSubdomain 更新子域名设置
func (s *Store) UpdateSubdomain(_ context.Context, name string, patch domain.SubdomainPatch) (*domain.Subdomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subdomains[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.CatchAllForwardTo != nil {
		if *patch.CatchAllForwardTo == "" {
			sub.CatchAllForwardTo = nil
		} else {
			v := *patch.CatchAllForwardTo
			sub.CatchAllForwardTo = &v
		}
	}
	if patch.DNSVerified != nil {
		sub.DNSVerified = *patch.DNSVerified
	}
	if patch.SESVerified != nil {
		sub.SESVerified = *patch.SESVerified
	}
	sub.UpdatedAt = time.Now().UTC()
	copied := *sub
	return &copied, nil
}

// ListSubdomainsByOwner 返回钱包名下的子域名
func (s *Store) ListSubdomainsByOwner(_ context.Context, wallet string) ([]domain.Subdomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Subdomain, 0)
	for _, sub := range s.subdomains {
		if domain.SameWallet(sub.OwnerWallet, wallet) {
			result = append(result, *sub)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// AddSigner 幂等添加签名钱包
func (s *Store) AddSigner(_ context.Context, subdomainID, wallet string, limit int) (*domain.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet = strings.ToLower(wallet)
	set, ok := s.signers[subdomainID]
	if !ok {
		set = make(map[string]*domain.Signer)
		s.signers[subdomainID] = set
	}
	if existing, ok := set[wallet]; ok {
		copied := *existing
		return &copied, nil
	}
	if limit > 0 && len(set) >= limit {
		return nil, domain.ErrLimit
	}
	signer := &domain.Signer{
		ID:          uuid.NewString(),
		SubdomainID: subdomainID,
		Wallet:      wallet,
		CreatedAt:   time.Now().UTC(),
	}
	set[wallet] = signer
	copied := *signer
	return &copied, nil
}

// RemoveSigner 删除签名钱包
func (s *Store) RemoveSigner(_ context.Context, subdomainID, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet = strings.ToLower(wallet)
	set := s.signers[subdomainID]
	if _, ok := set[wallet]; !ok {
		return domain.ErrNotFound
	}
	delete(set, wallet)
	return nil
}

// ListSigners 列出签名钱包
func (s *Store) ListSigners(_ context.Context, subdomainID string) ([]domain.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Signer, 0, len(s.signers[subdomainID]))
	for _, signer := range s.signers[subdomainID] {
		result = append(result, *signer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// IsSigner 判断钱包是否为签名钱包
func (s *Store) IsSigner(_ context.Context, subdomainID, wallet string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.signers[subdomainID][strings.ToLower(wallet)]
	return ok, nil
}

// CreateSubdomainInbox 创建子域名收件箱
func (s *Store) CreateSubdomainInbox(_ context.Context, inbox *domain.SubdomainInbox, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, existing := range s.inboxes {
		if existing.SubdomainID != inbox.SubdomainID {
			continue
		}
		if existing.LocalPart == inbox.LocalPart {
			return domain.ErrConflict
		}
		count++
	}
	if limit > 0 && count >= limit {
		return domain.ErrLimit
	}
	if inbox.ID == "" {
		inbox.ID = uuid.NewString()
	}
	copied := *inbox
	s.inboxes[inbox.ID] = &copied
	return nil
}

// GetSubdomainInbox 按本地部分查询子域名收件箱
func (s *Store) GetSubdomainInbox(_ context.Context, subdomainID, localPart string) (*domain.SubdomainInbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inbox := range s.inboxes {
		if inbox.SubdomainID == subdomainID && inbox.LocalPart == localPart {
			copied := *inbox
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

// ListSubdomainInboxes 列出子域名下的收件箱
func (s *Store) ListSubdomainInboxes(_ context.Context, subdomainID string) ([]domain.SubdomainInbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SubdomainInbox, 0)
	for _, inbox := range s.inboxes {
		if inbox.SubdomainID == subdomainID {
			result = append(result, *inbox)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LocalPart < result[j].LocalPart })
	return result, nil
}

// UpdateSubdomainInbox 更新子域名收件箱
func (s *Store) UpdateSubdomainInbox(_ context.Context, inboxID string, patch domain.SubdomainInboxPatch) (*domain.SubdomainInbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox, ok := s.inboxes[inboxID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.ForwardTo != nil {
		if *patch.ForwardTo == "" {
			inbox.ForwardTo = nil
		} else {
			v := *patch.ForwardTo
			inbox.ForwardTo = &v
		}
	}
	if patch.RetainMessages != nil {
		inbox.RetainMessages = *patch.RetainMessages
	}
	if patch.Active != nil {
		inbox.Active = *patch.Active
	}
	copied := *inbox
	return &copied, nil
}

// DeleteSubdomainInbox 级联删除收件箱与其邮件
func (s *Store) DeleteSubdomainInbox(_ context.Context, inboxID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inboxes[inboxID]; !ok {
		return nil, domain.ErrNotFound
	}
	table := s.messages[domain.KindSubdomainInbox]
	keys := make([]string, 0)
	for id, msg := range table {
		if msg.MailboxID == inboxID {
			keys = append(keys, msg.BlobKey)
			delete(table, id)
		}
	}
	delete(s.inboxes, inboxID)
	return keys, nil
}

// ========== Messages ==========

// SaveMessage 保存保留邮件
func (s *Store) SaveMessage(_ context.Context, kind domain.MailboxKind, message *domain.RetainedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	copied := *message
	s.messages[kind][message.ID] = &copied
	return nil
}

// CountMessages 统计邮箱当前的保留邮件数
func (s *Store) CountMessages(_ context.Context, kind domain.MailboxKind, mailboxID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, msg := range s.messages[kind] {
		if msg.MailboxID == mailboxID {
			count++
		}
	}
	return count, nil
}

// ListMessages 按接收时间倒序分页
func (s *Store) ListMessages(_ context.Context, kind domain.MailboxKind, mailboxID string, query domain.MessageQuery) ([]domain.RetainedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RetainedMessage, 0)
	for _, msg := range s.messages[kind] {
		if msg.MailboxID != mailboxID {
			continue
		}
		if !query.Precedes(msg) {
			continue
		}
		result = append(result, *msg)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return result[i].ReceivedAt.After(result[j].ReceivedAt)
		}
		return result[i].ID > result[j].ID
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(_ context.Context, kind domain.MailboxKind, mailboxID, messageID string) (*domain.RetainedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[kind][messageID]
	if !ok || msg.MailboxID != mailboxID {
		return nil, domain.ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

// MarkMessageRead 标记已读
func (s *Store) MarkMessageRead(_ context.Context, kind domain.MailboxKind, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[kind][messageID]
	if !ok {
		return domain.ErrNotFound
	}
	msg.Read = true
	return nil
}

// DeleteMessage 删除单封邮件
func (s *Store) DeleteMessage(_ context.Context, kind domain.MailboxKind, mailboxID, messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[kind][messageID]
	if !ok || msg.MailboxID != mailboxID {
		return "", domain.ErrNotFound
	}
	delete(s.messages[kind], messageID)
	return msg.BlobKey, nil
}

// CountBlobReferences 统计两张表中对 blob 的引用
func (s *Store) CountBlobReferences(_ context.Context, blobKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, kind := range domain.MessageKinds {
		for _, msg := range s.messages[kind] {
			if msg.BlobKey == blobKey {
				count++
			}
		}
	}
	return count, nil
}

// ========== Notifications ==========

// ClaimNotification 记录通知 ID，重复时返回 false
func (s *Store) ClaimNotification(_ context.Context, messageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.notifications[messageID]; seen {
		return false, nil
	}
	s.notifications[messageID] = at
	return true, nil
}

// ReleaseNotification 释放通知 ID，允许重新处理
func (s *Store) ReleaseNotification(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.notifications, messageID)
	return nil
}

// PruneNotifications 删除 before 之前认领的通知 ID
func (s *Store) PruneNotifications(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, at := range s.notifications {
		if at.Before(before) {
			delete(s.notifications, id)
			n++
		}
	}
	return n, nil
}

// Ping 内存存储始终可用
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}
