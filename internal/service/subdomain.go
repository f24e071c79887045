package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/storage"
)

// SubdomainService 子域名、签名钱包与子域名收件箱业务
type SubdomainService struct {
	cfg      Config
	store    storage.Store
	blobs    *blob.Manager
	messages *messageBox
	now      func() time.Time
	log      *zap.Logger
}

// NewSubdomainService 创建子域名服务
func NewSubdomainService(cfg Config, deps Deps) *SubdomainService {
	deps = deps.withDefaults()
	log := deps.Logger.Named("subdomain")
	return &SubdomainService{
		cfg:   normalizeConfig(cfg),
		store: deps.Store,
		blobs: deps.Blobs,
		messages: &messageBox{
			store:    deps.Store,
			blobs:    deps.Blobs,
			capacity: deps.Capacity,
			log:      log,
		},
		now: deps.Clock,
		log: log,
	}
}

// SubdomainView 子域名状态
type SubdomainView struct {
	Name              string    `json:"name"`
	Domain            string    `json:"domain"`
	OwnerWallet       string    `json:"ownerWallet"`
	DNSVerified       bool      `json:"dnsVerified"`
	SESVerified       bool      `json:"sesVerified"`
	CatchAllForwardTo *string   `json:"catchAllForwardTo,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	InboxCount        int       `json:"inboxCount"`
	InboxLimit        int       `json:"inboxLimit"`
	SignerCount       int       `json:"signerCount"`
	SignerLimit       int       `json:"signerLimit"`
}

func (s *SubdomainService) view(sub *domain.Subdomain) *SubdomainView {
	return &SubdomainView{
		Name:              sub.Name,
		Domain:            sub.Name + "." + s.cfg.RootDomain,
		OwnerWallet:       sub.OwnerWallet,
		DNSVerified:       sub.DNSVerified,
		SESVerified:       sub.SESVerified,
		CatchAllForwardTo: sub.CatchAllForwardTo,
		CreatedAt:         sub.CreatedAt,
		InboxLimit:        domain.MaxInboxesPerSubdomain,
		SignerLimit:       domain.MaxSignersPerSubdomain,
	}
}

// Buy 注册子域名，DNS 由外部流程配置后通过 MarkVerified 回写
func (s *SubdomainService) Buy(ctx context.Context, wallet, name string) (*SubdomainView, error) {
	owner, err := callerWallet(wallet)
	if err != nil {
		return nil, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	switch err := domain.ValidateSubdomainName(name); {
	case errors.Is(err, domain.ErrReservedName):
		return nil, domain.Validationf("Subdomain %s is reserved", name)
	case err != nil:
		return nil, domain.Validationf("Subdomain must be 1 or 3-30 lowercase alphanumeric characters or hyphens")
	}

	now := s.now().UTC()
	sub := &domain.Subdomain{
		ID:          uuid.NewString(),
		Name:        name,
		OwnerWallet: owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSubdomain(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("Subdomain %s is already taken", name)
		}
		return nil, err
	}

	s.log.Info("subdomain purchased", zap.String("subdomain", name), zap.String("wallet", owner))
	return s.view(sub), nil
}

// Update 修改兜底转发地址，空字符串表示清除
func (s *SubdomainService) Update(ctx context.Context, wallet, name string, catchAllForwardTo *string) (*SubdomainView, error) {
	if catchAllForwardTo == nil {
		return nil, domain.Validationf("catchAllForwardTo is required")
	}
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, err
	}

	forward := strings.TrimSpace(*catchAllForwardTo)
	if forward != "" {
		if forward, err = normalizeForward(forward, s.cfg.RootDomain); err != nil {
			return nil, err
		}
	}
	updated, err := s.store.UpdateSubdomain(ctx, sub.Name, domain.SubdomainPatch{CatchAllForwardTo: &forward})
	if err != nil {
		return nil, err
	}
	return s.view(updated), nil
}

// Status 查询子域名状态
func (s *SubdomainService) Status(ctx context.Context, wallet, name string) (*SubdomainView, error) {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, err
	}
	inboxes, err := s.store.ListSubdomainInboxes(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	signers, err := s.store.ListSigners(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	view := s.view(sub)
	view.InboxCount = len(inboxes)
	view.SignerCount = len(signers)
	return view, nil
}

// ListOwned 列出钱包名下的子域名
func (s *SubdomainService) ListOwned(ctx context.Context, wallet string) ([]*SubdomainView, error) {
	owner, err := callerWallet(wallet)
	if err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubdomainsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	views := make([]*SubdomainView, 0, len(subs))
	for i := range subs {
		views = append(views, s.view(&subs[i]))
	}
	return views, nil
}

// MarkVerified 供 DNS/SES 配置流程回写验证状态
func (s *SubdomainService) MarkVerified(ctx context.Context, name string, dnsVerified, sesVerified *bool) (*SubdomainView, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	updated, err := s.store.UpdateSubdomain(ctx, name, domain.SubdomainPatch{
		DNSVerified: dnsVerified,
		SESVerified: sesVerified,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Subdomain not found")
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("subdomain verification updated",
		zap.String("subdomain", name),
		zap.Bool("dns_verified", updated.DNSVerified),
		zap.Bool("ses_verified", updated.SESVerified),
	)
	return s.view(updated), nil
}

// ========== Signers ==========

// AddSigner 添加签名钱包，重复添加直接返回已有记录
func (s *SubdomainService) AddSigner(ctx context.Context, wallet, name, signerWallet string) (*domain.Signer, error) {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, err
	}
	signer, err := domain.NormalizeWallet(signerWallet)
	if err != nil {
		return nil, domain.Validationf("Invalid signer wallet address")
	}

	added, err := s.store.AddSigner(ctx, sub.ID, signer, domain.MaxSignersPerSubdomain)
	if errors.Is(err, domain.ErrLimit) {
		return nil, domain.Conflictf("Subdomain already has the maximum of %d signers", domain.MaxSignersPerSubdomain)
	}
	if err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveSigner 移除签名钱包
func (s *SubdomainService) RemoveSigner(ctx context.Context, wallet, name, signerWallet string) error {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return err
	}
	err = s.store.RemoveSigner(ctx, sub.ID, strings.ToLower(strings.TrimSpace(signerWallet)))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotFoundf("Signer not found")
	}
	return err
}

// ListSigners 列出签名钱包
func (s *SubdomainService) ListSigners(ctx context.Context, wallet, name string) ([]domain.Signer, error) {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListSigners(ctx, sub.ID)
}

// ========== Inboxes ==========

// SubdomainInboxView 子域名收件箱
type SubdomainInboxView struct {
	ID             string    `json:"id"`
	LocalPart      string    `json:"localPart"`
	Address        string    `json:"address"`
	ForwardTo      *string   `json:"forwardTo,omitempty"`
	RetainMessages bool      `json:"retainMessages"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	MessageCount   int64     `json:"messageCount"`
}

func (s *SubdomainService) inboxView(sub *domain.Subdomain, inbox *domain.SubdomainInbox) *SubdomainInboxView {
	return &SubdomainInboxView{
		ID:             inbox.ID,
		LocalPart:      inbox.LocalPart,
		Address:        inbox.Address(sub.Name, s.cfg.RootDomain),
		ForwardTo:      inbox.ForwardTo,
		RetainMessages: inbox.RetainMessages,
		Active:         inbox.Active,
		CreatedAt:      inbox.CreatedAt,
	}
}

// CreateSubdomainInboxInput 创建子域名收件箱
type CreateSubdomainInboxInput struct {
	LocalPart      string
	ForwardTo      string
	RetainMessages *bool // 未指定时，没有转发地址则默认保留
}

// CreateInbox 创建子域名收件箱
func (s *SubdomainService) CreateInbox(ctx context.Context, wallet, name string, input CreateSubdomainInboxInput) (*SubdomainInboxView, error) {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, err
	}
	localPart := strings.ToLower(strings.TrimSpace(input.LocalPart))
	if err := domain.ValidateLocalPart(localPart); err != nil {
		return nil, domain.Validationf("Invalid local part")
	}

	inbox := &domain.SubdomainInbox{
		ID:          uuid.NewString(),
		SubdomainID: sub.ID,
		LocalPart:   localPart,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if forward := strings.TrimSpace(input.ForwardTo); forward != "" {
		if forward, err = normalizeForward(forward, s.cfg.RootDomain); err != nil {
			return nil, err
		}
		inbox.ForwardTo = &forward
	}
	inbox.RetainMessages = !inbox.HasForward()
	if input.RetainMessages != nil {
		inbox.RetainMessages = *input.RetainMessages
	}
	if !inbox.HasForward() && !inbox.RetainMessages {
		return nil, domain.Validationf("Inbox must either forward or retain messages")
	}

	err = s.store.CreateSubdomainInbox(ctx, inbox, domain.MaxInboxesPerSubdomain)
	switch {
	case errors.Is(err, domain.ErrLimit):
		return nil, domain.Conflictf("Subdomain already has the maximum of %d inboxes", domain.MaxInboxesPerSubdomain)
	case errors.Is(err, domain.ErrConflict):
		return nil, domain.Conflictf("Inbox %s already exists", localPart)
	case err != nil:
		return nil, err
	}

	s.log.Info("subdomain inbox created", zap.String("subdomain", sub.Name), zap.String("local_part", localPart))
	return s.inboxView(sub, inbox), nil
}

// UpdateSubdomainInboxInput 更新子域名收件箱，nil 字段不修改
type UpdateSubdomainInboxInput struct {
	ForwardTo      *string
	RetainMessages *bool
	Active         *bool
}

// UpdateInbox 更新子域名收件箱
func (s *SubdomainService) UpdateInbox(ctx context.Context, wallet, name, localPart string, input UpdateSubdomainInboxInput) (*SubdomainInboxView, error) {
	if input.ForwardTo == nil && input.RetainMessages == nil && input.Active == nil {
		return nil, domain.Validationf("At least one of forwardTo, retainMessages or active is required")
	}
	sub, inbox, err := s.ownedInbox(ctx, wallet, name, localPart)
	if err != nil {
		return nil, err
	}

	patch := domain.SubdomainInboxPatch{RetainMessages: input.RetainMessages, Active: input.Active}
	hasForward := inbox.HasForward()
	if input.ForwardTo != nil {
		forward := strings.TrimSpace(*input.ForwardTo)
		if forward != "" {
			if forward, err = normalizeForward(forward, s.cfg.RootDomain); err != nil {
				return nil, err
			}
		}
		patch.ForwardTo = &forward
		hasForward = forward != ""
	}
	retain := inbox.RetainMessages
	if input.RetainMessages != nil {
		retain = *input.RetainMessages
	}
	if !hasForward && !retain {
		return nil, domain.Validationf("Inbox must either forward or retain messages")
	}

	updated, err := s.store.UpdateSubdomainInbox(ctx, inbox.ID, patch)
	if err != nil {
		return nil, err
	}
	return s.inboxView(sub, updated), nil
}

// ListInboxes 列出子域名收件箱及各自的邮件数
func (s *SubdomainService) ListInboxes(ctx context.Context, wallet, name string) ([]*SubdomainInboxView, error) {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, err
	}
	inboxes, err := s.store.ListSubdomainInboxes(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	views := make([]*SubdomainInboxView, 0, len(inboxes))
	for i := range inboxes {
		view := s.inboxView(sub, &inboxes[i])
		count, err := s.store.CountMessages(ctx, domain.KindSubdomainInbox, inboxes[i].ID)
		if err != nil {
			return nil, err
		}
		view.MessageCount = count
		views = append(views, view)
	}
	return views, nil
}

// DeleteInboxResult 删除收件箱结果
type DeleteInboxResult struct {
	LocalPart       string `json:"localPart"`
	Deleted         bool   `json:"deleted"`
	MessagesDeleted int    `json:"messagesDeleted"`
	BlobsDeleted    int    `json:"blobsDeleted"`
}

// DeleteInbox 删除收件箱及其邮件，随后释放不再被引用的 blob
func (s *SubdomainService) DeleteInbox(ctx context.Context, wallet, name, localPart string) (*DeleteInboxResult, error) {
	_, inbox, err := s.ownedInbox(ctx, wallet, name, localPart)
	if err != nil {
		return nil, err
	}

	keys, err := s.store.DeleteSubdomainInbox(ctx, inbox.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Inbox not found on this subdomain")
	}
	if err != nil {
		return nil, err
	}

	return &DeleteInboxResult{
		LocalPart:       inbox.LocalPart,
		Deleted:         true,
		MessagesDeleted: len(keys),
		BlobsDeleted:    s.blobs.ReleaseAll(ctx, keys),
	}, nil
}

// ListInboxMessages 列出子域名收件箱的邮件
func (s *SubdomainService) ListInboxMessages(ctx context.Context, wallet, name, localPart string, q ListQuery) (*MessagePage, error) {
	_, inbox, err := s.ownedInbox(ctx, wallet, name, localPart)
	if err != nil {
		return nil, err
	}
	return s.messages.list(ctx, domain.KindSubdomainInbox, inbox.ID, q)
}

// ReadInboxMessage 读取子域名收件箱的邮件
func (s *SubdomainService) ReadInboxMessage(ctx context.Context, wallet, name, localPart, messageID string) (*MessageDetail, error) {
	_, inbox, err := s.ownedInbox(ctx, wallet, name, localPart)
	if err != nil {
		return nil, err
	}
	return s.messages.read(ctx, domain.KindSubdomainInbox, inbox.ID, messageID)
}

// DeleteInboxMessage 删除子域名收件箱的邮件
func (s *SubdomainService) DeleteInboxMessage(ctx context.Context, wallet, name, localPart, messageID string) (*DeleteMessageResult, error) {
	_, inbox, err := s.ownedInbox(ctx, wallet, name, localPart)
	if err != nil {
		return nil, err
	}
	return s.messages.remove(ctx, domain.KindSubdomainInbox, inbox.ID, messageID)
}

func (s *SubdomainService) owned(ctx context.Context, wallet, name string) (*domain.Subdomain, error) {
	sub, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if !domain.SameWallet(sub.OwnerWallet, wallet) {
		return nil, domain.Forbiddenf("Wallet not authorized for this subdomain")
	}
	return sub, nil
}

func (s *SubdomainService) ownedInbox(ctx context.Context, wallet, name, localPart string) (*domain.Subdomain, *domain.SubdomainInbox, error) {
	sub, err := s.owned(ctx, wallet, name)
	if err != nil {
		return nil, nil, err
	}
	inbox, err := s.store.GetSubdomainInbox(ctx, sub.ID, strings.ToLower(strings.TrimSpace(localPart)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, domain.NotFoundf("Inbox not found on this subdomain")
	}
	if err != nil {
		return nil, nil, err
	}
	return sub, inbox, nil
}

func (s *SubdomainService) load(ctx context.Context, name string) (*domain.Subdomain, error) {
	sub, err := s.store.GetSubdomain(ctx, strings.ToLower(strings.TrimSpace(name)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Subdomain not found")
	}
	return sub, err
}
