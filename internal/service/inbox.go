package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/capacity"
	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/ledger"
	"github.com/Merit-Systems/x402email/internal/storage"
)

// InboxService 根域名收件箱业务
type InboxService struct {
	cfg      Config
	store    storage.Store
	ledger   *ledger.Ledger
	messages *messageBox
	capacity capacity.Enforcer
	now      func() time.Time
	log      *zap.Logger
}

// NewInboxService 创建收件箱服务
func NewInboxService(cfg Config, deps Deps) *InboxService {
	deps = deps.withDefaults()
	log := deps.Logger.Named("inbox")
	return &InboxService{
		cfg:    normalizeConfig(cfg),
		store:  deps.Store,
		ledger: deps.Ledger,
		messages: &messageBox{
			store:    deps.Store,
			blobs:    deps.Blobs,
			capacity: deps.Capacity,
			log:      log,
		},
		capacity: deps.Capacity,
		now:      deps.Clock,
		log:      log,
	}
}

// InboxView 对外返回的收件箱信息
type InboxView struct {
	Username       string          `json:"username"`
	Address        string          `json:"address"`
	OwnerWallet    string          `json:"ownerWallet"`
	ForwardTo      *string         `json:"forwardTo,omitempty"`
	RetainMessages bool            `json:"retainMessages"`
	Active         bool            `json:"active"`
	Cancelled      bool            `json:"cancelled"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	DaysRemaining  int             `json:"daysRemaining"`
	CreatedAt      time.Time       `json:"createdAt"`
	Usage          *capacity.Usage `json:"usage,omitempty"`
}

func (s *InboxService) view(mb *domain.RootMailbox) *InboxView {
	now := s.now()
	return &InboxView{
		Username:       mb.Username,
		Address:        mb.Username + "@" + s.cfg.RootDomain,
		OwnerWallet:    mb.OwnerWallet,
		ForwardTo:      mb.ForwardTo,
		RetainMessages: mb.RetainMessages,
		Active:         mb.Deliverable(now),
		Cancelled:      mb.Cancelled(),
		ExpiresAt:      mb.ExpiresAt,
		DaysRemaining:  ledger.DaysRemaining(mb.ExpiresAt, now),
		CreatedAt:      mb.CreatedAt,
	}
}

// BuyInboxInput 购买收件箱
type BuyInboxInput struct {
	Wallet         string
	Username       string
	ForwardTo      string
	RetainMessages bool
}

// Buy 创建收件箱，有效期为一个基础套餐周期
func (s *InboxService) Buy(ctx context.Context, input BuyInboxInput) (*InboxView, error) {
	wallet, err := callerWallet(input.Wallet)
	if err != nil {
		return nil, err
	}
	username := strings.ToLower(strings.TrimSpace(input.Username))
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	forwardTo, err := normalizeForward(input.ForwardTo, s.cfg.RootDomain)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	mailbox := &domain.RootMailbox{
		ID:             uuid.NewString(),
		Username:       username,
		OwnerWallet:    wallet,
		ForwardTo:      &forwardTo,
		RetainMessages: input.RetainMessages,
		Active:         true,
		ExpiresAt:      now.AddDate(0, 0, ledger.PlanTopup.Days),
		CreatedAt:      now,
		PaidAmount:     ledger.PlanTopup.Price,
		PaidDays:       ledger.PlanTopup.Days,
	}
	if err := s.store.CreateRootMailbox(ctx, mailbox); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("Username %s is already taken", username)
		}
		return nil, err
	}

	s.log.Info("inbox purchased",
		zap.String("username", username),
		zap.String("wallet", wallet),
		zap.Time("expires_at", mailbox.ExpiresAt),
	)
	return s.view(mailbox), nil
}

// UpdateInboxInput 更新收件箱，nil 字段不修改，ForwardTo 为空字符串表示清除
type UpdateInboxInput struct {
	Wallet         string
	Username       string
	ForwardTo      *string
	RetainMessages *bool
}

// Update 修改转发与保留设置
//
// 修改后的收件箱必须至少转发或保留其一。
func (s *InboxService) Update(ctx context.Context, input UpdateInboxInput) (*InboxView, error) {
	if input.ForwardTo == nil && input.RetainMessages == nil {
		return nil, domain.Validationf("At least one of forwardTo or retainMessages is required")
	}
	mailbox, err := s.owned(ctx, input.Wallet, input.Username)
	if err != nil {
		return nil, err
	}

	patch := domain.RootMailboxPatch{RetainMessages: input.RetainMessages}
	hasForward := mailbox.HasForward()
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
	retain := mailbox.RetainMessages
	if input.RetainMessages != nil {
		retain = *input.RetainMessages
	}
	if !hasForward && !retain {
		return nil, domain.Validationf("Inbox must either forward or retain messages")
	}

	updated, err := s.store.UpdateRootMailbox(ctx, mailbox.Username, patch)
	if err != nil {
		return nil, err
	}
	return s.view(updated), nil
}

// Status 查询收件箱状态和容量
func (s *InboxService) Status(ctx context.Context, wallet, username string) (*InboxView, error) {
	mailbox, err := s.owned(ctx, wallet, username)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountMessages(ctx, domain.KindRootMailbox, mailbox.ID)
	if err != nil {
		return nil, err
	}

	view := s.view(mailbox)
	usage := s.capacity.Usage(count)
	view.Usage = &usage
	return view, nil
}

// ListOwned 列出钱包名下的收件箱
func (s *InboxService) ListOwned(ctx context.Context, wallet string) ([]*InboxView, error) {
	normalized, err := callerWallet(wallet)
	if err != nil {
		return nil, err
	}
	mailboxes, err := s.store.ListRootMailboxesByOwner(ctx, normalized)
	if err != nil {
		return nil, err
	}
	views := make([]*InboxView, 0, len(mailboxes))
	for i := range mailboxes {
		views = append(views, s.view(&mailboxes[i]))
	}
	return views, nil
}

// Topup 任何钱包都可以续费
func (s *InboxService) Topup(ctx context.Context, username string, plan ledger.Plan) (*ledger.TopupResult, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	return s.ledger.Topup(ctx, username, plan)
}

// Cancel 所有者取消并按剩余天数退款
func (s *InboxService) Cancel(ctx context.Context, wallet, username, refundAddress string) (*ledger.CancelResult, error) {
	normalized, err := callerWallet(wallet)
	if err != nil {
		return nil, err
	}
	return s.ledger.Cancel(ctx, ledger.CancelRequest{
		Username:      username,
		CallerWallet:  normalized,
		RefundAddress: refundAddress,
	})
}

// ListMessages 列出保留邮件，需要开启保留
func (s *InboxService) ListMessages(ctx context.Context, wallet, username string, q ListQuery) (*MessagePage, error) {
	mailbox, err := s.owned(ctx, wallet, username)
	if err != nil {
		return nil, err
	}
	if !mailbox.RetainMessages {
		return nil, domain.Validationf("Message retention is not enabled for this inbox")
	}
	return s.messages.list(ctx, domain.KindRootMailbox, mailbox.ID, q)
}

// ReadMessage 读取并解析单封邮件，同时标记已读
func (s *InboxService) ReadMessage(ctx context.Context, wallet, username, messageID string) (*MessageDetail, error) {
	mailbox, err := s.owned(ctx, wallet, username)
	if err != nil {
		return nil, err
	}
	return s.messages.read(ctx, domain.KindRootMailbox, mailbox.ID, messageID)
}

// DeleteMessage 删除单封邮件
func (s *InboxService) DeleteMessage(ctx context.Context, wallet, username, messageID string) (*DeleteMessageResult, error) {
	mailbox, err := s.owned(ctx, wallet, username)
	if err != nil {
		return nil, err
	}
	return s.messages.remove(ctx, domain.KindRootMailbox, mailbox.ID, messageID)
}

// owned 加载收件箱并校验所有者
func (s *InboxService) owned(ctx context.Context, wallet, username string) (*domain.RootMailbox, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	mailbox, err := s.store.GetRootMailbox(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Inbox not found")
	}
	if err != nil {
		return nil, err
	}
	if !domain.SameWallet(mailbox.OwnerWallet, wallet) {
		return nil, domain.Forbiddenf("Wallet not authorized for this inbox")
	}
	return mailbox, nil
}

func validateUsername(username string) error {
	switch err := domain.ValidateUsername(username); {
	case errors.Is(err, domain.ErrReservedName):
		return domain.Validationf("Username %s is reserved", username)
	case err != nil:
		return domain.Validationf("Username must be 3-30 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric")
	}
	return nil
}
