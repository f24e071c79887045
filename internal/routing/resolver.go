// Package routing 决定每个入站收件人的去向：转发、保留或丢弃。
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/capacity"
	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/monitoring"
	"github.com/Merit-Systems/x402email/internal/rewrite"
	"github.com/Merit-Systems/x402email/internal/sender"
)

// Store 路由需要的存储操作
type Store interface {
	GetRootMailbox(ctx context.Context, username string) (*domain.RootMailbox, error)
	GetSubdomain(ctx context.Context, name string) (*domain.Subdomain, error)
	GetSubdomainInbox(ctx context.Context, subdomainID, localPart string) (*domain.SubdomainInbox, error)
	CountMessages(ctx context.Context, kind domain.MailboxKind, mailboxID string) (int64, error)
	SaveMessage(ctx context.Context, kind domain.MailboxKind, message *domain.RetainedMessage) error
}

// Inbound 一次通知中所有收件人共享的邮件内容
type Inbound struct {
	Raw     []byte
	BlobKey string
	From    string // 原始发件人，可带显示名
	Subject string
}

// 丢弃原因
const (
	ReasonInvalidAddress   = "invalid_address"
	ReasonUnmanagedDomain  = "unmanaged_domain"
	ReasonNoMailbox        = "no_mailbox"
	ReasonMailboxInactive  = "mailbox_inactive"
	ReasonNoSubdomain      = "no_subdomain"
	ReasonSubdomainPending = "subdomain_unverified"
	ReasonInboxInactive    = "inbox_inactive"
	ReasonNoRoute          = "no_route"
)

// 投递目标
const (
	TargetRootMailbox    = "root"
	TargetSubdomainInbox = "subdomain_inbox"
	TargetCatchAll       = "catch_all"
)

// Disposition 单个收件人的处理结果
type Disposition struct {
	Recipient       string `json:"recipient"`
	Target          string `json:"target,omitempty"`
	Forwarded       bool   `json:"forwarded"`
	ForwardFailed   bool   `json:"forwardFailed,omitempty"`
	Retained        bool   `json:"retained"`
	RetentionDenied bool   `json:"retentionDenied,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Dropped 既没有转发也没有保留
func (d Disposition) Dropped() bool {
	return !d.Forwarded && !d.Retained
}

// Config 中继身份
type Config struct {
	RootDomain   string
	RelayAddress string
	RelaySuffix  string
	RelayName    string
}

// Deps 路由依赖
type Deps struct {
	Store    Store
	Sender   sender.Sender
	Capacity capacity.Enforcer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver 收件人路由
type Resolver struct {
	store    Store
	sender   sender.Sender
	capacity capacity.Enforcer
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// NewResolver 创建路由器
func NewResolver(cfg Config, deps Deps) *Resolver {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg.RootDomain = strings.ToLower(cfg.RootDomain)
	return &Resolver{
		store:    deps.Store,
		sender:   deps.Sender,
		capacity: deps.Capacity,
		cfg:      cfg,
		now:      deps.Clock,
		log:      deps.Logger.Named("routing"),
	}
}

// RootDomain 根域名
func (r *Resolver) RootDomain() string {
	return r.cfg.RootDomain
}

// Manages 判断地址是否属于本服务管理的命名空间
func (r *Resolver) Manages(address string) bool {
	_, dom, ok := domain.SplitAddress(address)
	if !ok {
		return false
	}
	if dom == r.cfg.RootDomain {
		return true
	}
	label, ok := r.subdomainLabel(dom)
	return ok && label != ""
}

func (r *Resolver) subdomainLabel(dom string) (string, bool) {
	suffix := "." + r.cfg.RootDomain
	if !strings.HasSuffix(dom, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(dom, suffix)
	// 只接受单级子域名
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// Resolve 处理单个收件人
//
// 查找失败（非 NotFound）时返回错误，调用方记录后继续处理其它收件人。
// 转发失败不会返回错误，也不影响同一收件人的保留。
func (r *Resolver) Resolve(ctx context.Context, recipient string, in Inbound) (Disposition, error) {
	disp := Disposition{Recipient: recipient}

	local, dom, ok := domain.SplitAddress(recipient)
	if !ok {
		return r.drop(disp, ReasonInvalidAddress), nil
	}
	disp.Recipient = local + "@" + dom

	if dom == r.cfg.RootDomain {
		return r.resolveRoot(ctx, disp, local, in)
	}
	if label, ok := r.subdomainLabel(dom); ok {
		return r.resolveSubdomain(ctx, disp, label, local, in)
	}
	return r.drop(disp, ReasonUnmanagedDomain), nil
}

func (r *Resolver) resolveRoot(ctx context.Context, disp Disposition, username string, in Inbound) (Disposition, error) {
	mailbox, err := r.store.GetRootMailbox(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return r.drop(disp, ReasonNoMailbox), nil
		}
		return disp, fmt.Errorf("lookup mailbox %s: %w", username, err)
	}
	if !mailbox.Deliverable(r.now()) {
		return r.drop(disp, ReasonMailboxInactive), nil
	}

	disp.Target = TargetRootMailbox
	return r.deliver(ctx, disp, domain.KindRootMailbox, mailbox.ID, mailbox.ForwardTo, mailbox.RetainMessages, in)
}

func (r *Resolver) resolveSubdomain(ctx context.Context, disp Disposition, name, local string, in Inbound) (Disposition, error) {
	sub, err := r.store.GetSubdomain(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return r.drop(disp, ReasonNoSubdomain), nil
		}
		return disp, fmt.Errorf("lookup subdomain %s: %w", name, err)
	}
	if !sub.DNSVerified {
		return r.drop(disp, ReasonSubdomainPending), nil
	}

	inbox, err := r.store.GetSubdomainInbox(ctx, sub.ID, local)
	switch {
	case err == nil:
		// 停用的专属收件箱不回落到 catch-all
		if !inbox.Active {
			return r.drop(disp, ReasonInboxInactive), nil
		}
		disp.Target = TargetSubdomainInbox
		return r.deliver(ctx, disp, domain.KindSubdomainInbox, inbox.ID, inbox.ForwardTo, inbox.RetainMessages, in)
	case !errors.Is(err, domain.ErrNotFound):
		return disp, fmt.Errorf("lookup inbox %s@%s: %w", local, name, err)
	}

	if !sub.HasCatchAll() {
		return r.drop(disp, ReasonNoRoute), nil
	}
	disp.Target = TargetCatchAll
	r.forward(ctx, &disp, *sub.CatchAllForwardTo, in)
	r.record(disp)
	return disp, nil
}

func (r *Resolver) deliver(ctx context.Context, disp Disposition, kind domain.MailboxKind, mailboxID string, forwardTo *string, retain bool, in Inbound) (Disposition, error) {
	if forwardTo != nil && *forwardTo != "" {
		r.forward(ctx, &disp, *forwardTo, in)
	}

	var err error
	if retain {
		err = r.retain(ctx, &disp, kind, mailboxID, in)
	}
	if !disp.Forwarded && !disp.Retained && disp.Reason == "" {
		disp.Reason = ReasonNoRoute
	}
	r.record(disp)
	return disp, err
}

// forward 改写邮件头后发送，失败只记录
func (r *Resolver) forward(ctx context.Context, disp *Disposition, forwardTo string, in Inbound) {
	raw := rewrite.Rewrite(in.Raw, rewrite.Params{
		ForwardTo:    forwardTo,
		OriginalFrom: in.From,
		OriginalTo:   disp.Recipient,
		RelayAddress: r.cfg.RelayAddress,
		RelaySuffix:  r.cfg.RelaySuffix,
		RelayName:    r.cfg.RelayName,
	})

	id, err := r.sender.SendRaw(ctx, r.cfg.RelayAddress, []string{forwardTo}, raw)
	if err != nil {
		disp.ForwardFailed = true
		monitoring.RecordForwardFailure()
		r.log.Error("forward failed",
			zap.String("recipient", disp.Recipient),
			zap.String("forward_to", forwardTo),
			zap.Error(err),
		)
		return
	}

	disp.Forwarded = true
	r.log.Info("message forwarded",
		zap.String("recipient", disp.Recipient),
		zap.String("forward_to", forwardTo),
		zap.String("transport_id", id),
	)
}

// retain 在容量允许时保存邮件元数据，容量不足时静默跳过
func (r *Resolver) retain(ctx context.Context, disp *Disposition, kind domain.MailboxKind, mailboxID string, in Inbound) error {
	count, err := r.store.CountMessages(ctx, kind, mailboxID)
	if err != nil {
		return fmt.Errorf("count messages for %s: %w", mailboxID, err)
	}
	if !r.capacity.Allow(count) {
		disp.RetentionDenied = true
		monitoring.RecordRetentionDenied(string(kind))
		r.log.Debug("retention denied: mailbox full",
			zap.String("recipient", disp.Recipient),
			zap.Int64("count", count),
		)
		return nil
	}

	msg := &domain.RetainedMessage{
		ID:         uuid.NewString(),
		MailboxID:  mailboxID,
		BlobKey:    in.BlobKey,
		FromEmail:  strings.ToLower(rewrite.ExtractAddress(in.From)),
		Subject:    domain.TruncateSubject(in.Subject),
		ReceivedAt: r.now().UTC(),
	}
	if err := r.store.SaveMessage(ctx, kind, msg); err != nil {
		return fmt.Errorf("save message for %s: %w", mailboxID, err)
	}
	disp.Retained = true
	return nil
}

func (r *Resolver) drop(disp Disposition, reason string) Disposition {
	disp.Reason = reason
	r.log.Debug("recipient dropped", zap.String("recipient", disp.Recipient), zap.String("reason", reason))
	r.record(disp)
	return disp
}

func (r *Resolver) record(disp Disposition) {
	switch {
	case disp.Forwarded && disp.Retained:
		monitoring.RecordDisposition("forwarded_retained")
	case disp.Forwarded:
		monitoring.RecordDisposition("forwarded")
	case disp.Retained:
		monitoring.RecordDisposition("retained")
	case disp.ForwardFailed:
		monitoring.RecordDisposition("failed")
	default:
		monitoring.RecordDisposition("dropped")
	}
}
