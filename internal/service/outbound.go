package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/jhillyerd/enmime/v2"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/monitoring"
	"github.com/Merit-Systems/x402email/internal/security"
	"github.com/Merit-Systems/x402email/internal/sender"
	"github.com/Merit-Systems/x402email/internal/storage"
)

// 外发限制
const (
	MaxRecipients        = 50
	MaxAttachments       = 5
	MaxAttachmentEncoded = 5_000_000 // base64 字符数
	MaxBodyLength        = 256_000
)

// 发件来源，用于指标标签
const (
	SourceShared    = "shared"
	SourceInbox     = "inbox"
	SourceSubdomain = "subdomain"
)

// SendAttachment 外发附件，Content 为 base64
type SendAttachment struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

// SendRequest 外发邮件请求
type SendRequest struct {
	To          []string         `json:"to"`
	Subject     string           `json:"subject"`
	Text        string           `json:"text,omitempty"`
	HTML        string           `json:"html,omitempty"`
	ReplyTo     string           `json:"replyTo,omitempty"`
	Attachments []SendAttachment `json:"attachments,omitempty"`
}

// SendResult 外发结果
type SendResult struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
}

// OutboundService 外发邮件
type OutboundService struct {
	cfg    Config
	store  storage.Store
	sender sender.Sender
	now    func() time.Time
	log    *zap.Logger
}

// NewOutboundService 创建外发服务
func NewOutboundService(cfg Config, deps Deps) *OutboundService {
	deps = deps.withDefaults()
	return &OutboundService{
		cfg:    normalizeConfig(cfg),
		store:  deps.Store,
		sender: deps.Sender,
		now:    deps.Clock,
		log:    deps.Logger.Named("outbound"),
	}
}

// SendShared 从共享中继地址发信，任何付费钱包都可使用
func (s *OutboundService) SendShared(ctx context.Context, wallet string, req SendRequest) (*SendResult, error) {
	if _, err := callerWallet(wallet); err != nil {
		return nil, err
	}
	return s.send(ctx, SourceShared, s.cfg.RelayName, s.cfg.RelayAddress, req)
}

// SendFromInbox 从所有者的根域名收件箱发信，收件箱必须仍然有效
func (s *OutboundService) SendFromInbox(ctx context.Context, wallet, username string, req SendRequest) (*SendResult, error) {
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
	if !mailbox.Deliverable(s.now()) {
		return nil, domain.Forbiddenf("Inbox is expired, top up to reactivate")
	}
	return s.send(ctx, SourceInbox, "", username+"@"+s.cfg.RootDomain, req)
}

// SendFromSubdomain 以子域名地址发信，调用方必须是所有者或签名钱包
func (s *OutboundService) SendFromSubdomain(ctx context.Context, wallet, from string, req SendRequest) (*SendResult, error) {
	localPart, host, ok := domain.SplitAddress(from)
	suffix := "." + s.cfg.RootDomain
	if !ok || !strings.HasSuffix(host, suffix) || domain.ValidateLocalPart(localPart) != nil {
		return nil, domain.Validationf("from address must be on a *.%s subdomain", s.cfg.RootDomain)
	}
	name := strings.TrimSuffix(host, suffix)

	sub, err := s.store.GetSubdomain(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Subdomain not found")
	}
	if err != nil {
		return nil, err
	}
	if !domain.SameWallet(sub.OwnerWallet, wallet) {
		signer, err := s.store.IsSigner(ctx, sub.ID, wallet)
		if err != nil {
			return nil, err
		}
		if !signer {
			return nil, domain.Forbiddenf("Wallet not authorized for this subdomain")
		}
	}
	if !sub.SESVerified {
		return nil, domain.Unavailablef("Subdomain email is not yet verified, check subdomain status")
	}
	return s.send(ctx, SourceSubdomain, "", localPart+"@"+host, req)
}

func (s *OutboundService) send(ctx context.Context, source, fromName, from string, req SendRequest) (*SendResult, error) {
	raw, recipients, err := s.compose(fromName, from, req)
	if err != nil {
		return nil, err
	}

	id, err := s.sender.SendRaw(ctx, from, recipients, raw)
	if err != nil {
		monitoring.RecordOutbound(source, "failed")
		s.log.Warn("outbound send failed", zap.String("from", from), zap.Int("recipients", len(recipients)), zap.Error(err))
		return nil, domain.UpstreamFailure(err, "Email send failed")
	}

	monitoring.RecordOutbound(source, "sent")
	s.log.Info("outbound message sent",
		zap.String("source", source),
		zap.String("from", from),
		zap.Int("recipients", len(recipients)),
		zap.String("message_id", id),
	)
	return &SendResult{MessageID: id, From: from}, nil
}

// compose 校验请求并用 enmime 组装 MIME 邮件
func (s *OutboundService) compose(fromName, from string, req SendRequest) ([]byte, []string, error) {
	if len(req.To) == 0 || len(req.To) > MaxRecipients {
		return nil, nil, domain.Validationf("to must contain between 1 and %d recipients", MaxRecipients)
	}
	recipients := make([]string, 0, len(req.To))
	for _, to := range req.To {
		addr, err := domain.NormalizeEmail(to)
		if err != nil {
			return nil, nil, domain.Validationf("Invalid recipient address %q", stripCRLF(to))
		}
		recipients = append(recipients, addr)
	}

	subject := stripCRLF(strings.TrimSpace(req.Subject))
	if subject == "" || len([]rune(subject)) > domain.MaxSubjectLength {
		return nil, nil, domain.Validationf("subject must be between 1 and %d characters", domain.MaxSubjectLength)
	}
	if req.Text == "" && req.HTML == "" {
		return nil, nil, domain.Validationf("Either html or text body is required")
	}
	if len(req.Text) > MaxBodyLength || len(req.HTML) > MaxBodyLength {
		return nil, nil, domain.Validationf("body must be at most %d characters", MaxBodyLength)
	}
	if len(req.Attachments) > MaxAttachments {
		return nil, nil, domain.Validationf("at most %d attachments are allowed", MaxAttachments)
	}

	builder := enmime.Builder().
		From(stripCRLF(fromName), from).
		Subject(subject).
		Date(s.now())
	for _, addr := range recipients {
		builder = builder.To("", addr)
	}
	if req.ReplyTo != "" {
		replyTo, err := domain.NormalizeEmail(req.ReplyTo)
		if err != nil {
			return nil, nil, domain.Validationf("Invalid replyTo address")
		}
		builder = builder.ReplyTo("", replyTo)
	}
	if req.Text != "" {
		builder = builder.Text([]byte(req.Text))
	}
	if req.HTML != "" {
		builder = builder.HTML([]byte(req.HTML))
	}
	for _, att := range req.Attachments {
		if len(att.Content) > MaxAttachmentEncoded {
			return nil, nil, domain.Validationf("Attachment %q is too large", stripCRLF(att.Filename))
		}
		filename := stripCRLF(strings.TrimSpace(att.Filename))
		contentType := stripCRLF(strings.TrimSpace(att.ContentType))
		if filename == "" || contentType == "" {
			return nil, nil, domain.Validationf("Attachment filename and contentType are required")
		}
		data, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, nil, domain.Validationf("Attachment %q is not valid base64", filename)
		}
		if err := security.CheckAttachment(filename, contentType, data); err != nil {
			return nil, nil, domain.Validationf("Attachment %q rejected: %v", filename, err)
		}
		builder = builder.AddAttachment(data, contentType, filename)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, nil, domain.Validationf("Invalid message: %v", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), recipients, nil
}

// stripCRLF 去掉换行，防止头部注入
func stripCRLF(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}
