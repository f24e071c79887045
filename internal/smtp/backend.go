// Package smtp 提供开发用的 SMTP 入站服务。
//
// 收到的邮件写入 blob 存储后，构造一条与 SES 相同结构的通知交给入站处理器，
// 本地无需 SES 即可走完整条路由、转发与保留流程。
package smtp

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime/v2"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/inbound"
	"github.com/Merit-Systems/x402email/internal/monitoring"
)

// 会话限制
const (
	MaxMessageBytes = 10 * 1024 * 1024 // 10MB，与 SES 入站上限一致
	MaxRecipients   = 50
	KeyPrefix       = "smtp/"
)

var errTooManyConnections = &gosmtp.SMTPError{
	Code:         421,
	EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
	Message:      "too many connections, try again later",
}

// Addresses 判断地址是否由本服务管理
type Addresses interface {
	Manages(address string) bool
}

// BlobWriter 写入原始邮件
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Processor 入站处理器
type Processor interface {
	Process(ctx context.Context, messageID string, n *inbound.Notification) *inbound.Result
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往根域名和子域名的邮件，外部地址一律 550，不会成为开放中继。
type Backend struct {
	addresses Addresses
	blobs     BlobWriter
	processor Processor
	limiter   *ConnectionLimiter
	timeout   time.Duration
	log       *zap.Logger

	newID func() string
}

// NewBackend 创建 SMTP Backend。limiter 为空时不限流。
func NewBackend(addresses Addresses, blobs BlobWriter, processor Processor, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		addresses: addresses,
		blobs:     blobs,
		processor: processor,
		limiter:   limiter,
		timeout:   30 * time.Second,
		log:       log.Named("smtp"),
		newID:     uuid.NewString,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		monitoring.RecordRateLimitBlock("smtp")
		return nil, errTooManyConnections
	}
	return &session{backend: b}, nil
}

type session struct {
	backend    *Backend
	from       string
	recipients []string
	once       sync.Once
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，只接受本服务管理的地址。
//
// 邮箱是否存在交给路由决定，不存在的地址会被静默丢弃，与 SES 收信行为一致。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if strings.Count(addr, "@") != 1 {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if !s.backend.addresses.Manages(addr) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}
	if len(s.recipients) >= MaxRecipients {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "too many recipients",
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 保存原文并交给入站处理器。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r, MaxMessageBytes+1))
	if err != nil {
		return err
	}
	if len(raw) > MaxMessageBytes {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message too large",
		}
	}

	b := s.backend
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	id := b.newID()
	key := KeyPrefix + id
	if err := b.blobs.Put(ctx, key, raw); err != nil {
		b.log.Error("failed to store raw message", zap.String("object_key", key), zap.Error(err))
		return temporaryFailure()
	}

	n := s.notification(id, key, raw)
	result := b.processor.Process(ctx, "smtp-"+id, n)
	b.log.Info("smtp message accepted",
		zap.String("from", s.from),
		zap.Strings("recipients", s.recipients),
		zap.String("status", result.Status),
		zap.Int("forwarded", result.Forwarded),
		zap.Int("retained", result.Retained),
	)
	if result.Status == inbound.StatusFailed {
		return temporaryFailure()
	}
	return nil
}

// notification 按 SES 收信通知的结构组装元数据
func (s *session) notification(id, key string, raw []byte) *inbound.Notification {
	headers := inbound.CommonHeaders{}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		s.backend.log.Debug("failed to parse message headers", zap.Error(err))
	} else {
		if from := env.GetHeader("From"); from != "" {
			headers.From = []string{from}
		}
		headers.Subject = env.GetHeader("Subject")
	}

	return &inbound.Notification{
		NotificationType: "Received",
		Mail: inbound.Mail{
			Source:        s.from,
			MessageID:     id,
			CommonHeaders: headers,
		},
		Receipt: inbound.Receipt{
			Recipients: append([]string(nil), s.recipients...),
			Action:     inbound.Action{Type: "S3", ObjectKey: key},
		},
	}
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.once.Do(func() {
		if s.backend.limiter != nil {
			s.backend.limiter.Release()
		}
	})
	return nil
}

func temporaryFailure() error {
	return &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure, try again later",
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
