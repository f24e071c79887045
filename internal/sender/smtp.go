package sender

import (
	"bytes"
	"context"
	"fmt"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Merit-Systems/x402email/internal/domain"
)

// SMTPSender 通过 SMTP 中继投递，适合本地 MailHog/Mailpit
type SMTPSender struct {
	addr    string
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSMTPSender 创建 SMTP 发送器
func NewSMTPSender(addr string, rps float64, burst int, log *zap.Logger) *SMTPSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPSender{
		addr:    addr,
		limiter: newLimiter(rps, burst),
		log:     log.Named("smtp-sender"),
	}
}

func (s *SMTPSender) SendRaw(ctx context.Context, from string, to []string, raw []byte) (string, error) {
	if len(to) == 0 {
		return "", domain.Validationf("at least one recipient is required")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", domain.UpstreamFailure(err, "send rate limit wait aborted")
	}

	if err := s.send(from, to, raw); err != nil {
		s.log.Warn("smtp send failed", zap.String("addr", s.addr), zap.Strings("to", to), zap.Error(err))
		return "", domain.UpstreamFailure(err, "failed to send message")
	}
	return "smtp-" + uuid.NewString(), nil
}

func (s *SMTPSender) send(from string, to []string, raw []byte) error {
	c, err := gosmtp.Dial(s.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("write data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return c.Quit()
}
