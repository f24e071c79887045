package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Merit-Systems/x402email/internal/domain"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender 通过 SES v2 发送原始邮件，按账户发送速率限速
type SESSender struct {
	client  sesAPI
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewSESSender 创建 SES 发送器
func NewSESSender(awsCfg aws.Config, rps float64, burst int, log *zap.Logger) *SESSender {
	return newSESSender(sesv2.NewFromConfig(awsCfg), rps, burst, log)
}

func newSESSender(client sesAPI, rps float64, burst int, log *zap.Logger) *SESSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESSender{
		client:  client,
		limiter: newLimiter(rps, burst),
		log:     log.Named("ses"),
	}
}

func (s *SESSender) SendRaw(ctx context.Context, from string, to []string, raw []byte) (string, error) {
	if len(to) == 0 {
		return "", domain.Validationf("at least one recipient is required")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", domain.UpstreamFailure(err, "send rate limit wait aborted")
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		s.log.Warn("ses send failed", zap.Strings("to", to), zap.Error(err))
		return "", domain.UpstreamFailure(fmt.Errorf("ses send email: %w", err), "failed to send message")
	}

	id := aws.ToString(out.MessageId)
	s.log.Debug("ses send ok", zap.String("message_id", id), zap.Strings("to", to))
	return id, nil
}
