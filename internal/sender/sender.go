// Package sender 投递已经组装好的原始邮件。
package sender

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sender 转发与外发共用的投递接口，返回传输层消息 ID
type Sender interface {
	SendRaw(ctx context.Context, from string, to []string, raw []byte) (string, error)
}

// newLimiter rps 不大于零时不限速
func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// LogSender 只记录日志，用于本地开发
type LogSender struct {
	log *zap.Logger
}

// NewLogSender 创建 LogSender
func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log.Named("sender")}
}

func (s *LogSender) SendRaw(_ context.Context, from string, to []string, raw []byte) (string, error) {
	id := "log-" + uuid.NewString()
	s.log.Info("message not delivered (log sender)",
		zap.String("message_id", id),
		zap.String("from", from),
		zap.Strings("to", to),
		zap.Int("size", len(raw)),
	)
	return id, nil
}
