// Package inbound 处理 SES 经 SNS 推送的入站邮件通知。
package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/monitoring"
	"github.com/Merit-Systems/x402email/internal/routing"
)

// ErrMalformed 外层 JSON 无法解析，对应 HTTP 400
var ErrMalformed = errors.New("malformed notification")

// DefaultSubject 邮件缺少主题时的占位
const DefaultSubject = "(no subject)"

// 处理状态
const (
	StatusConfirmed = "confirmed"
	StatusIgnored   = "ignored"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Router 单个收件人的路由
type Router interface {
	Resolve(ctx context.Context, recipient string, in routing.Inbound) (routing.Disposition, error)
}

// Blobs 原文读取与释放
type Blobs interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Release(ctx context.Context, key string) (bool, error)
}

// Verifier 签名校验
type Verifier interface {
	Verify(ctx context.Context, env *Envelope) error
}

// Result 一次通知的处理结果，作为 200 响应体返回
type Result struct {
	Status       string                `json:"status"`
	Reason       string                `json:"reason,omitempty"`
	MessageID    string                `json:"messageId,omitempty"`
	Recipients   int                   `json:"recipients"`
	Forwarded    int                   `json:"forwarded"`
	Retained     int                   `json:"retained"`
	Dropped      int                   `json:"dropped"`
	Failed       int                   `json:"failed"`
	BlobDeleted  bool                  `json:"blobDeleted"`
	Dispositions []routing.Disposition `json:"dispositions,omitempty"`
}

// Config 入站处理配置
type Config struct {
	TopicARN        string // 为空时接受任意主题
	VerifySignature bool
}

// Deps 入站处理依赖
type Deps struct {
	Router     Router
	Blobs      Blobs
	Deduper    Deduper  // nil 表示不去重
	Verifier   Verifier // 为空且开启校验时使用 SignatureVerifier
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Processor 入站通知处理器
type Processor struct {
	cfg      Config
	router   Router
	blobs    Blobs
	dedup    Deduper
	verifier Verifier
	client   *http.Client
	log      *zap.Logger

	checkURL func(string) error
}

// NewProcessor 创建处理器
func NewProcessor(cfg Config, deps Deps) *Processor {
	if deps.Deduper == nil {
		deps.Deduper = noDedup{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.VerifySignature && deps.Verifier == nil {
		deps.Verifier = NewSignatureVerifier(deps.HTTPClient)
	}
	return &Processor{
		cfg:      cfg,
		router:   deps.Router,
		blobs:    deps.Blobs,
		dedup:    deps.Deduper,
		verifier: deps.Verifier,
		client:   deps.HTTPClient,
		log:      deps.Logger.Named("inbound"),
		checkURL: checkSNSURL,
	}
}

// HandleEnvelope 处理一次 webhook 请求体
//
// 只有外层 JSON 无法解析时返回 ErrMalformed，其余情况都返回 Result，
// 由调用方以 200 应答，避免 SNS 无意义的重投递。
func (p *Processor) HandleEnvelope(ctx context.Context, body []byte) (*Result, error) {
	env, err := ParseEnvelope(body)
	if err != nil {
		monitoring.RecordNotification(StatusRejected, 0)
		return nil, err
	}

	if p.cfg.TopicARN != "" && env.TopicArn != p.cfg.TopicARN {
		p.log.Warn("notification from unexpected topic ignored",
			zap.String("topic", env.TopicArn),
			zap.String("message_id", env.MessageID),
		)
		return p.finish(&Result{Status: StatusIgnored, Reason: "topic mismatch", MessageID: env.MessageID}, time.Now()), nil
	}

	if p.cfg.VerifySignature {
		if err := p.verifier.Verify(ctx, env); err != nil {
			p.log.Warn("sns signature rejected", zap.String("message_id", env.MessageID), zap.Error(err))
			return p.finish(&Result{Status: StatusRejected, Reason: "invalid signature", MessageID: env.MessageID}, time.Now()), nil
		}
	}

	switch env.Type {
	case TypeSubscriptionConfirmation:
		return p.confirmSubscription(ctx, env), nil
	case TypeNotification:
		n, err := ParseNotification(env.Message)
		if err != nil {
			p.log.Warn("undecodable notification body", zap.String("message_id", env.MessageID), zap.Error(err))
			return p.finish(&Result{Status: StatusRejected, Reason: "invalid message body", MessageID: env.MessageID}, time.Now()), nil
		}
		return p.Process(ctx, env.MessageID, n), nil
	default:
		p.log.Info("sns message type ignored", zap.String("type", env.Type))
		return p.finish(&Result{Status: StatusIgnored, Reason: "unsupported type", MessageID: env.MessageID}, time.Now()), nil
	}
}

func (p *Processor) confirmSubscription(ctx context.Context, env *Envelope) *Result {
	start := time.Now()
	result := &Result{MessageID: env.MessageID}

	if err := p.checkURL(env.SubscribeURL); err != nil {
		p.log.Warn("subscribe url rejected", zap.String("url", env.SubscribeURL), zap.Error(err))
		result.Status, result.Reason = StatusRejected, "invalid subscribe url"
		return p.finish(result, start)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= http.StatusMultipleChoices {
				err = fmt.Errorf("status %d", resp.StatusCode)
			}
		}
	}
	if err != nil {
		p.log.Error("subscription confirmation failed", zap.String("topic", env.TopicArn), zap.Error(err))
		result.Status, result.Reason = StatusFailed, "confirmation request failed"
		return p.finish(result, start)
	}

	p.log.Info("sns subscription confirmed", zap.String("topic", env.TopicArn))
	result.Status = StatusConfirmed
	return p.finish(result, start)
}

// Process 处理一条 SES 收信通知
//
// 原文只读取一次，收件人依次处理，单个收件人出错不影响其它收件人。
// 没有任何收件人保留邮件时释放原文；释放前会检查引用，重投递不会删掉仍被引用的原文。
func (p *Processor) Process(ctx context.Context, messageID string, n *Notification) *Result {
	start := time.Now()
	result := &Result{MessageID: messageID, Recipients: len(n.Receipt.Recipients)}

	key := n.Receipt.Action.ObjectKey
	if key == "" {
		p.log.Warn("notification without object key", zap.String("message_id", messageID))
		result.Status, result.Reason = StatusRejected, "missing object key"
		return p.finish(result, start)
	}

	claimed := false
	if messageID != "" {
		ok, err := p.dedup.Claim(ctx, messageID)
		switch {
		case err != nil:
			// 去重存储不可用时继续处理，宁可重复也不丢信
			p.log.Error("dedup claim failed", zap.String("message_id", messageID), zap.Error(err))
		case !ok:
			p.log.Info("duplicate notification skipped", zap.String("message_id", messageID))
			result.Status = StatusDuplicate
			return p.finish(result, start)
		default:
			claimed = true
		}
	}

	raw, err := p.blobs.Fetch(ctx, key)
	if err != nil {
		p.log.Error("failed to fetch raw message",
			zap.String("message_id", messageID),
			zap.String("object_key", key),
			zap.Error(err),
		)
		if claimed {
			if rerr := p.dedup.Release(ctx, messageID); rerr != nil {
				p.log.Warn("dedup release failed", zap.String("message_id", messageID), zap.Error(rerr))
			}
		}
		result.Status, result.Reason = StatusFailed, domain.MessageOf(err)
		return p.finish(result, start)
	}

	subject := strings.TrimSpace(n.Mail.CommonHeaders.Subject)
	if subject == "" {
		subject = DefaultSubject
	}
	in := routing.Inbound{
		Raw:     raw,
		BlobKey: key,
		From:    n.Sender(),
		Subject: domain.TruncateSubject(subject),
	}

	for _, rcpt := range n.Receipt.Recipients {
		disp, err := p.router.Resolve(ctx, rcpt, in)
		if err != nil {
			result.Failed++
			monitoring.Default.RecordError("resolve", "inbound")
			p.log.Error("recipient processing failed",
				zap.String("message_id", messageID),
				zap.String("recipient", rcpt),
				zap.Error(err),
			)
		}
		switch {
		case disp.Retained || disp.Forwarded:
			if disp.Forwarded {
				result.Forwarded++
			}
			if disp.Retained {
				result.Retained++
			}
		case disp.ForwardFailed:
			if err == nil {
				result.Failed++
			}
		case err == nil:
			result.Dropped++
		}
		result.Dispositions = append(result.Dispositions, disp)
	}

	if result.Retained == 0 {
		deleted, err := p.blobs.Release(ctx, key)
		if err != nil {
			p.log.Warn("blob release check failed", zap.String("object_key", key), zap.Error(err))
		}
		result.BlobDeleted = deleted
	}

	p.log.Info("inbound notification processed",
		zap.String("message_id", messageID),
		zap.Int("recipients", result.Recipients),
		zap.Int("forwarded", result.Forwarded),
		zap.Int("retained", result.Retained),
		zap.Int("dropped", result.Dropped),
		zap.Int("failed", result.Failed),
	)
	result.Status = StatusProcessed
	return p.finish(result, start)
}

func (p *Processor) finish(result *Result, start time.Time) *Result {
	monitoring.RecordNotification(result.Status, time.Since(start))
	return result
}
