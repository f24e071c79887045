// Package ledger 管理根域名收件箱的到期时间：续费、取消退款与每日清理。
package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/monitoring"
	"github.com/Merit-Systems/x402email/internal/payment"
)

// Plan 一种购买时长
type Plan struct {
	Name  string  `json:"name"`
	Days  int     `json:"days"`
	Price float64 `json:"price"` // USDC
}

// 可购买的时长
var (
	PlanTopup   = Plan{Name: "topup", Days: 30, Price: 1.00}
	PlanQuarter = Plan{Name: "quarter", Days: 90, Price: 2.50}
	PlanYear    = Plan{Name: "year", Days: 365, Price: 8.00}
)

// RefundRatePerDay 基础套餐单价 $1 / 30 天，没有支付记录的收件箱按此退款
var RefundRatePerDay = PlanTopup.Price / float64(PlanTopup.Days)

// 退款状态
const (
	RefundWaived = "waived"
	RefundSent   = "sent"
	RefundFailed = "failed"
)

// Store 账本需要的存储操作
type Store interface {
	GetRootMailbox(ctx context.Context, username string) (*domain.RootMailbox, error)
	ExtendRootMailbox(ctx context.Context, username string, days int, price float64, now time.Time) (time.Time, error)
	DeactivateRootMailbox(ctx context.Context, username string, now time.Time) (bool, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	ListReminderCandidates(ctx context.Context, now time.Time, window, interval time.Duration) ([]domain.RootMailbox, error)
	MarkReminded(ctx context.Context, mailboxID string, at time.Time) error
}

// Notifier 发送到期提醒
type Notifier interface {
	Remind(ctx context.Context, mailbox domain.RootMailbox, now time.Time) error
}

// Config 账本参数
type Config struct {
	MinRefund        float64       // 低于该金额的退款直接免除
	ReminderWindow   time.Duration // 到期前多久开始提醒
	ReminderInterval time.Duration // 两次提醒的最小间隔
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MinRefund:        0.01,
		ReminderWindow:   7 * 24 * time.Hour,
		ReminderInterval: 24 * time.Hour,
	}
}

// Deps 账本依赖
type Deps struct {
	Store      Store
	Transferer payment.Transferer
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Ledger 到期账本
type Ledger struct {
	cfg        Config
	store      Store
	transferer payment.Transferer
	notifier   Notifier
	now        func() time.Time
	log        *zap.Logger
}

// New 创建账本
func New(cfg Config, deps Deps) *Ledger {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = defaults.ReminderWindow
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = defaults.ReminderInterval
	}
	return &Ledger{
		cfg:        cfg,
		store:      deps.Store,
		transferer: deps.Transferer,
		notifier:   deps.Notifier,
		now:        deps.Clock,
		log:        deps.Logger.Named("ledger"),
	}
}

// TopupResult 续费结果
type TopupResult struct {
	Username      string    `json:"username"`
	Plan          string    `json:"plan"`
	DaysAdded     int       `json:"daysAdded"`
	ExpiresAt     time.Time `json:"expiresAt"`
	DaysRemaining int       `json:"daysRemaining"`
}

// Topup 延长收件箱有效期并重新激活
//
// 新到期时间 = max(当前到期时间, now) + 天数，由存储层以单条条件更新完成，
// 并发续费不会互相覆盖。任何钱包都可以为收件箱续费。
func (l *Ledger) Topup(ctx context.Context, username string, plan Plan) (*TopupResult, error) {
	if plan.Days <= 0 {
		return nil, domain.Validationf("invalid plan %q", plan.Name)
	}
	username = strings.ToLower(strings.TrimSpace(username))
	now := l.now().UTC()

	expiresAt, err := l.store.ExtendRootMailbox(ctx, username, plan.Days, plan.Price, now)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, domain.NotFoundf("Inbox not found")
	case errors.Is(err, domain.ErrConflict):
		return nil, domain.Conflictf("Inbox %s was cancelled and cannot be topped up", username)
	case err != nil:
		return nil, err
	}

	monitoring.RecordTopup(plan.Name)
	l.log.Info("inbox topped up",
		zap.String("username", username),
		zap.String("plan", plan.Name),
		zap.Time("expires_at", expiresAt),
	)
	return &TopupResult{
		Username:      username,
		Plan:          plan.Name,
		DaysAdded:     plan.Days,
		ExpiresAt:     expiresAt,
		DaysRemaining: DaysRemaining(expiresAt, now),
	}, nil
}

// CancelRequest 取消请求
type CancelRequest struct {
	Username      string
	CallerWallet  string
	RefundAddress string // 为空时退回调用方钱包
}

// Refund 退款结果
type Refund struct {
	Amount float64 `json:"amount"`
	To     string  `json:"to"`
	Status string  `json:"status"`
	TxHash string  `json:"txHash,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// CancelResult 取消结果
type CancelResult struct {
	Username      string `json:"username"`
	Cancelled     bool   `json:"cancelled"`
	DaysRemaining int    `json:"daysRemaining"`
	Refund        Refund `json:"refund"`
}

// RefundAmount 剩余天数乘以累计支付的日均单价，不超过累计支付总额
func RefundAmount(mailbox *domain.RootMailbox, days float64) float64 {
	if mailbox.PaidDays <= 0 {
		return round4(days * RefundRatePerDay)
	}
	amount := days * mailbox.PaidAmount / float64(mailbox.PaidDays)
	return round4(math.Min(amount, mailbox.PaidAmount))
}

// Cancel 停用收件箱并按剩余天数退款
//
// 退款转账失败时收件箱保持停用，同时返回结果和 UpstreamTransportFailure，
// 调用方据此转人工处理。
func (l *Ledger) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	mailbox, err := l.store.GetRootMailbox(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Inbox not found")
	}
	if err != nil {
		return nil, err
	}
	if !domain.SameWallet(mailbox.OwnerWallet, req.CallerWallet) {
		return nil, domain.Forbiddenf("Only the inbox owner can cancel")
	}
	if !mailbox.Active {
		return nil, domain.Validationf("Inbox is already cancelled or expired")
	}

	refundTo := req.CallerWallet
	if strings.TrimSpace(req.RefundAddress) != "" {
		refundTo = req.RefundAddress
	}
	refundTo, err = domain.NormalizeWallet(refundTo)
	if err != nil {
		return nil, domain.Validationf("Invalid refund address")
	}

	now := l.now().UTC()
	days := math.Max(0, mailbox.ExpiresAt.Sub(now).Hours()/24)
	amount := RefundAmount(mailbox, days)

	ok, err := l.store.DeactivateRootMailbox(ctx, username, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 并发取消或清理任务先一步停用
		return nil, domain.Conflictf("Inbox %s is no longer active", username)
	}

	result := &CancelResult{
		Username:      username,
		Cancelled:     true,
		DaysRemaining: int(math.Floor(days)),
		Refund:        Refund{Amount: amount, To: refundTo},
	}
	log := l.log.With(zap.String("username", username), zap.Float64("amount", amount), zap.String("refund_to", refundTo))

	if amount < l.cfg.MinRefund {
		result.Refund.Status = RefundWaived
		monitoring.RecordCancellation(RefundWaived)
		log.Info("inbox cancelled, refund waived")
		return result, nil
	}

	if l.transferer == nil {
		err = payment.ErrNotConfigured
	} else {
		result.Refund.TxHash, err = l.transferer.Transfer(ctx, payment.TransferRequest{
			To:        refundTo,
			Amount:    amount,
			Reference: username,
		})
	}
	if err != nil {
		result.Refund.Status = RefundFailed
		result.Refund.Error = err.Error()
		monitoring.RecordCancellation(RefundFailed)
		log.Error("inbox cancelled but refund transfer failed", zap.Error(err))
		return result, domain.UpstreamFailure(err, "Inbox cancelled but refund transfer failed")
	}

	result.Refund.Status = RefundSent
	monitoring.RecordCancellation(RefundSent)
	log.Info("inbox cancelled, refund sent", zap.String("tx_hash", result.Refund.TxHash))
	return result, nil
}

// DaysRemaining 向上取整的剩余天数，已过期返回 0
func DaysRemaining(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
