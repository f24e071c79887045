package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/monitoring"
)

// SweepResult 一次清理的统计
type SweepResult struct {
	Deactivated int64 `json:"deactivated"`
	Checked     int   `json:"checked"`
	Sent        int   `json:"remindersSent"`
	Skipped     int   `json:"skipped"`
	Failed      int   `json:"failed"`
}

// Sweep 停用已过期收件箱，并提醒即将到期的收件箱
//
// 提醒发送失败时不记录 lastReminderAt，下次清理会重试。
func (l *Ledger) Sweep(ctx context.Context) (*SweepResult, error) {
	now := l.now().UTC()
	result := &SweepResult{}

	n, err := l.store.DeactivateExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("deactivate expired: %w", err)
	}
	result.Deactivated = n
	monitoring.RecordSweepDeactivations(n)

	candidates, err := l.store.ListReminderCandidates(ctx, now, l.cfg.ReminderWindow, l.cfg.ReminderInterval)
	if err != nil {
		return result, fmt.Errorf("list reminder candidates: %w", err)
	}
	result.Checked = len(candidates)

	for _, mb := range candidates {
		if !mb.HasForward() || l.notifier == nil {
			result.Skipped++
			monitoring.RecordReminder("skipped")
			continue
		}
		if err := l.notifier.Remind(ctx, mb, now); err != nil {
			result.Failed++
			monitoring.RecordReminder("failed")
			l.log.Error("reminder failed", zap.String("username", mb.Username), zap.Error(err))
			continue
		}
		if err := l.store.MarkReminded(ctx, mb.ID, now); err != nil {
			l.log.Warn("failed to stamp reminder", zap.String("username", mb.Username), zap.Error(err))
		}
		result.Sent++
		monitoring.RecordReminder("sent")
	}

	l.log.Info("sweep finished",
		zap.Int64("deactivated", result.Deactivated),
		zap.Int("checked", result.Checked),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}
