package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jhillyerd/enmime/v2"
	"github.com/osteele/liquid"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/sender"
)

const reminderSubject = "Your inbox {{ address }} expires soon"

const reminderText = `Your inbox is expiring soon

{{ address }} expires in {{ days_remaining }} day{% if days_remaining != 1 %}s{% endif %}

Owned for: {{ days_owned }} days
Expires: {{ expiry_date }}
Remaining: {{ days_remaining }} day{% if days_remaining != 1 %}s{% endif %}

TOP UP YOUR INBOX
Anyone with a funded wallet can top up.
{% for plan in plans %}
${{ plan.price }} -> {{ plan.days }} days    POST {{ base_url }}{{ plan.path }}{% endfor %}

Body: { "username": "{{ username }}" }

If your inbox expires, forwarding will stop but the username stays reserved to your wallet.
`

const reminderHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: -apple-system, sans-serif; max-width: 560px; margin: 0 auto; padding: 20px; color: #333;">
  <h2>Your inbox is expiring soon</h2>
  <p><strong>{{ address | escape }}</strong> expires in <strong>{{ days_remaining }} day{% if days_remaining != 1 %}s{% endif %}</strong></p>
  <table style="width: 100%; border-collapse: collapse; margin: 20px 0;">
    <tr><td>Owned for</td><td>{{ days_owned }} days</td></tr>
    <tr><td>Expires</td><td>{{ expiry_date }}</td></tr>
  </table>
  <h3>Top up your inbox</h3>
  <table style="width: 100%; border-collapse: collapse; font-size: 14px;">
  {% for plan in plans %}
    <tr><td><strong>${{ plan.price }}</strong> &rarr; {{ plan.days }} days</td><td><code>POST {{ base_url | escape }}{{ plan.path }}</code></td></tr>
  {% endfor %}
  </table>
  <p style="font-size: 13px; color: #666;">Body: <code>{ "username": "{{ username | escape }}" }</code></p>
  <p style="font-size: 12px; color: #999;">If your inbox expires, forwarding will stop but the username stays reserved to your wallet.</p>
</body>
</html>
`

// ReminderConfig 提醒邮件参数
type ReminderConfig struct {
	From       string // 发件地址，一般为中继地址
	FromName   string
	RootDomain string
	BaseURL    string
}

// MailReminder 渲染提醒邮件并经 Sender 发送到收件箱的转发地址
type MailReminder struct {
	cfg     ReminderConfig
	sender  sender.Sender
	subject *liquid.Template
	text    *liquid.Template
	html    *liquid.Template
	log     *zap.Logger
}

// NewMailReminder 解析模板，模板错误在启动时暴露
func NewMailReminder(cfg ReminderConfig, snd sender.Sender, log *zap.Logger) (*MailReminder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	engine := liquid.NewEngine()

	parse := func(name, src string) (*liquid.Template, error) {
		tpl, err := engine.ParseString(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		return tpl, nil
	}

	r := &MailReminder{cfg: cfg, sender: snd, log: log.Named("reminder")}
	var err error
	if r.subject, err = parse("subject", reminderSubject); err != nil {
		return nil, err
	}
	if r.text, err = parse("text", reminderText); err != nil {
		return nil, err
	}
	if r.html, err = parse("html", reminderHTML); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MailReminder) bindings(mb domain.RootMailbox, now time.Time) liquid.Bindings {
	plans := make([]map[string]interface{}, 0, 3)
	for _, p := range []struct {
		plan Plan
		path string
	}{
		{PlanTopup, "/api/inbox/topup"},
		{PlanQuarter, "/api/inbox/topup/quarter"},
		{PlanYear, "/api/inbox/topup/year"},
	} {
		plans = append(plans, map[string]interface{}{
			"price": formatPrice(p.plan.Price),
			"days":  p.plan.Days,
			"path":  p.path,
		})
	}

	return liquid.Bindings{
		"username":       mb.Username,
		"address":        mb.Username + "@" + r.cfg.RootDomain,
		"days_remaining": DaysRemaining(mb.ExpiresAt, now),
		"days_owned":     int(math.Floor(now.Sub(mb.CreatedAt).Hours() / 24)),
		"expiry_date":    mb.ExpiresAt.UTC().Format("January 2, 2006"),
		"base_url":       r.cfg.BaseURL,
		"plans":          plans,
	}
}

// Compose 生成完整的 RFC 5322 邮件
func (r *MailReminder) Compose(mb domain.RootMailbox, now time.Time) ([]byte, error) {
	if !mb.HasForward() {
		return nil, domain.Validationf("inbox %s has no forward address", mb.Username)
	}
	b := r.bindings(mb, now)

	var (
		subject, text, html string
		err                 error
	)
	if subject, err = r.subject.RenderString(b); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if text, err = r.text.RenderString(b); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	if html, err = r.html.RenderString(b); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	part, err := enmime.Builder().
		From(r.cfg.FromName, r.cfg.From).
		To("", *mb.ForwardTo).
		Subject(subject).
		Date(now).
		Text([]byte(text)).
		HTML([]byte(html)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build reminder: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode reminder: %w", err)
	}
	return buf.Bytes(), nil
}

// Remind 实现 Notifier
func (r *MailReminder) Remind(ctx context.Context, mb domain.RootMailbox, now time.Time) error {
	raw, err := r.Compose(mb, now)
	if err != nil {
		return err
	}
	id, err := r.sender.SendRaw(ctx, r.cfg.From, []string{*mb.ForwardTo}, raw)
	if err != nil {
		return err
	}
	r.log.Info("expiry reminder sent", zap.String("username", mb.Username), zap.String("transport_id", id))
	return nil
}

// formatPrice 1 -> "1"，2.5 -> "2.50"
func formatPrice(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int(v))
	}
	return fmt.Sprintf("%.2f", v)
}
