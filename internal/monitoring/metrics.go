package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 入站指标
	NotificationsTotal   *prometheus.CounterVec
	RecipientDisposition *prometheus.CounterVec
	ForwardFailures      prometheus.Counter
	RetentionDenied      *prometheus.CounterVec
	BlobDeletes          *prometheus.CounterVec
	InboundProcessing    prometheus.Histogram

	// 账本指标
	Topups             *prometheus.CounterVec
	Cancellations      *prometheus.CounterVec
	SweepDeactivations prometheus.Counter
	Reminders          *prometheus.CounterVec

	// 出站指标
	OutboundSent *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// Default 进程级指标，注册到 prometheus 默认 registry
var Default = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics 创建监控指标并注册到 reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402email_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402email_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402email_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_inbound_notifications_total",
				Help: "Inbound notifications by handling status",
			},
			[]string{"status"},
		),

		RecipientDisposition: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_recipient_dispositions_total",
				Help: "Per-recipient routing outcomes",
			},
			[]string{"outcome"},
		),

		ForwardFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "x402email_forward_failures_total",
				Help: "Forward sends that failed",
			},
		),

		RetentionDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_retention_denied_total",
				Help: "Messages not retained because the mailbox was full",
			},
			[]string{"kind"},
		),

		BlobDeletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_blob_deletes_total",
				Help: "Blob delete attempts by result",
			},
			[]string{"result"},
		),

		InboundProcessing: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "x402email_inbound_processing_seconds",
				Help:    "Time spent processing one inbound notification",
				Buckets: prometheus.DefBuckets,
			},
		),

		Topups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_topups_total",
				Help: "Inbox topups by plan",
			},
			[]string{"plan"},
		),

		Cancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_cancellations_total",
				Help: "Inbox cancellations by refund status",
			},
			[]string{"refund_status"},
		),

		SweepDeactivations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "x402email_sweep_deactivations_total",
				Help: "Inboxes deactivated by the expiry sweep",
			},
		),

		Reminders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_reminders_total",
				Help: "Expiry reminders by result",
			},
			[]string{"result"},
		),

		OutboundSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_outbound_sent_total",
				Help: "Outbound sends by source and result",
			},
			[]string{"source", "result"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "x402email_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402email_rate_limit_blocks_total",
				Help: "Requests blocked by rate limiting",
			},
			[]string{"limit_type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// 以下为业务代码使用的包级快捷函数，写入 Default。

// RecordNotification 记录入站通知处理结果
func RecordNotification(status string, duration time.Duration) {
	Default.NotificationsTotal.WithLabelValues(status).Inc()
	Default.InboundProcessing.Observe(duration.Seconds())
}

// RecordDisposition 记录单个收件人的处理结果
func RecordDisposition(outcome string) {
	Default.RecipientDisposition.WithLabelValues(outcome).Inc()
}

func RecordForwardFailure() {
	Default.ForwardFailures.Inc()
}

func RecordRetentionDenied(kind string) {
	Default.RetentionDenied.WithLabelValues(kind).Inc()
}

func RecordBlobDelete(result string) {
	Default.BlobDeletes.WithLabelValues(result).Inc()
}

func RecordTopup(plan string) {
	Default.Topups.WithLabelValues(plan).Inc()
}

func RecordCancellation(refundStatus string) {
	Default.Cancellations.WithLabelValues(refundStatus).Inc()
}

func RecordSweepDeactivations(n int64) {
	Default.SweepDeactivations.Add(float64(n))
}

func RecordReminder(result string) {
	Default.Reminders.WithLabelValues(result).Inc()
}

func RecordOutbound(source, result string) {
	Default.OutboundSent.WithLabelValues(source, result).Inc()
}

func RecordRateLimitBlock(limitType string) {
	Default.RateLimitBlocks.WithLabelValues(limitType).Inc()
}
