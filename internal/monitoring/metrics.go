package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record 方法允许 nil 接收者，测试中可以直接传 nil。
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 网关指标
	GatewayRequests  *prometheus.CounterVec
	GatewayRejects   *prometheus.CounterVec
	RateLimitResults *prometheus.CounterVec

	// 账本指标
	LedgerOperations *prometheus.CounterVec
	CreditsDebited   *prometheus.CounterVec
	CreditsCredited  *prometheus.CounterVec

	// 支付回调与安全事件
	WebhookEvents  *prometheus.CounterVec
	SecurityEvents *prometheus.CounterVec

	// 用量记录
	UsageRecords    *prometheus.CounterVec
	UsageQueueDepth prometheus.Gauge
	KeyTouchDropped prometheus.Counter

	// 上游调用
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标并注册到 reg
//
// reg 为 nil 时注册到默认注册表。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: gatherer,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		GatewayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_gateway_requests_total",
				Help: "Metered requests by endpoint and final state",
			},
			[]string{"endpoint", "state"},
		),
		GatewayRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_gateway_rejections_total",
				Help: "Rejected requests by reason code",
			},
			[]string{"reason"},
		),
		RateLimitResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_ratelimit_decisions_total",
				Help: "Rate limiter decisions by scope",
			},
			[]string{"scope", "result"},
		),

		LedgerOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_ledger_operations_total",
				Help: "Ledger operations by type and result",
			},
			[]string{"operation", "result"},
		),
		CreditsDebited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_credits_debited_total",
				Help: "Credits debited by transaction kind",
			},
			[]string{"kind"},
		),
		CreditsCredited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_credits_credited_total",
				Help: "Credits added by transaction kind",
			},
			[]string{"kind"},
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_payment_webhook_events_total",
				Help: "Payment webhook deliveries by result",
			},
			[]string{"result"},
		),
		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_security_events_total",
				Help: "Security relevant events",
			},
			[]string{"event"},
		),

		UsageRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_usage_records_total",
				Help: "Usage log records by result",
			},
			[]string{"result"},
		),
		UsageQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "creditgate_usage_queue_depth",
				Help: "Usage log records waiting to be flushed",
			},
		),
		KeyTouchDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditgate_key_touch_dropped_total",
				Help: "API key usage updates dropped because the worker queue was full",
			},
		),

		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_upstream_requests_total",
				Help: "Upstream extraction calls by platform and result",
			},
			[]string{"platform", "result"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditgate_upstream_duration_seconds",
				Help:    "Upstream extraction latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"platform"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "creditgate_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordGatewayRequest 记录网关请求的最终状态
func (m *Metrics) RecordGatewayRequest(endpoint, state string) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(endpoint, state).Inc()
}

// RecordRejection 记录拒绝原因
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.GatewayRejects.WithLabelValues(reason).Inc()
}

// RecordRateLimit 记录限流判定
func (m *Metrics) RecordRateLimit(scope string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.RateLimitResults.WithLabelValues(scope, result).Inc()
}

// RecordLedger 记录账本操作
func (m *Metrics) RecordLedger(operation, result string) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(operation, result).Inc()
}

// RecordDebit 记录扣减积分
func (m *Metrics) RecordDebit(kind string, amount int64) {
	if m == nil {
		return
	}
	m.CreditsDebited.WithLabelValues(kind).Add(float64(amount))
}

// RecordCredit 记录增加积分
func (m *Metrics) RecordCredit(kind string, amount int64) {
	if m == nil {
		return
	}
	m.CreditsCredited.WithLabelValues(kind).Add(float64(amount))
}

// RecordWebhook 记录支付回调处理结果
func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(result).Inc()
}

// RecordSecurityEvent 记录安全事件
func (m *Metrics) RecordSecurityEvent(event string) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(event).Inc()
}

// RecordUsage 记录用量日志处理结果
func (m *Metrics) RecordUsage(result string, n int) {
	if m == nil {
		return
	}
	m.UsageRecords.WithLabelValues(result).Add(float64(n))
}

// SetUsageQueueDepth 更新待写入的用量日志数量
func (m *Metrics) SetUsageQueueDepth(n int) {
	if m == nil {
		return
	}
	m.UsageQueueDepth.Set(float64(n))
}

// RecordKeyTouchDropped 记录被丢弃的密钥使用更新
func (m *Metrics) RecordKeyTouchDropped() {
	if m == nil {
		return
	}
	m.KeyTouchDropped.Inc()
}

// RecordUpstream 记录上游调用
func (m *Metrics) RecordUpstream(platform, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(platform, result).Inc()
	m.UpstreamDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
